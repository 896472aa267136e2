package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interlock/internal/core"
)

const maxBodyBytes = 1 << 20

// errorResponse is the uniform error payload.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Holder  string `json:"holder,omitempty"`
}

func statusFor(code string) int {
	switch code {
	case core.CodeProjectNotFound, core.CodeAgentNotRegistered:
		return http.StatusNotFound
	case core.CodeLockHeldByOther:
		return http.StatusConflict
	case core.CodeInvalidArgument:
		return http.StatusBadRequest
	case core.CodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := core.ErrorCode(err)
	status := statusFor(code)
	resp := errorResponse{Error: code, Message: err.Error()}
	var held *core.LockHeldError
	if errors.As(err, &held) {
		resp.Holder = held.Holder
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("code", code).Msg("request failed")
	}
	writeJSON(w, status, resp)
}

func methodNotAllowed(w http.ResponseWriter, allow string) {
	w.Header().Set("Allow", allow)
	writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method_not_allowed", Message: "use " + allow})
}

// decodeBody reads a JSON request body into v. An empty body leaves v zero.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidArgument, err)
	}
	return nil
}
