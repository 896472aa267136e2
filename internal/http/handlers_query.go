package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
)

// GET /api/status?project=
func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	res, err := s.coord.Status(r.Context(), strings.TrimSpace(r.URL.Query().Get("project")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GET /api/log?project=&limit=&agent=&action=
func (s *Service) handleLog(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	q := r.URL.Query()
	req := core.LogRequest{
		Project: strings.TrimSpace(q.Get("project")),
		AgentID: strings.TrimSpace(q.Get("agent")),
		Action:  core.Action(strings.TrimSpace(q.Get("action"))),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, core.Invalidf("limit must be a non-negative integer, got %q", raw))
			return
		}
		req.Limit = n
	}
	res, err := s.coord.Log(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
