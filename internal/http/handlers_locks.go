package httpapi

import (
	"net/http"

	"github.com/mistakeknot/interlock/internal/core"
)

type lockRequest struct {
	Project  string `json:"project"`
	AgentID  string `json:"agent_id"`
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

type unlockRequest struct {
	Project  string `json:"project"`
	AgentID  string `json:"agent_id"`
	Resource string `json:"resource"`
}

// POST /api/locks. A denied lock is a 200 with acquired=false.
func (s *Service) handleLock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req lockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.coord.Lock(r.Context(), core.LockRequest(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/locks/release
func (s *Service) handleUnlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req unlockRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.coord.Unlock(r.Context(), core.UnlockRequest(req))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
