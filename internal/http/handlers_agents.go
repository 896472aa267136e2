package httpapi

import (
	"net/http"
	"strings"

	"github.com/mistakeknot/interlock/internal/core"
)

type registerRequest struct {
	Project      string   `json:"project"`
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
}

type heartbeatRequest struct {
	Project     string  `json:"project"`
	Status      string  `json:"status"`
	CurrentTask *string `json:"current_task"`
}

// POST /api/agents
func (s *Service) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.coord.Register(r.Context(), core.RegisterRequest{
		Project:      req.Project,
		AgentID:      req.AgentID,
		Capabilities: req.Capabilities,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /api/agents/{id}/heartbeat
func (s *Service) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if !strings.HasSuffix(path, "/heartbeat") {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not_found", Message: "unknown route"})
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	id := strings.Trim(strings.TrimSuffix(path, "/heartbeat"), "/")

	var req heartbeatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.coord.Heartbeat(r.Context(), core.HeartbeatRequest{
		Project:     req.Project,
		AgentID:     id,
		Status:      core.AgentStatus(req.Status),
		CurrentTask: req.CurrentTask,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
