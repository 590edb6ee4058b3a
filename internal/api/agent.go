package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mkrell/foreman/internal/model"
)

// registerAgentRequest is the JSON body for POST /v1/agents.
type registerAgentRequest struct {
	TenantID     string   `json:"tenant_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id and name are required")
		return
	}

	a, err := s.agents.Register(r.Context(), req.TenantID, req.Name, req.Capabilities)
	if err != nil {
		s.writeServiceError(w, "register agent", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	agents, err := s.store.ListAgents(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, "list agents", err)
		return
	}
	if agents == nil {
		agents = []*model.Agent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// heartbeatRequest is the JSON body for POST /v1/agents/{id}/heartbeat.
type heartbeatRequest struct {
	Status  string                  `json:"status"`
	Metrics *model.HeartbeatMetrics `json:"metrics"`
}

// heartbeatResponse carries the commands queued since the last beat.
type heartbeatResponse struct {
	Commands []model.Command `json:"commands"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Status == "" {
		req.Status = model.AgentOnline
	}

	cmds, err := s.agents.Heartbeat(r.Context(), chi.URLParam(r, "id"), req.Status, req.Metrics)
	if err != nil {
		s.writeServiceError(w, "heartbeat", err)
		return
	}
	if cmds == nil {
		cmds = []model.Command{}
	}
	s.writeJSON(w, http.StatusOK, heartbeatResponse{Commands: cmds})
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.agents.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, "deregister agent", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
