package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mkrell/foreman/internal/model"
)

// createRuleRequest is the JSON body for POST /v1/rules.
type createRuleRequest struct {
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	EntityType string          `json:"entity_type"`
	Condition  model.Condition `json:"condition"`
	Severity   string          `json:"severity"`
	Channels   json.RawMessage `json:"channels"`
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	switch req.EntityType {
	case model.EntityQueueItem, model.EntityExecution, model.EntityAgent:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown entity_type")
		return
	}
	if err := req.Condition.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Severity {
	case "":
		req.Severity = model.SeverityInfo
	case model.SeverityInfo, model.SeverityWarning, model.SeverityCritical:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown severity")
		return
	}

	rule := &model.NotificationRule{
		ID:         model.NewID(),
		TenantID:   req.TenantID,
		Name:       req.Name,
		EntityType: req.EntityType,
		Condition:  req.Condition,
		Severity:   req.Severity,
		Channels:   req.Channels,
		Enabled:    true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateRule(r.Context(), rule); err != nil {
		s.writeServiceError(w, "create rule", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, rule)
}
