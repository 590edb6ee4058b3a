package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkrell/foreman/internal/model"
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	TenantID          string          `json:"tenant_id"`
	Name              string          `json:"name"`
	Package           string          `json:"package"`
	Parameters        json.RawMessage `json:"parameters"`
	Requires          []string        `json:"requires"`
	Schedule          string          `json:"schedule"`
	Priority          int             `json:"priority"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	RetryCount        int             `json:"retry_count"`
	RetryDelaySeconds int             `json:"retry_delay_seconds"`
	Backoff           string          `json:"backoff"`
	Enabled           *bool           `json:"enabled"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Name == "" || req.Package == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id, name and package are required")
		return
	}
	if req.TimeoutSeconds <= 0 {
		s.writeError(w, http.StatusBadRequest, "timeout_seconds must be positive")
		return
	}
	if req.Backoff == "" {
		req.Backoff = "fixed"
	}
	if req.Backoff != "fixed" && req.Backoff != "exponential" {
		s.writeError(w, http.StatusBadRequest, "backoff must be fixed or exponential")
		return
	}
	if _, err := s.store.GetTenant(r.Context(), req.TenantID); err != nil {
		s.writeServiceError(w, "create job", err)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	now := time.Now().UTC()
	j := &model.Job{
		ID:                model.NewID(),
		TenantID:          req.TenantID,
		Name:              req.Name,
		Package:           req.Package,
		Parameters:        req.Parameters,
		Requires:          req.Requires,
		Schedule:          req.Schedule,
		Priority:          req.Priority,
		TimeoutSeconds:    req.TimeoutSeconds,
		RetryCount:        req.RetryCount,
		RetryDelaySeconds: req.RetryDelaySeconds,
		Backoff:           req.Backoff,
		Enabled:           enabled,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateJob(r.Context(), j); err != nil {
		s.writeServiceError(w, "create job", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get job", err)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	enabledOnly := r.URL.Query().Get("enabled") == "true"

	jobs, err := s.store.ListJobs(r.Context(), tenantID, enabledOnly)
	if err != nil {
		s.writeServiceError(w, "list jobs", err)
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// submitExecutionRequest is the JSON body for POST /v1/jobs/{id}/executions.
type submitExecutionRequest struct {
	TriggerSource string          `json:"trigger_source"`
	Parameters    json.RawMessage `json:"parameters"`
}

func (s *Server) handleSubmitExecution(w http.ResponseWriter, r *http.Request) {
	var req submitExecutionRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	trigger := req.TriggerSource
	switch trigger {
	case "":
		trigger = model.TriggerAPI
	case model.TriggerAPI, model.TriggerManual:
	default:
		s.writeError(w, http.StatusBadRequest, "trigger_source must be api or manual")
		return
	}

	e, err := s.execs.Submit(r.Context(), chi.URLParam(r, "id"), trigger, req.Parameters)
	if err != nil {
		s.writeServiceError(w, "submit execution", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, e)
}

// listExecutionsResponse wraps the paginated execution list.
type listExecutionsResponse struct {
	Executions []*model.JobExecution `json:"executions"`
	Total      int                   `json:"total"`
	Limit      int                   `json:"limit"`
	Offset     int                   `json:"offset"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	limit, offset := pageParams(r)
	status := r.URL.Query().Get("status")

	execs, total, err := s.execs.List(r.Context(), tenantID, status, limit, offset)
	if err != nil {
		s.writeServiceError(w, "list executions", err)
		return
	}
	if execs == nil {
		execs = []*model.JobExecution{}
	}
	s.writeJSON(w, http.StatusOK, listExecutionsResponse{
		Executions: execs,
		Total:      total,
		Limit:      limit,
		Offset:     offset,
	})
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.execs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get execution", err)
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStartExecution(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	// The run clock starts now; the lease deadline follows the job's
	// timeout.
	e, err := s.execs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "start execution", err)
		return
	}
	j, err := s.store.GetJob(r.Context(), e.JobID)
	if err != nil {
		s.writeServiceError(w, "start execution", err)
		return
	}
	timeout := time.Duration(j.TimeoutSeconds) * time.Second

	if err := s.execs.Start(r.Context(), e.ID, req.AgentID, req.LeaseEpoch, timeout); err != nil {
		s.writeServiceError(w, "start execution", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCompleteExecution(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := s.execs.Complete(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.LeaseEpoch, req.Result); err != nil {
		s.writeServiceError(w, "complete execution", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailExecution(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := s.execs.Fail(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.LeaseEpoch, req.Error); err != nil {
		s.writeServiceError(w, "fail execution", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	e, err := s.execs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "cancel execution", err)
		return
	}
	// Best-effort stop signal to the agent holding it.
	if e.LeasedBy != "" {
		s.agents.EnqueueCommand(e.LeasedBy, model.Command{
			Kind:        model.CommandCancel,
			ExecutionID: e.ID,
		})
	}
	s.writeJSON(w, http.StatusOK, e)
}
