package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mkrell/foreman/internal/model"
)

// createTenantRequest is the JSON body for POST /v1/tenants.
type createTenantRequest struct {
	Name              string `json:"name"`
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	MaxAgents         int    `json:"max_agents"`
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	tn := &model.Tenant{
		ID:                model.NewID(),
		Name:              req.Name,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
		MaxAgents:         req.MaxAgents,
		CreatedAt:         time.Now().UTC(),
	}
	if err := s.store.CreateTenant(r.Context(), tn); err != nil {
		s.writeServiceError(w, "create tenant", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, tn)
}

// createQueueRequest is the JSON body for POST /v1/queues.
type createQueueRequest struct {
	TenantID          string `json:"tenant_id"`
	Name              string `json:"name"`
	MaxRetries        int    `json:"max_retries"`
	RetryDelaySeconds int    `json:"retry_delay_seconds"`
	TimeoutSeconds    int    `json:"timeout_seconds"`
	Backoff           string `json:"backoff"`
}

func (s *Server) handleCreateQueue(w http.ResponseWriter, r *http.Request) {
	var req createQueueRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TenantID == "" || req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "tenant_id and name are required")
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
		s.writeServiceError(w, "create queue", err)
		return
	}

	now := time.Now().UTC()
	q := &model.Queue{
		ID:                model.NewID(),
		TenantID:          req.TenantID,
		Name:              req.Name,
		Status:            model.QueueActive,
		MaxRetries:        req.MaxRetries,
		RetryDelaySeconds: req.RetryDelaySeconds,
		TimeoutSeconds:    req.TimeoutSeconds,
		Backoff:           req.Backoff,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateQueue(r.Context(), q); err != nil {
		s.writeServiceError(w, "create queue", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, q)
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.store.GetQueue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get queue", err)
		return
	}
	s.writeJSON(w, http.StatusOK, q)
}

// enqueueItemRequest is the JSON body for POST /v1/queues/{id}/items.
// ExecutionID optionally links the item to the execution it belongs to.
type enqueueItemRequest struct {
	Priority    int             `json:"priority"`
	Payload     json.RawMessage `json:"payload"`
	Requires    []string        `json:"requires"`
	ExecutionID string          `json:"execution_id"`
}

func (s *Server) handleEnqueueItem(w http.ResponseWriter, r *http.Request) {
	var req enqueueItemRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	it, err := s.queues.Enqueue(r.Context(), chi.URLParam(r, "id"), req.Priority, req.Payload, req.Requires, req.ExecutionID)
	if err != nil {
		s.writeServiceError(w, "enqueue item", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, it)
}

// leaseRequest is the JSON body for POST /v1/queues/{id}/lease. Agents
// pull work directly with it, outside the heartbeat channel. The agent
// must be registered; its stored capabilities decide what it can take.
type leaseRequest struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleLeaseItem(w http.ResponseWriter, r *http.Request) {
	var req leaseRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	it, err := s.queues.Lease(r.Context(), chi.URLParam(r, "id"), req.AgentID)
	if err != nil {
		s.writeServiceError(w, "lease item", err)
		return
	}
	if it == nil {
		// Nothing eligible right now.
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

func (s *Server) handlePauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, "pause queue", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.queues.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, "resume queue", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listItemsResponse wraps the paginated item list.
type listItemsResponse struct {
	Items  []*model.QueueItem `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

func (s *Server) handleListItems(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)
	status := r.URL.Query().Get("status")

	items, total, err := s.store.ListItems(r.Context(), chi.URLParam(r, "id"), status, limit, offset)
	if err != nil {
		s.writeServiceError(w, "list items", err)
		return
	}
	if items == nil {
		items = []*model.QueueItem{}
	}
	s.writeJSON(w, http.StatusOK, listItemsResponse{
		Items:  items,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetQueue(r.Context(), id); err != nil {
		s.writeServiceError(w, "queue stats", err)
		return
	}
	stats, err := s.store.GetQueueStats(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, "queue stats", err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.store.GetItem(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, "get item", err)
		return
	}
	s.writeJSON(w, http.StatusOK, it)
}

// ackRequest is the JSON body for item complete/fail acks.
type ackRequest struct {
	AgentID    string          `json:"agent_id"`
	LeaseEpoch int             `json:"lease_epoch"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (s *Server) handleCompleteItem(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := s.queues.AckComplete(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.LeaseEpoch, req.Result); err != nil {
		s.writeServiceError(w, "complete item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFailItem(w http.ResponseWriter, r *http.Request) {
	var req ackRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		s.writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	if err := s.queues.AckFail(r.Context(), chi.URLParam(r, "id"), req.AgentID, req.LeaseEpoch, req.Error); err != nil {
		s.writeServiceError(w, "fail item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
