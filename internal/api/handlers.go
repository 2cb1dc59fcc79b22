package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"evolution-gate/internal/audit"
	"evolution-gate/internal/gate"
	"evolution-gate/internal/sandbox"
)

type Handlers struct {
	ctrl  *gate.Controller
	store audit.Store
	feed  *Feed
}

func NewHandlers(ctrl *gate.Controller, store audit.Store, feed *Feed) *Handlers {
	return &Handlers{
		ctrl:  ctrl,
		store: store,
		feed:  feed,
	}
}

func (h *Handlers) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Source == "" {
		writeError(w, "source is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	isolation := sandbox.IsolationMaximum
	if req.Isolation != "" {
		var err error
		isolation, err = sandbox.ParseIsolationLevel(req.Isolation)
		if err != nil {
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
			return
		}
	}
	priority, err := gate.ParsePriority(req.Priority)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	tests := make([]sandbox.TestCase, 0, len(req.Tests))
	for _, tc := range req.Tests {
		tests = append(tests, tc.toSandbox())
	}

	id, err := h.ctrl.Submit(r.Context(), &gate.EvolutionRequest{
		Source:    req.Source,
		Tests:     tests,
		Isolation: isolation,
		Priority:  priority,
	})
	if err != nil {
		switch {
		case errors.Is(err, gate.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, "queue full", "QUEUE_FULL", http.StatusTooManyRequests, r)
		case errors.Is(err, gate.ErrClosed):
			writeError(w, "shutting down", "UNAVAILABLE", http.StatusServiceUnavailable, r)
		default:
			writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, SubmitResponse{ID: id, State: string(gate.StateSubmitted)})
}

func (h *Handlers) HandleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "request ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	snap, err := h.ctrl.Status(r.Context(), id)
	if err != nil {
		writeError(w, "request not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "request ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	err := h.ctrl.Cancel(r.Context(), id)
	switch {
	case err == nil:
		// A queued request is cancelled outright; one already picked up is
		// being torn down and will terminate as rejected.
		state := string(gate.StateCancelled)
		if snap, serr := h.ctrl.Status(r.Context(), id); serr == nil {
			state = string(snap.State)
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": state})
	case errors.Is(err, gate.ErrNotFound):
		writeError(w, "request not found", "NOT_FOUND", http.StatusNotFound, r)
	case errors.Is(err, gate.ErrNotCancellable):
		writeError(w, "request already decided", "CONFLICT", http.StatusConflict, r)
	default:
		writeError(w, "cancel failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleListReviews(w http.ResponseWriter, r *http.Request) {
	reviews := h.ctrl.PendingReviews(r.Context())
	if reviews == nil {
		reviews = []*gate.Snapshot{}
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (h *Handlers) HandleResolveReview(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "request ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Reviewer == "" {
		writeError(w, "reviewer is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	err := h.ctrl.ResolveReview(r.Context(), id, req.Approve, req.Reviewer, req.Note)
	switch {
	case err == nil:
		state := gate.StateApproved
		if !req.Approve {
			state = gate.StateRejected
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "state": string(state)})
	case errors.Is(err, gate.ErrNotPending):
		writeError(w, "request is not pending review", "CONFLICT", http.StatusConflict, r)
	default:
		log.Error().Err(err).Str("request_id", RequestIDFromContext(r.Context())).Msg("resolve failed")
		writeError(w, "resolve failed", "INTERNAL", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "request ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if errors.Is(err, audit.ErrNotFound) {
		writeError(w, "audit record not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handlers) HandleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := audit.Filter{
		State: r.URL.Query().Get("state"),
		Limit: 100,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	recs, err := h.store.List(r.Context(), filter)
	if err != nil {
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if recs == nil {
		recs = []audit.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// HandleEvents streams the decision feed as Server-Sent Events.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.feed.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
