package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sift-analytics/sift/internal/domain"
)

// HandleListRuns returns capsules newest first with limit/offset
// pagination.
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)
	capsules, err := s.capsules.List(r.Context(), limit, offset)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if capsules == nil {
		capsules = []domain.Capsule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":   capsules,
		"limit":  limit,
		"offset": offset,
	})
}

// HandleGetRun returns the full capsule for a run id.
func (s *Server) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	c, err := s.capsules.Get(r.Context(), runID)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if c == nil {
		errorJSON(w, "NOT_FOUND", "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleGetRunStatus returns just the lifecycle status. The capsule is
// authoritative once written; before that the executor's in-flight view
// answers.
func (s *Server) HandleGetRunStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	c, err := s.capsules.Get(r.Context(), runID)
	if err != nil {
		internalError(w, r, err)
		return
	}

	var status domain.RunStatus
	switch {
	case c != nil:
		status = c.Status
	case s.exec != nil:
		status = s.exec.Status(runID)
	default:
		status = domain.RunStatusPending
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id": runID,
		"status": status,
	})
}

// HandleCancelRun terminates an in-flight sandbox run. Cancelling a
// finished or unknown run is a no-op.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if s.exec != nil {
		if err := s.exec.Cancel(r.Context(), runID); err != nil {
			internalError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": runID,
		"status": domain.RunStatusCancelled,
	})
}

// HandleThreadMessages returns the most recent messages of a thread in
// chronological order.
func (s *Server) HandleThreadMessages(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	limit, _ := parsePagination(r)
	msgs, err := s.messages.ListRecent(r.Context(), threadID, limit)
	if err != nil {
		internalError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []domain.ThreadMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id": threadID,
		"messages":  msgs,
	})
}
