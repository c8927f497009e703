package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sift-analytics/sift/internal/agent"
	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/metrics"
)

// MaxSSEDuration bounds a single chat stream. Turns finish well inside
// this; the cap guards against clients holding connections open.
const MaxSSEDuration = 30 * time.Minute

type chatRequest struct {
	DatasetID string `json:"dataset_id"`
	Message   string `json:"message"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// HandleChat runs one blocking turn and returns the full response.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "BAD_JSON", "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	resp, err := s.agent.Run(r.Context(), agent.TurnRequest{
		DatasetID: req.DatasetID,
		Message:   req.Message,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}

	s.observeTurn(resp, time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}

// HandleChatStream runs one turn and streams its events over SSE. Each
// event is framed as "event: <type>" plus a JSON data line.
func (s *Server) HandleChatStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		errorJSON(w, "STREAMING_UNSUPPORTED", "streaming not supported", http.StatusInternalServerError)
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		errorJSON(w, "BAD_JSON", "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	ip := clientIP(r)
	if !s.sse.Acquire(ip) {
		errorJSON(w, "STREAM_LIMIT", "too many concurrent streams", http.StatusTooManyRequests)
		return
	}
	defer s.sse.Release(ip)

	ctx, cancel := context.WithTimeout(r.Context(), MaxSSEDuration)
	defer cancel()

	start := time.Now()
	events, err := s.agent.Stream(ctx, agent.TurnRequest{
		DatasetID: req.DatasetID,
		Message:   req.Message,
		ThreadID:  req.ThreadID,
	})
	if err != nil {
		s.writeTurnError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			LoggerFromContext(r.Context()).Error("marshal stream event", "error", err)
			continue
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
		flusher.Flush()

		if ev.Type == agent.EventResult && ev.Response != nil {
			s.observeTurn(ev.Response, time.Since(start))
		}
	}
}

// writeTurnError maps agent errors onto the error envelope: unknown
// dataset is a 404, validation failures a 400, anything else a 500.
func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, agent.ErrDatasetNotFound) {
		errorJSON(w, "NOT_FOUND", "unknown dataset", http.StatusNotFound)
		return
	}
	var runErr *domain.RunError
	if errors.As(err, &runErr) {
		status := http.StatusBadRequest
		if runErr.Kind == domain.ErrRunnerInternal || runErr.Kind == domain.ErrBackendUnavailable {
			status = http.StatusInternalServerError
		}
		errorJSON(w, string(runErr.Kind), runErr.Message, status)
		return
	}
	internalError(w, r, err)
}

func (s *Server) observeTurn(resp *agent.TurnResponse, elapsed time.Duration) {
	metrics.RunsTotal.WithLabelValues(resp.Details.QueryMode, resp.Status).Inc()
	if s.exec != nil {
		metrics.RunDuration.WithLabelValues(s.exec.Name()).Observe(elapsed.Seconds())
	}
}
