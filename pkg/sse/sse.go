// Package sse provides Server-Sent Events support for streaming cache
// warm-up progress to clients.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ProgressEvent is sent after each warmed query.
type ProgressEvent struct {
	Repository string  `json:"repository"`
	Operation  string  `json:"operation"`
	Done       int     `json:"done"`
	Total      int     `json:"total"`
	Progress   float64 `json:"progress"`
	Error      string  `json:"error,omitempty"`
}

// CompleteEvent is sent when warming finishes.
type CompleteEvent struct {
	Stats json.RawMessage `json:"stats"`
	Cache json.RawMessage `json:"cache"`
}

// ErrorEvent is sent when warming stops early.
type ErrorEvent struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

// Writer wraps an http.ResponseWriter for SSE output.
// It sets the required headers and provides methods to send typed events.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares the response for SSE streaming.
// Returns nil if the ResponseWriter does not support flushing.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// SendProgress emits a progress event. Progress is derived from Done and
// Total when unset.
func (s *Writer) SendProgress(evt ProgressEvent) error {
	if evt.Progress == 0 && evt.Total > 0 {
		evt.Progress = float64(evt.Done) / float64(evt.Total)
	}
	return s.sendEvent("progress", evt)
}

// SendComplete emits the final event with the run and cache statistics.
func (s *Writer) SendComplete(stats any, cacheStats any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}
	cacheJSON, err := json.Marshal(cacheStats)
	if err != nil {
		return fmt.Errorf("marshal cache stats: %w", err)
	}
	return s.sendEvent("complete", CompleteEvent{
		Stats: json.RawMessage(statsJSON),
		Cache: json.RawMessage(cacheJSON),
	})
}

// SendError emits an error event.
func (s *Writer) SendError(code, errMsg string) error {
	return s.sendEvent("error", ErrorEvent{Code: code, Error: errMsg})
}

// sendEvent writes a single SSE event and flushes.
func (s *Writer) sendEvent(eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, payload)
	if err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	s.flusher.Flush()
	return nil
}
