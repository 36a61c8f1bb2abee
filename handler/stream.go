package handler

import (
	"net/http"
	"sync"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/orchestrator"
)

// sseSink adapts an http.ResponseWriter into an orchestrator.StreamSink,
// flushing each delta as its own SSE "message" event. Writes are
// serialized: chi's ResponseWriter is not safe for concurrent use and the
// Orchestrator only ever calls WriteDelta from the single goroutine
// running RunTurn, but the mutex keeps this adapter safe even if that
// changes.
type sseSink struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return &sseSink{w: w, flusher: flusher}, true
}

func (s *sseSink) WriteDelta(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := writeSSEEvent(s.w, "message", map[string]string{"delta": text}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) writeSources(sources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := writeSSEEvent(s.w, "sources", map[string]interface{}{"type": "sources", "sources": sources}); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

var _ orchestrator.StreamSink = (*sseSink)(nil)
