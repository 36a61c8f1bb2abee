// Package handler implements the thin HTTP adapters over the Orchestrator
// and its companion components (§6). Every handler follows the same
// shape: decode, call into the domain package, map errs.Kind to an HTTP
// status via errs.HTTPStatus, encode.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/analyticsrec"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/errs"
	gwmw "github.com/learningcmsebl-ux/aichatbot-refine-sub001/middleware"
	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/orchestrator"
)

// ChatHandler serves the single chat transport endpoint (§6).
type ChatHandler struct {
	orch         *orchestrator.Orchestrator
	logger       zerolog.Logger
	sessionLocks *gwmw.KeyedMutex
}

// NewChatHandler builds a ChatHandler.
func NewChatHandler(orch *orchestrator.Orchestrator, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{orch: orch, logger: logger, sessionLocks: gwmw.NewKeyedMutex()}
}

type chatRequest struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id"`
	KnowledgeBase string `json:"knowledge_base"`
	Stream        bool   `json:"stream"`
}

type chatResponse struct {
	Response  string   `json:"response"`
	SessionID string   `json:"session_id"`
	Sources   []string `json:"sources"`
}

// Chat handles POST /v1/chat, per §6: `{query, session_id?,
// knowledge_base?, stream}`. Non-streaming responses are
// `{response, session_id, sources[]}`; streaming responses emit the
// assistant's text as a series of SSE "message" events followed by one
// terminal "sources" event — a well-defined stream frame, never the
// sentinel-delimited text-splicing the original design flagged as
// fragile (open question (d)).
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "request body must be valid JSON")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "session_id is required")
		return
	}

	turnReq := orchestrator.TurnRequest{
		SessionID:     req.SessionID,
		Query:         req.Query,
		KnowledgeBase: req.KnowledgeBase,
		ClientIP:      r.RemoteAddr,
	}

	// Two overlapping requests for the same session would otherwise race
	// the orchestrator's per-session memory append and disambiguation
	// pending-state; serialize per session_id rather than globally.
	unlock := h.sessionLocks.Lock(req.SessionID)
	defer unlock()

	if req.Stream {
		h.streamChat(w, r, turnReq)
		return
	}

	var buf bufferSink
	result := h.orch.RunTurn(r.Context(), turnReq, &buf)
	if result.Err != nil {
		h.writeOrchestratorError(w, result.Err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Response:  result.Text,
		SessionID: req.SessionID,
		Sources:   nonNilSources(result.Sources),
	})
}

func (h *ChatHandler) streamChat(w http.ResponseWriter, r *http.Request, turnReq orchestrator.TurnRequest) {
	sink, ok := newSSESink(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "streaming is not supported by this server")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	sink.flusher.Flush()

	result := h.orch.RunTurn(r.Context(), turnReq, sink)

	if result.State == orchestrator.StateAwaitingDisambiguation {
		_ = sink.WriteDelta(result.Text)
	}
	if result.Err != nil {
		h.logger.Error().Err(result.Err).Str("session_id", turnReq.SessionID).Msg("chat stream finished with error")
	}
	_ = sink.writeSources(nonNilSources(result.Sources))
}

// bufferSink accumulates deltas in-process for the non-streaming path —
// the Orchestrator always streams internally; buffering here is cheaper
// than teaching it two separate code paths.
type bufferSink struct {
	text string
}

func (b *bufferSink) WriteDelta(text string) error {
	b.text += text
	return nil
}

func (h *ChatHandler) writeOrchestratorError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	writeError(w, errs.HTTPStatus(kind), string(kind), err.Error())
}

func nonNilSources(sources []string) []string {
	if sources == nil {
		return []string{}
	}
	return sources
}

// HistoryHandler serves conversation-history endpoints backed by C7.
type HistoryHandler struct {
	deps orchestrator.Dependencies
}

// NewHistoryHandler builds a HistoryHandler over the same Dependencies
// wired into the Orchestrator.
func NewHistoryHandler(deps orchestrator.Dependencies) *HistoryHandler {
	return &HistoryHandler{deps: deps}
}

type historyTurn struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// GetHistory handles GET /v1/chat/history/{session}.
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	turns := h.deps.Memory.Recent(sessionID, 0)
	out := make([]historyTurn, 0, len(turns))
	for _, t := range turns {
		out = append(out, historyTurn{Role: string(t.Role), Content: t.Content, Timestamp: t.Timestamp.Format("2006-01-02T15:04:05Z07:00")})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session_id": sessionID, "turns": out})
}

// DeleteHistory handles DELETE /v1/chat/history/{session}.
func (h *HistoryHandler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	h.deps.Memory.Clear(sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// AnalyticsHandler serves the C9 aggregate read endpoints.
type AnalyticsHandler struct {
	rec *analyticsrec.Recorder
}

// NewAnalyticsHandler builds an AnalyticsHandler.
func NewAnalyticsHandler(rec *analyticsrec.Recorder) *AnalyticsHandler {
	return &AnalyticsHandler{rec: rec}
}

// Summary handles GET /v1/analytics/summary.
func (h *AnalyticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days", 7)
	writeJSON(w, http.StatusOK, h.rec.DailySummary(days, nowUTC()))
}

// MostAsked handles GET /v1/analytics/most-asked.
func (h *AnalyticsHandler) MostAsked(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 10)
	writeJSON(w, http.StatusOK, h.rec.MostAsked(n))
}

// Unanswered handles GET /v1/analytics/unanswered.
func (h *AnalyticsHandler) Unanswered(w http.ResponseWriter, r *http.Request) {
	n := queryInt(r, "limit", 10)
	writeJSON(w, http.StatusOK, h.rec.Unanswered(n))
}

// SessionHistory handles GET /v1/analytics/sessions/{session}.
func (h *AnalyticsHandler) SessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session")
	writeJSON(w, http.StatusOK, h.rec.History(sessionID))
}
