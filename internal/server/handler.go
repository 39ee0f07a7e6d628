package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/howard-nolan/llmrouter/internal/gateway"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
	"github.com/howard-nolan/llmrouter/internal/stream"
	"github.com/howard-nolan/llmrouter/internal/tracker"
)

func contextWithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

func threadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}

// streamRequestBody is the wire shape of POST /api/v1/stream's body (spec
// §6: "{ query, model, provider?, stream:true }").
type streamRequestBody struct {
	Query       string  `json:"query"`
	Model       string  `json:"model"`
	Provider    string  `json:"provider,omitempty"`
	Stream      bool    `json:"stream"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// handleStream implements POST /api/v1/stream: decode, hand off to the
// orchestrator's two-phase Prepare/Stream split so a pre-stream failure
// still gets a plain JSON body and the matching 400/429/503 status, and
// only a Prepare success ever commits to the 200 text/event-stream
// response (spec §6/§7).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/json" {
		writeJSONError(w, http.StatusBadRequest, string(stageerr.KindValidation), "Content-Type must be application/json", nil)
		return
	}

	var body streamRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(stageerr.KindValidation), "invalid request body: "+err.Error(), nil)
		return
	}

	threadID := threadIDFromContext(r.Context())
	req := gateway.Request{
		Query:    body.Query,
		Model:    body.Model,
		Provider: body.Provider,
		UserID:   userIDFrom(r),
		ThreadID: threadID,
		Params: gateway.GenerationParams{
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
		},
	}

	events, stageErr := s.orch.Dispatch(r.Context(), req)
	if stageErr != nil {
		writeJSONError(w, stageErr.Kind.HTTPStatus(), string(stageErr.Kind), stageErr.Message, stageErr.Details)
		return
	}

	w.Header().Set("X-Accel-Buffering", "no")
	if err := stream.WriteAll(w, events); err != nil {
		log.Printf("server: stream write to thread %q ended: %v", threadID, err)
	}
}

// userIDFrom resolves the request's user identifier. Authentication is an
// external collaborator (spec §1); this gateway trusts an already-verified
// header and falls back to "anonymous" so the pool and rate limiter always
// have a non-empty key to count against.
func userIDFrom(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

// handleHealth is the liveness probe: 200 if the process is responding at
// all, with no dependency checks (spec §6).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthReady is the readiness probe: 200 iff the shared store
// answers a Ping within a short deadline (spec §6).
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statsResponse is the JSON body for GET /api/v1/admin/execution-stats.
type statsResponse struct {
	Stage gateway.StageID `json:"stage"`
	Stats tracker.Stats   `json:"stats"`
}

// handleExecutionStats reports per-stage timing statistics. With a
// {stageId} path param it reports one stage; without, every stage that has
// at least one recorded sample (spec §6).
func (s *Server) handleExecutionStats(w http.ResponseWriter, r *http.Request) {
	if stageID := chi.URLParam(r, "stageId"); stageID != "" {
		stage := gateway.StageID(stageID)
		writeJSON(w, http.StatusOK, statsResponse{Stage: stage, Stats: s.tracker.Statistics(stage, 0)})
		return
	}

	stages := s.tracker.Stages()
	out := make([]statsResponse, 0, len(stages))
	for _, stage := range stages {
		out = append(out, statsResponse{Stage: stage, Stats: s.tracker.Statistics(stage, 0)})
	}
	writeJSON(w, http.StatusOK, out)
}

// configRequest is the POST /api/v1/admin/config body; each field is
// optional and mirrors one field of orchestrator.RuntimeSnapshot.
type configRequest struct {
	SampleRate     *float64 `json:"sample_rate,omitempty"`
	CachingEnabled *bool    `json:"caching_enabled,omitempty"`
	QueueEnabled   *bool    `json:"queue_enabled,omitempty"`
}

// handleGetConfig reports the current values of every admin-mutable
// runtime knob (spec §6, §9).
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Snapshot(s.currentSampleRate()))
}

// handlePostConfig updates the runtime-mutable knobs: sample rate, caching
// on/off, queue selection (spec §6, §9's "Open Question" resolved in favor
// of a mutable in-process rate with no persistence across restarts).
func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	var body configRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(stageerr.KindValidation), "invalid request body: "+err.Error(), nil)
		return
	}

	if body.SampleRate != nil {
		s.tracker.SetSampleRate(*body.SampleRate)
		s.sampleRateMu.Lock()
		s.sampleRate = *body.SampleRate
		s.sampleRateMu.Unlock()
	}
	if body.CachingEnabled != nil {
		s.orch.SetCachingEnabled(*body.CachingEnabled)
	}
	if body.QueueEnabled != nil {
		s.orch.SetQueueEnabled(*body.QueueEnabled)
	}

	writeJSON(w, http.StatusOK, s.orch.Snapshot(s.currentSampleRate()))
}

func (s *Server) currentSampleRate() float64 {
	s.sampleRateMu.RLock()
	defer s.sampleRateMu.RUnlock()
	return s.sampleRate
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the JSON shape every non-2xx response carries, matching the
// SSE error event's fields so client-side error handling is uniform
// whether the failure happened pre-stream or mid-stream (spec scenario S2:
// `{"error":"too_many_connections","details":{...}}`).
type errorBody struct {
	Error   string         `json:"error"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func writeJSONError(w http.ResponseWriter, status int, kind, message string, details map[string]any) {
	writeJSON(w, status, errorBody{Error: kind, Message: message, Details: details})
}
