package stream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/howard-nolan/llmrouter/internal/gateway"
)

// parseSSEEvents splits raw SSE output into individual "data:" payloads,
// keeping the literal "[DONE]" line and skipping comment (": ping") lines.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func sendAll(events ...gateway.StreamEvent) <-chan gateway.StreamEvent {
	ch := make(chan gateway.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range events {
			ch <- ev
		}
	}()
	return ch
}

func TestWriteAll_ChunkThenDone(t *testing.T) {
	ch := sendAll(gateway.Chunk("Hello"), gateway.Chunk(" world"), gateway.Done())

	w := httptest.NewRecorder()
	if err := WriteAll(w, ch); err != nil {
		t.Fatalf("WriteAll returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want no-cache", cc)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first wireEnvelope
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("parsing event 0: %v", err)
	}
	if first.Event != "chunk" {
		t.Errorf("event 0 kind = %q, want chunk", first.Event)
	}

	if events[2] != "[DONE]" {
		t.Errorf("event 2 = %q, want [DONE]", events[2])
	}
}

func TestWriteAll_ChunkContent(t *testing.T) {
	ch := sendAll(gateway.Chunk("Paris is the capital."))

	w := httptest.NewRecorder()
	if err := WriteAll(w, ch); err != nil {
		t.Fatalf("WriteAll returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}

	var payload struct {
		Event string `json:"event"`
		Data  struct {
			Content string `json:"content"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(events[0]), &payload); err != nil {
		t.Fatalf("parsing event: %v", err)
	}
	if payload.Event != "chunk" {
		t.Errorf("event kind = %q, want chunk", payload.Event)
	}
	if payload.Data.Content != "Paris is the capital." {
		t.Errorf("content = %q, want %q", payload.Data.Content, "Paris is the capital.")
	}
}

func TestWriteAll_MidStreamError(t *testing.T) {
	ch := sendAll(gateway.Chunk("partial"), gateway.ErrorEvent("provider_stream_failure", "connection reset", nil))

	w := httptest.NewRecorder()
	if err := WriteAll(w, ch); err != nil {
		t.Fatalf("WriteAll returned error: %v", err)
	}

	body := w.Body.String()
	if strings.Contains(body, "[DONE]") {
		t.Error("errored stream should not contain [DONE]")
	}

	events := parseSSEEvents(body)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	var errPayload struct {
		Event string `json:"event"`
		Data  struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(events[1]), &errPayload); err != nil {
		t.Fatalf("parsing error event: %v", err)
	}
	if errPayload.Event != "error" {
		t.Errorf("event kind = %q, want error", errPayload.Event)
	}
	if errPayload.Data.Error != "provider_stream_failure" {
		t.Errorf("error kind = %q, want provider_stream_failure", errPayload.Data.Error)
	}
}

func TestWriteAll_Heartbeat(t *testing.T) {
	ch := sendAll(gateway.Heartbeat(), gateway.Done())

	w := httptest.NewRecorder()
	if err := WriteAll(w, ch); err != nil {
		t.Fatalf("WriteAll returned error: %v", err)
	}

	body := w.Body.String()
	if !strings.Contains(body, ": ping\n\n") {
		t.Error("missing heartbeat comment line")
	}
	if !strings.Contains(body, "data: [DONE]\n\n") {
		t.Error("missing properly formatted [DONE] sentinel")
	}
}

func TestWriteAll_FrameTermination(t *testing.T) {
	ch := sendAll(gateway.Chunk("hi"), gateway.Done())

	w := httptest.NewRecorder()
	if err := WriteAll(w, ch); err != nil {
		t.Fatalf("WriteAll returned error: %v", err)
	}

	body := w.Body.String()
	parts := strings.Split(body, "\n\n")
	nonEmpty := 0
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			nonEmpty++
		}
	}
	if nonEmpty != 2 {
		t.Errorf("got %d SSE frames, want 2 (chunk + DONE)", nonEmpty)
	}
}
