// Package stream handles SSE writing to the client socket — the last of the
// lifecycle's "suspension points" (spec §5d).
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/howard-nolan/llmrouter/internal/gateway"
)

// wireChunk/wireError are the compact JSON payloads spec §6 defines for the
// "chunk" and "error" SSE events. done has no payload (it is the literal
// "data: [DONE]\n\n" line) and heartbeat is a raw SSE comment, so neither
// needs a struct.
type wireChunk struct {
	Content string `json:"content"`
}

type wireError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type wireEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Writer serializes gateway.StreamEvents to an http.ResponseWriter as SSE,
// flushing after every frame so tokens reach the client as they arrive
// (spec §5's real-time delivery requirement).
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

// NewWriter wraps w for SSE output. It returns an error immediately if w
// does not support flushing, before any header is sent.
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}
	return &Writer{w: w, flusher: flusher}, nil
}

// Start sends the SSE headers. Must be called exactly once, before any
// frame, and before any other header is written.
func (sw *Writer) Start() {
	if sw.started {
		return
	}
	sw.started = true
	sw.w.Header().Set("Content-Type", "text/event-stream")
	sw.w.Header().Set("Cache-Control", "no-cache")
	sw.w.Header().Set("Connection", "keep-alive")
	sw.w.WriteHeader(http.StatusOK)
	sw.flusher.Flush()
}

// Send writes one StreamEvent in the exact wire format spec §6 mandates.
func (sw *Writer) Send(ev gateway.StreamEvent) error {
	if !sw.started {
		sw.Start()
	}

	switch ev.Kind {
	case gateway.EventChunk:
		return sw.writeJSON(wireEnvelope{Event: "chunk", Data: wireChunk{Content: ev.Content}})
	case gateway.EventDone:
		_, err := fmt.Fprint(sw.w, "data: [DONE]\n\n")
		sw.flusher.Flush()
		return err
	case gateway.EventError:
		return sw.writeJSON(wireEnvelope{Event: "error", Data: wireError{Error: ev.ErrorKind, Message: ev.ErrorMessage}})
	case gateway.EventHeartbeat:
		_, err := fmt.Fprint(sw.w, ": ping\n\n")
		sw.flusher.Flush()
		return err
	default:
		return fmt.Errorf("stream: unknown event kind %q", ev.Kind)
	}
}

func (sw *Writer) writeJSON(envelope wireEnvelope) error {
	b, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshaling SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", b); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	sw.flusher.Flush()
	return nil
}

// WriteAll drains events, writing each as an SSE frame, stopping at the
// first write error (the client has gone away — spec §7's "client
// disconnect" exit path, handled by the caller via context cancellation).
func WriteAll(w http.ResponseWriter, events <-chan gateway.StreamEvent) error {
	sw, err := NewWriter(w)
	if err != nil {
		return err
	}
	sw.Start()
	for ev := range events {
		if err := sw.Send(ev); err != nil {
			return err
		}
	}
	return nil
}
