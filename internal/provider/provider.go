// Package provider defines the Provider interface and LLM provider adapters.
//
// Every LLM backend (Google, Anthropic, ...) implements the Provider
// interface described in spec §4.7/§6: "Each provider exposes stream(query,
// model, threadId, options) → lazy sequence of byte chunks (finite,
// non-restartable); name". There is no non-streaming path in this gateway —
// every request the orchestrator issues is a stream, so the interface only
// has the one call.
package provider

import "context"

// Provider is the interface every LLM backend must satisfy. Go interfaces
// are implicit: any struct with these two methods automatically implements
// Provider — no "implements" keyword needed.
type Provider interface {
	// Name returns the provider identifier, e.g. "google" or "anthropic".
	// Used for breaker state keys, tracker labels, and provider selection.
	Name() string

	// Stream sends req upstream and returns a channel delivering response
	// chunks as they arrive. The context carries cancellation: when the
	// client disconnects, ctx is cancelled and the adapter must stop
	// reading from the upstream connection and close the channel.
	Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ---------------------------------------------------------------------------
// Unified request/response types
// ---------------------------------------------------------------------------

// ChatRequest is the internal representation of one streaming request. The
// orchestrator builds this from a gateway.Request (spec §4.1 stage 5);
// provider adapters translate it into their backend-specific wire format.
type ChatRequest struct {
	ThreadID    string    // correlation id, used only for adapter-side error context
	Model       string    // e.g. "gemini-2.0-flash", "claude-sonnet-4-5-20250929"
	Messages    []Message // conversation so far; the gateway currently always sends one user message
	MaxTokens   int       // 0 means "use the provider's default"
	Temperature float64   // 0 means "use the provider's default"
}

// Message is a single message in the conversation, OpenAI-shaped (role +
// content). Google and Anthropic use different wire shapes (Google nests
// "parts", Anthropic separates "system" out), so each adapter translates
// from this common shape.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// Usage holds token counts. Every provider returns this in some form; we
// normalize it here for the execution tracker and any future cost metrics.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// StreamChunk is one piece of a streaming response. The provider adapter
// sends these over a channel, and the orchestrator (spec §4.1 stage 5)
// reads them and turns each into a gateway.StreamEvent.
type StreamChunk struct {
	ID    string // response id, stable across every chunk in one stream
	Model string
	Delta string // the new text fragment in this chunk
	Done  bool   // true on the final chunk

	// Usage is only populated on the final chunk (providers report token
	// counts at the end of a stream). Pointer so it's nil on non-final
	// chunks.
	Usage *Usage

	// Error is set when the upstream connection fails mid-stream. Done is
	// also true in that case, but the orchestrator checks Error first to
	// distinguish a clean finish from a failure (spec §4.1 stage 5: an
	// error after the first chunk ends the stream with an error event
	// instead of caching the partial response; an error before any chunk
	// triggers failover to the next healthy provider).
	Error error
}
