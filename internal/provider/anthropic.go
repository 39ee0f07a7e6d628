package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// AnthropicProvider implements Provider against Anthropic's Messages API
// (spec §4.7: one instance per process, created lazily by the registry).
type AnthropicProvider struct {
	apiKey  string
	baseURL string // e.g. "https://api.anthropic.com/v1"
	client  *http.Client
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
// The *http.Client is injected rather than constructed internally so main.go
// can configure shared timeouts/transport and tests can substitute a fake.
func NewAnthropicProvider(apiKey, baseURL string, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

// Name returns the provider identifier.
func (a *AnthropicProvider) Name() string { return "anthropic" }

// ---------------------------------------------------------------------------
// Anthropic wire types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the body for POST {baseURL}/messages. Unlike Gemini,
// "system" is a top-level string and max_tokens is required.
type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicStreamEvent is Anthropic's SSE streaming event envelope. Unlike
// Gemini (same JSON shape on every event), Anthropic sends named events with
// different payload shapes sharing one "type" discriminator:
//
//	message_start       → response id, model, input token count
//	content_block_delta → one text fragment
//	message_delta       → stop_reason, output token count
//	message_stop        → end of stream
type anthropicStreamEvent struct {
	Type    string                 `json:"type"`
	Message *anthropicEventMessage `json:"message,omitempty"`
	Delta   *anthropicEventDelta   `json:"delta,omitempty"`
	Usage   *anthropicUsage        `json:"usage,omitempty"`
}

type anthropicEventMessage struct {
	ID    string         `json:"id"`
	Model string         `json:"model"`
	Usage anthropicUsage `json:"usage"`
}

// anthropicEventDelta carries different fields depending on the enclosing
// event's type: Text on content_block_delta, StopReason on message_delta.
type anthropicEventDelta struct {
	Type       string `json:"type,omitempty"`
	Text       string `json:"text,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// anthropicAPIVersion is the required api-version header; Anthropic
// versions the API this way instead of in the URL path.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens is used when the caller doesn't specify one. Anthropic
// rejects requests with no max_tokens at all.
const defaultMaxTokens = 1024

// toAnthropicRequest translates a ChatRequest into Anthropic's wire shape:
// system-role messages get pulled into the top-level "system" string, the
// rest map directly (Anthropic already uses "user"/"assistant"), and
// max_tokens is defaulted if the caller didn't set one.
func toAnthropicRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{Model: req.Model, Temperature: req.Temperature}

	var systemParts []string
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		ar.Messages = append(ar.Messages, anthropicMessage{Role: msg.Role, Content: msg.Content})
	}
	if len(systemParts) > 0 {
		ar.System = strings.Join(systemParts, "\n")
	}

	if req.MaxTokens > 0 {
		ar.MaxTokens = req.MaxTokens
	} else {
		ar.MaxTokens = defaultMaxTokens
	}
	return ar
}

// Stream sends a streaming request to Anthropic's Messages API and returns
// a channel of StreamChunks. A goroutine reads the SSE body and accumulates
// metadata scattered across message_start/message_delta/message_stop events
// into the final Done chunk.
func (a *AnthropicProvider) Stream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error) {
	anthropicReq := toAnthropicRequest(req)
	anthropicReq.Stream = true

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request for thread %q: %w", req.ThreadID, err)
	}

	url := fmt.Sprintf("%s/messages", a.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

	// Do NOT defer Body.Close() here on the success path — the goroutine
	// below owns the body for the life of the stream and closes it itself.
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request to anthropic: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		defer httpResp.Body.Close()
		var errBody map[string]any
		json.NewDecoder(httpResp.Body).Decode(&errBody)
		return nil, fmt.Errorf("anthropic API error (status %d): %v", httpResp.StatusCode, errBody)
	}

	ch := make(chan StreamChunk)

	go func() {
		defer close(ch)
		defer httpResp.Body.Close()

		var (
			respID       string
			model        string
			inputTokens  int
			outputTokens int
		)

		scanner := bufio.NewScanner(httpResp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			jsonData := strings.TrimPrefix(line, "data: ")

			var event anthropicStreamEvent
			if err := json.Unmarshal([]byte(jsonData), &event); err != nil {
				ch <- StreamChunk{Done: true, Error: fmt.Errorf("decoding anthropic stream event: %w", err)}
				return
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					respID = event.Message.ID
					model = event.Message.Model
					inputTokens = event.Message.Usage.InputTokens
				}

			case "content_block_delta":
				if event.Delta == nil {
					continue
				}
				chunk := StreamChunk{ID: respID, Model: model, Delta: event.Delta.Text}
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}

			case "message_delta":
				if event.Usage != nil {
					outputTokens = event.Usage.OutputTokens
				}

			case "message_stop":
				chunk := StreamChunk{
					ID: respID, Model: model, Done: true,
					Usage: &Usage{
						PromptTokens:     inputTokens,
						CompletionTokens: outputTokens,
						TotalTokens:      inputTokens + outputTokens,
					},
				}
				select {
				case ch <- chunk:
				case <-ctx.Done():
				}
				return

			// content_block_start, content_block_stop, ping carry nothing
			// this adapter needs — skip them.
			default:
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamChunk{Done: true, Error: fmt.Errorf("reading anthropic stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
