// Package gateway holds the types shared across every stage of the request
// pipeline: the inbound Request, the StreamEvent variants written to the
// client, and the small value types that stages pass to each other.
//
// Keeping these in their own package (instead of, say, internal/orchestrator)
// avoids import cycles — cache, pool, provider, and tracker all need to refer
// to a Request or a StreamEvent without depending on the orchestrator that
// drives them.
package gateway

import "time"

// Request is one client call to POST /api/v1/stream. ThreadID is generated
// by the caller (server.go) if the client didn't supply X-Thread-ID, and is
// the correlation key for sampling, tracking, pool accounting, and queue
// failover for the entire lifetime of the request.
type Request struct {
	Query        string
	Model        string
	Provider     string // optional hint; normalized to lowercase by the validator
	UserID       string
	ThreadID     string
	Params       GenerationParams
}

// GenerationParams holds the generation knobs that affect the cache
// fingerprint. Kept separate from Request so the fingerprint function has a
// single small struct to hash instead of reaching into unrelated fields.
type GenerationParams struct {
	Temperature float64
	MaxTokens   int
}

// EventKind tags a StreamEvent's variant.
type EventKind string

const (
	EventChunk     EventKind = "chunk"
	EventDone      EventKind = "done"
	EventError     EventKind = "error"
	EventHeartbeat EventKind = "heartbeat"
)

// StreamEvent is one unit emitted by the orchestrator's lazy event sequence.
// Only the fields relevant to Kind are populated; the SSE codec (internal/
// stream) is the only other package that needs to understand this shape.
type StreamEvent struct {
	Kind    EventKind
	Content string // EventChunk

	ErrorKind    string // EventError
	ErrorMessage string
	ErrorDetails map[string]any
}

// Chunk builds a chunk event.
func Chunk(content string) StreamEvent { return StreamEvent{Kind: EventChunk, Content: content} }

// Done builds a done event.
func Done() StreamEvent { return StreamEvent{Kind: EventDone} }

// Heartbeat builds a heartbeat comment event.
func Heartbeat() StreamEvent { return StreamEvent{Kind: EventHeartbeat} }

// ErrorEvent builds an error event carrying a stable kind string (used both
// on the wire and for HTTP status mapping) plus an optional details map.
func ErrorEvent(kind, message string, details map[string]any) StreamEvent {
	return StreamEvent{Kind: EventError, ErrorKind: kind, ErrorMessage: message, ErrorDetails: details}
}

// StageID is one of the stable stage identifiers from spec §4.1: "1", "2",
// "2.1", "2.2", "3", "4", "5", "6", "7". Kept as a named string type so
// call sites read as gateway.StageID("4") instead of a bare literal.
type StageID string

const (
	StageValidation    StageID = "1"
	StageCache         StageID = "2"
	StageCacheHit      StageID = "2.1"
	StageCacheMiss     StageID = "2.2"
	StageRateLimit     StageID = "3"
	StageProviderPick  StageID = "4"
	StageStreaming     StageID = "5"
	StageCachePopulate StageID = "6"
	StageCleanup       StageID = "7"
)

// Clock lets components that would otherwise call time.Now directly accept
// an injectable clock in tests. Production code uses RealClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the production Clock implementation.
var RealClock Clock = realClock{}
