// Package queue implements the failover subsystem from spec §4.5: when an
// instance cannot admit a request locally, it publishes a job to a shared
// stream and waits on a pub/sub result channel for chunks produced by a
// worker running the full lifecycle on any instance in the fleet.
package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmrouter/internal/admission"
	"github.com/howard-nolan/llmrouter/internal/gateway"
	"github.com/howard-nolan/llmrouter/internal/sharedstore"
	"github.com/howard-nolan/llmrouter/internal/stageerr"
)

const (
	jobStream   = "queue:jobs"
	consumerGrp = "queue:workers"
)

// Config tunes the subsystem (spec §6: queue.failover.*).
type Config struct {
	Enabled        bool
	TotalTimeout   time.Duration
	MaxRetries     int
	HeartbeatEvery time.Duration
	MaxDepth       int64
	BatchSize      int
}

func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		TotalTimeout:   30 * time.Second,
		MaxRetries:     5,
		HeartbeatEvery: 15 * time.Second,
		MaxDepth:       10_000,
		BatchSize:      8,
	}
}

// resultChannel derives the pub/sub channel name from the thread identifier
// (spec §4.5 step 1: "derived from the thread identifier").
func resultChannel(threadID string) string { return "queue:result:" + threadID }

// QueueJob is the payload appended to the shared stream (spec §3).
type QueueJob struct {
	Request     gateway.Request `json:"request"`
	ResultChan  string          `json:"result_chan"`
	SubmittedAt time.Time       `json:"submitted_at"`
	Cancelled   bool            `json:"cancelled"`
}

// resultMessage is what a worker publishes to the result channel: either a
// batch of chunks, a done sentinel, or an error.
type resultMessage struct {
	Kind    string `json:"kind"` // "chunks", "done", "error"
	Chunks  []string `json:"chunks,omitempty"`
	ErrKind string `json:"err_kind,omitempty"`
	ErrMsg  string `json:"err_msg,omitempty"`
}

// Submitter is the producer side run by the instance that could not admit
// the request locally (spec §4.5 step 1 and 3).
type Submitter struct {
	store        sharedstore.Store
	cfg          Config
	backpressure admission.BackpressureConfig
	logger       *log.Logger
}

// NewSubmitter builds a Submitter. bp tunes the depth-check-and-backoff
// layer (spec §4.2's middle overload-defense layer) that guards every
// enqueue onto the shared job stream.
func NewSubmitter(store sharedstore.Store, cfg Config, bp admission.BackpressureConfig, logger *log.Logger) *Submitter {
	if logger == nil {
		logger = log.Default()
	}
	return &Submitter{store: store, cfg: cfg, backpressure: bp, logger: logger}
}

// Run subscribes to the job's result channel, enqueues the job only after
// the subscription is confirmed live (spec §4.5's "subscription-before-
// enqueue ordering"), then forwards every published message to out as
// StreamEvents until done, error, or the total timeout elapses.
//
// Cancellation (ctx done) unsubscribes and best-effort marks the job
// cancelled so the worker can stop early (spec §4.5's "Cancellation").
func (s *Submitter) Run(ctx context.Context, req gateway.Request, out chan<- gateway.StreamEvent) *stageerr.Error {
	channel := resultChannel(req.ThreadID)
	sub := s.store.Subscribe(ctx, channel)
	defer sub.Close()

	job := QueueJob{Request: req, ResultChan: channel, SubmittedAt: time.Now()}
	payload, err := json.Marshal(job)
	if err != nil {
		return stageerr.Wrap(stageerr.KindInternal, "marshaling queue job", err)
	}

	if err := s.store.StreamEnsureGroup(ctx, jobStream, consumerGrp); err != nil {
		return stageerr.Wrap(stageerr.KindInternal, "ensuring consumer group", err)
	}

	// spec §4.2's middle overload-defense layer: poll the stream's depth
	// against the configured ceiling and back off with jitter before
	// giving up with queue_full, rather than enqueueing unconditionally.
	if err := admission.Enqueue(ctx, s.store, jobStream, s.backpressure, func(ctx context.Context) error {
		_, err := s.store.StreamAdd(ctx, jobStream, map[string]string{"job": string(payload)}, s.cfg.MaxDepth)
		return err
	}); err != nil {
		return err
	}

	deadline := time.Now().Add(s.cfg.TotalTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return stageerr.New(stageerr.KindQueueTimeout, "queue failover exceeded total timeout")
		}
		waitFor := s.cfg.HeartbeatEvery
		if remaining < waitFor {
			waitFor = remaining
		}

		msg, ok, err := sub.Receive(ctx, waitFor)
		if err != nil {
			if ctx.Err() != nil {
				s.cancelJob(context.Background(), job)
				return stageerr.Wrap(stageerr.KindInternal, "queue submitter cancelled", ctx.Err())
			}
			return stageerr.Wrap(stageerr.KindInternal, "receiving queue result", err)
		}
		if !ok {
			select {
			case out <- gateway.Heartbeat():
			case <-ctx.Done():
				s.cancelJob(context.Background(), job)
				return stageerr.Wrap(stageerr.KindInternal, "queue submitter cancelled", ctx.Err())
			}
			continue
		}

		var result resultMessage
		if err := json.Unmarshal([]byte(msg), &result); err != nil {
			s.logger.Printf("queue: malformed result message on %q: %v", channel, err)
			continue
		}

		switch result.Kind {
		case "chunks":
			for _, c := range result.Chunks {
				select {
				case out <- gateway.Chunk(c):
				case <-ctx.Done():
					s.cancelJob(context.Background(), job)
					return stageerr.Wrap(stageerr.KindInternal, "queue submitter cancelled", ctx.Err())
				}
			}
		case "done":
			return nil
		case "error":
			return stageerr.New(stageerr.Kind(result.ErrKind), result.ErrMsg)
		default:
			s.logger.Printf("queue: unknown result kind %q on %q", result.Kind, channel)
		}
	}
}

func (s *Submitter) cancelJob(ctx context.Context, job QueueJob) {
	job.Cancelled = true
	payload, err := json.Marshal(job)
	if err != nil {
		return
	}
	if err := s.store.Publish(ctx, "queue:cancel:"+job.ResultChan, string(payload)); err != nil {
		s.logger.Printf("queue: best-effort cancel publish failed: %v", err)
	}
}

// Worker is the consumer side: claims jobs from the stream's consumer
// group and executes them via run, publishing produced chunks back to the
// submitting instance (spec §4.5 step 2).
type Worker struct {
	store      sharedstore.Store
	cfg        Config
	logger     *log.Logger
	consumerID string
	run        func(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error)
}

// NewWorker builds a Worker. run is the full request lifecycle (spec §4.1)
// invoked for each claimed job — supplied as a function to avoid an import
// cycle between queue and orchestrator.
func NewWorker(store sharedstore.Store, cfg Config, logger *log.Logger, run func(ctx context.Context, req gateway.Request) (<-chan gateway.StreamEvent, error)) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{store: store, cfg: cfg, logger: logger, consumerID: uuid.NewString(), run: run}
}

// Start runs the claim loop until ctx is cancelled. Intended to run as a
// background goroutine, one per instance (possibly more for throughput).
func (w *Worker) Start(ctx context.Context) {
	if err := w.store.StreamEnsureGroup(ctx, jobStream, consumerGrp); err != nil {
		w.logger.Printf("queue worker: failed to ensure consumer group: %v", err)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := w.store.StreamReadGroup(ctx, jobStream, consumerGrp, w.consumerID, 1, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("queue worker: claim failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		for _, m := range msgs {
			w.handle(ctx, m)
		}
	}
}

func (w *Worker) handle(ctx context.Context, m sharedstore.StreamMessage) {
	defer func() {
		if err := w.store.StreamAck(ctx, jobStream, consumerGrp, m.ID); err != nil {
			w.logger.Printf("queue worker: ack %q failed: %v", m.ID, err)
		}
	}()

	raw, ok := m.Fields["job"]
	if !ok {
		w.logger.Printf("queue worker: claimed entry %q missing job field", m.ID)
		return
	}
	var job QueueJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		w.logger.Printf("queue worker: malformed job %q: %v", m.ID, err)
		return
	}

	// Best-effort cancellation (spec §4.5): watch for a cancel publish on
	// this job's channel and tear down the run's context early if one
	// arrives, instead of running it to completion regardless.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.watchCancel(runCtx, cancel, job.ResultChan)

	events, err := w.run(runCtx, job.Request)
	if err != nil {
		w.publishError(ctx, job.ResultChan, stageerr.KindInternal, err.Error())
		return
	}

	batch := make([]string, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.publishChunks(ctx, job.ResultChan, batch)
		batch = batch[:0]
	}

	for ev := range events {
		switch ev.Kind {
		case gateway.EventChunk:
			batch = append(batch, ev.Content)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case gateway.EventDone:
			flush()
			w.publishDone(ctx, job.ResultChan)
			return
		case gateway.EventError:
			flush()
			w.publishError(ctx, job.ResultChan, stageerr.Kind(ev.ErrorKind), ev.ErrorMessage)
			return
		}
	}
	flush()
	w.publishDone(ctx, job.ResultChan)
}

// watchCancel subscribes to the job's cancel channel and cancels once a
// cancel message arrives, or returns once runCtx is done on its own.
func (w *Worker) watchCancel(runCtx context.Context, cancel context.CancelFunc, resultChan string) {
	sub := w.store.Subscribe(runCtx, "queue:cancel:"+resultChan)
	defer sub.Close()
	for {
		_, ok, err := sub.Receive(runCtx, 0)
		if err != nil || runCtx.Err() != nil {
			return
		}
		if ok {
			cancel()
			return
		}
	}
}

func (w *Worker) publishChunks(ctx context.Context, channel string, chunks []string) {
	b, _ := json.Marshal(resultMessage{Kind: "chunks", Chunks: append([]string(nil), chunks...)})
	if err := w.store.Publish(ctx, channel, string(b)); err != nil {
		w.logger.Printf("queue worker: publish chunks to %q failed: %v", channel, err)
	}
}

func (w *Worker) publishDone(ctx context.Context, channel string) {
	b, _ := json.Marshal(resultMessage{Kind: "done"})
	if err := w.store.Publish(ctx, channel, string(b)); err != nil {
		w.logger.Printf("queue worker: publish done to %q failed: %v", channel, err)
	}
}

func (w *Worker) publishError(ctx context.Context, channel string, kind stageerr.Kind, message string) {
	b, _ := json.Marshal(resultMessage{Kind: "error", ErrKind: string(kind), ErrMsg: message})
	if err := w.store.Publish(ctx, channel, string(b)); err != nil {
		w.logger.Printf("queue worker: publish error to %q failed: %v", channel, err)
	}
}
