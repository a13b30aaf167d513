// Package events records lifecycle facts to an external sink without
// blocking the caller.
package events

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// Options tunes the emitter queue.
type Options struct {
	QueueSize    int           // buffered events; default 1024
	WriteTimeout time.Duration // per sink write; default 5s
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Emitter drains a bounded queue into a sink from a single worker.
// Sink failures are logged and never reach the emitting caller.
type Emitter struct {
	sink repository.EventSink
	opts Options
	log  *zap.Logger
	now  func() time.Time

	mu      sync.RWMutex
	started bool
	closed  bool
	queue   chan model.Event
	done    chan struct{}
}

// NewEmitter constructs an Emitter. Call Start before Emit.
func NewEmitter(sink repository.EventSink, opts Options, log *zap.Logger) *Emitter {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Emitter{
		sink:  sink,
		opts:  opts,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
		queue: make(chan model.Event, opts.QueueSize),
		done:  make(chan struct{}),
	}
}

// Start launches the worker. Subsequent calls are no-ops.
func (e *Emitter) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started || e.closed {
		return
	}
	e.started = true
	go e.run()
}

// Emit enqueues ev. It never blocks: when the queue is full or the
// emitter is stopped the event is dropped with a warning.
func (e *Emitter) Emit(_ context.Context, ev model.Event) {
	if !ev.Kind.Valid() {
		e.drop(ev, "unknown kind")
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ev, "emitter stopped")
		return
	}
	select {
	case e.queue <- ev:
	default:
		e.drop(ev, "queue full")
	}
}

func (e *Emitter) drop(ev model.Event, reason string) {
	e.log.Warn("event dropped",
		zap.String("reason", reason),
		zap.String("kind", string(ev.Kind)),
		zap.String("account_id", ev.AccountID.String()),
	)
}

func (e *Emitter) run() {
	defer close(e.done)
	for ev := range e.queue {
		e.write(ev)
	}
}

func (e *Emitter) write(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), e.opts.WriteTimeout)
	defer cancel()
	if err := e.sink.Append(ctx, ev); err != nil {
		e.log.Error("event sink append failed",
			zap.String("kind", string(ev.Kind)),
			zap.String("actor_id", ev.ActorID.String()),
			zap.String("account_id", ev.AccountID.String()),
			zap.Error(err),
		)
	}
}

// Stop closes intake and waits until queued events are written or ctx ends.
func (e *Emitter) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return e.wait(ctx)
	}
	e.closed = true
	close(e.queue)
	if !e.started {
		e.started = true
		go e.run()
	}
	e.mu.Unlock()
	return e.wait(ctx)
}

func (e *Emitter) wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
