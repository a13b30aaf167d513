// Package logsink tees zap entries into the app_logs store so the
// retention sweep has something to expire.
package logsink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// Options tunes batching.
type Options struct {
	Level         zapcore.LevelEnabler // default info
	QueueSize     int                  // default 4096
	BatchSize     int                  // default 256
	FlushInterval time.Duration        // default 2s
	WriteTimeout  time.Duration        // default 5s
}

func (o Options) withDefaults() Options {
	if o.Level == nil {
		o.Level = zapcore.InfoLevel
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 256
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	return o
}

// Core is a zapcore.Core that queues entries for a background batch writer.
// Write never blocks; entries are dropped and counted when the queue is full.
type Core struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
	w      *writer
}

var _ zapcore.Core = (*Core)(nil)

type writer struct {
	store repository.LogWriter
	opts  Options
	// log reports write failures; it must not be teed into this core.
	log *zap.Logger

	mu      sync.RWMutex
	started bool
	closed  bool
	queue   chan model.LogEntry
	done    chan struct{}
	dropped atomic.Int64
}

// New constructs a Core. Call Start to begin writing.
func New(store repository.LogWriter, opts Options, log *zap.Logger) *Core {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Core{
		LevelEnabler: opts.Level,
		w: &writer{
			store: store,
			opts:  opts,
			log:   log,
			queue: make(chan model.LogEntry, opts.QueueSize),
			done:  make(chan struct{}),
		},
	}
}

// Tee wraps base so every entry also reaches c.
func (c *Core) Tee(base *zap.Logger) *zap.Logger {
	return base.WithOptions(zap.WrapCore(func(inner zapcore.Core) zapcore.Core {
		return zapcore.NewTee(inner, c)
	}))
}

// With implements zapcore.Core.
func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	return &Core{
		LevelEnabler: c.LevelEnabler,
		fields:       append(append([]zapcore.Field(nil), c.fields...), fields...),
		w:            c.w,
	}
}

// Check implements zapcore.Core.
func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

// Write implements zapcore.Core.
func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	if ent.LoggerName != "" {
		enc.Fields["logger"] = ent.LoggerName
	}
	c.w.enqueue(model.LogEntry{
		Date:    ent.Time.UTC(),
		Level:   ent.Level.String(),
		Message: ent.Message,
		Fields:  enc.Fields,
	})
	return nil
}

// Sync implements zapcore.Core. Queued entries are flushed by Stop.
func (c *Core) Sync() error { return nil }

// Start launches the writer. Subsequent calls are no-ops.
func (c *Core) Start() {
	w := c.w
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.closed {
		return
	}
	w.started = true
	go w.run()
}

// Stop closes intake and waits until queued entries are written or ctx ends.
func (c *Core) Stop(ctx context.Context) error {
	w := c.w
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
		if !w.started {
			w.started = true
			go w.run()
		}
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) enqueue(e model.LogEntry) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	select {
	case w.queue <- e:
	default:
		w.dropped.Add(1)
	}
}

func (w *writer) run() {
	defer close(w.done)
	tick := time.NewTicker(w.opts.FlushInterval)
	defer tick.Stop()

	batch := make([]model.LogEntry, 0, w.opts.BatchSize)
	var reported int64
	flush := func() {
		if n := w.dropped.Load(); n > reported {
			w.log.Warn("log entries dropped", zap.Int64("dropped", n-reported))
			reported = n
		}
		if len(batch) == 0 {
			return
		}
		w.write(batch)
		batch = batch[:0]
	}
	for {
		select {
		case e, ok := <-w.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= w.opts.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		}
	}
}

func (w *writer) write(batch []model.LogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	if err := w.store.AppendLogs(ctx, batch); err != nil {
		w.log.Error("log store append failed", zap.Int("entries", len(batch)), zap.Error(err))
	}
}
