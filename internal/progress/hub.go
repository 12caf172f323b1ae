package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes the hub's buffering. Zero values take the defaults.
type Config struct {
	// BufferSize is the capacity of the intake channel (default 4096).
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending (default 256).
	MaxBatchEvents int
	// MaxBatchWait flushes a partial batch after this long (default 250ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink call during a flush (default 5s).
	SinkTimeout time.Duration
	// BaseContext is the parent context for sink calls.
	BaseContext context.Context
	// Logger receives drop and sink-failure warnings.
	Logger *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 5 * time.Second

	// Every run emits a handful of events, so one warning per
	// dropLogEvery drops keeps the log readable under sustained
	// backpressure.
	dropLogEvery = 500
)

// Hub collects run progress events and forwards them to sinks in
// batches. Emit never blocks the crawl path: a full buffer drops the
// event. Pages batch up on a short timer; a run reaching a terminal
// stage flushes immediately so completions and failures are never
// sitting in a half-full batch.
type Hub struct {
	cfg    Config
	sinks  []Sink
	in     chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped atomic.Int64
	closing atomic.Bool

	mu       sync.Mutex
	once     sync.Once
	closeCtx context.Context
}

// NewHub starts a Hub delivering to the given sinks. It is ready for
// Emit as soon as it returns.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		sinks:  append([]Sink(nil), sinks...),
		in:     make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	go h.loop()
	return h
}

// Emit queues an event for delivery. Invalid events are discarded; a
// full buffer drops the event rather than blocking the caller.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closing.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.in <- evt:
	default:
		if n := h.dropped.Add(1); n == 1 || n%dropLogEvery == 0 {
			h.logger.Warn("progress buffer full, dropping events",
				zap.Int64("dropped_total", n))
		}
	}
}

// Close drains buffered events, flushes and closes the sinks, and waits
// for the delivery goroutine to exit. Safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.once.Do(func() {
		h.closing.Store(true)
		h.mu.Lock()
		h.closeCtx = ctx
		h.mu.Unlock()
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close progress hub: %w", ctx.Err())
	}
}

// terminalStage reports whether an event ends a run's lifecycle.
func terminalStage(stage Stage) bool {
	return stage == StageRunDone || stage == StageRunError
}

func (h *Hub) loop() {
	defer close(h.done)

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	timer := time.NewTimer(h.cfg.MaxBatchWait)
	if !timer.Stop() {
		<-timer.C
	}
	armed := false

	disarm := func() {
		if !armed {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		armed = false
	}
	flush := func() {
		h.deliver(batch)
		batch = batch[:0]
		disarm()
	}

	for {
		select {
		case evt := <-h.in:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents || terminalStage(evt.Stage) {
				flush()
				continue
			}
			if !armed {
				timer.Reset(h.cfg.MaxBatchWait)
				armed = true
			}
		case <-timer.C:
			armed = false
			h.deliver(batch)
			batch = batch[:0]
		case <-h.quit:
			disarm()
			for {
				select {
				case evt := <-h.in:
					batch = append(batch, evt)
				default:
					h.deliver(batch)
					h.closeSinks()
					return
				}
			}
		}
	}
}

// deliver hands one copied batch to every sink, each under its own
// timeout so a slow sink cannot starve the rest.
func (h *Hub) deliver(batch []Event) {
	if len(batch) == 0 {
		return
	}
	out := make([]Event, len(batch))
	copy(out, batch)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("progress sink rejected batch", zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	h.mu.Lock()
	ctx := h.closeCtx
	h.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
