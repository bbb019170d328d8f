package audit

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"actuaria.org/internal/ids"
	"actuaria.org/internal/obs"
)

const (
	defaultBufferSize = 256
	sinkWriteTimeout  = 5 * time.Second
)

// Sink persists audit events. The relational implementation appends to the
// audit_logs table; tests inject function sinks.
type Sink interface {
	Append(ctx context.Context, ev *Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev *Event) error

// Append implements Sink.
func (f SinkFunc) Append(ctx context.Context, ev *Event) error { return f(ctx, ev) }

// Logger records events without ever returning an error to the caller.
// Record is a buffered channel send: it never blocks the request's critical
// path, and when the buffer is full the event is dropped and counted rather
// than queued unboundedly. Store writes run on one consumer goroutine with
// their own context, so a client disconnect cannot cancel an audit write.
type Logger struct {
	sink Sink
	now  func() time.Time

	ch        chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	dropped   atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
}

// LoggerOption configures Logger.
type LoggerOption func(*Logger)

// WithClock overrides the timestamp source.
func WithClock(fn func() time.Time) LoggerOption {
	return func(l *Logger) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithBuffer overrides the channel capacity.
func WithBuffer(n int) LoggerOption {
	return func(l *Logger) {
		if n > 0 {
			l.ch = make(chan Event, n)
		}
	}
}

// NewLogger starts the consumer goroutine. Call Close on shutdown to drain.
func NewLogger(sink Sink, opts ...LoggerOption) *Logger {
	l := &Logger{
		sink: sink,
		now:  time.Now,
		ch:   make(chan Event, defaultBufferSize),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = SinkFunc(func(context.Context, *Event) error { return nil })
	}
	l.wg.Add(1)
	go l.run()
	return l
}

// Record enqueues an event. It never returns an error and never blocks
// beyond the channel send attempt; audit unavailability must not make the
// product unusable.
func (l *Logger) Record(_ context.Context, ev Event) {
	if l == nil || l.closed.Load() {
		return
	}
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = l.now().UTC()
	}
	select {
	case l.ch <- ev:
	default:
		l.dropped.Add(1)
		obs.ObserveAuditDrop()
		l.fallback(ev)
	}
}

// Dropped reports how many events never reached the sink.
func (l *Logger) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Close drains the buffer and stops the consumer.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.done)
		l.wg.Wait()
	})
}

func (l *Logger) run() {
	defer l.wg.Done()
	for {
		select {
		case ev := <-l.ch:
			l.write(ev)
		case <-l.done:
			for {
				select {
				case ev := <-l.ch:
					l.write(ev)
				default:
					return
				}
			}
		}
	}
}

// write attempts the sink once, retries once, then drops to the local log.
func (l *Logger) write(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), sinkWriteTimeout)
	defer cancel()

	if err := l.sink.Append(ctx, &ev); err == nil {
		return
	}
	if err := l.sink.Append(ctx, &ev); err == nil {
		return
	}
	l.dropped.Add(1)
	obs.ObserveAuditDrop()
	l.fallback(ev)
}

// fallback emits the event as a JSON log line so the record is not lost
// silently even when the store is down.
func (l *Logger) fallback(ev Event) {
	detail, _ := json.Marshal(ev.Detail)
	obs.LogJSON(map[string]any{
		"ts":      ev.OccurredAt.Format(time.RFC3339Nano),
		"type":    "audit_fallback",
		"event":   string(ev.Type),
		"outcome": string(ev.Outcome),
		"user_id": ev.UserID,
		"ip":      ev.IP,
		"detail":  json.RawMessage(detail),
	})
}
