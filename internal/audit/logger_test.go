package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	fail   bool
}

func (s *memorySink) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.events = append(s.events, *ev)
	return nil
}

func (s *memorySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestRecordReachesSink(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink)

	l.Record(context.Background(), Event{Type: EventLoginSuccess, Outcome: OutcomeSuccess, UserID: "u1"})
	l.Record(context.Background(), Event{Type: EventLogout, Outcome: OutcomeSuccess, UserID: "u1"})
	l.Close()

	if got := sink.count(); got != 2 {
		t.Fatalf("sink got %d events, want 2", got)
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, ev := range sink.events {
		if ev.ID == "" {
			t.Fatal("event id not filled")
		}
		if ev.OccurredAt.IsZero() {
			t.Fatal("event timestamp not filled")
		}
	}
	if l.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", l.Dropped())
	}
}

func TestRecordNeverBlocksWhenBufferIsFull(t *testing.T) {
	// A sink that never returns keeps the consumer busy forever; the buffer
	// fills and every further Record must return immediately as a drop.
	block := make(chan struct{})
	l := NewLogger(SinkFunc(func(ctx context.Context, _ *Event) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}), WithBuffer(1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			l.Record(context.Background(), Event{Type: EventLoginFailure, Outcome: OutcomeFailure})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
	if l.Dropped() == 0 {
		t.Fatal("expected drops with a full buffer")
	}
	close(block)
	l.Close()
}

func TestFailingSinkDoesNotSurfaceErrors(t *testing.T) {
	sink := &memorySink{fail: true}
	l := NewLogger(sink)

	// Record has no error return at all; the only observable effect of a
	// dead sink is the dropped counter.
	l.Record(context.Background(), Event{Type: EventAccessDenied, Outcome: OutcomeFailure})
	l.Close()

	if l.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", l.Dropped())
	}
}

func TestCloseDrainsBuffer(t *testing.T) {
	sink := &memorySink{}
	l := NewLogger(sink, WithBuffer(64))
	for i := 0; i < 50; i++ {
		l.Record(context.Background(), Event{Type: EventAccessGranted, Outcome: OutcomeSuccess})
	}
	l.Close()

	if got := sink.count(); got+int(l.Dropped()) != 50 {
		t.Fatalf("sink %d + dropped %d, want 50 total", got, l.Dropped())
	}
	// Records after Close are ignored, not queued.
	l.Record(context.Background(), Event{Type: EventLogout, Outcome: OutcomeSuccess})
	if got := sink.count(); got > 50 {
		t.Fatalf("event accepted after Close: %d", got)
	}
}

func TestClockOption(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sink := &memorySink{}
	l := NewLogger(sink, WithClock(func() time.Time { return fixed }))
	l.Record(context.Background(), Event{Type: EventLoginSuccess, Outcome: OutcomeSuccess})
	l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 || !sink.events[0].OccurredAt.Equal(fixed) {
		t.Fatalf("events = %+v", sink.events)
	}
}
