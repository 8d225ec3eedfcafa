package trace

import (
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestPublisher(t *testing.T, opts ...PublisherOption) *Publisher {
	t.Helper()
	p := NewPublisher("gateway-test", slog.New(slog.DiscardHandler), opts...)
	t.Cleanup(p.Close)
	return p
}

func TestPublisher_HistoryRecordsInOrder(t *testing.T) {
	p := newTestPublisher(t)
	tc := New()

	p.Publish(EventRequestStart, tc, nil)
	p.Publish(EventBackendSuccess, tc, map[string]any{"backend": "ollama"})
	p.Publish(EventRequestComplete, tc, nil)

	events, dropped, ok := p.History(tc.TraceID)
	if !ok {
		t.Fatal("trace history not found")
	}
	if dropped != 0 {
		t.Errorf("dropped = %d, want 0", dropped)
	}
	want := []string{EventRequestStart, EventBackendSuccess, EventRequestComplete}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Errorf("events[%d].Type = %s, want %s", i, ev.Type, want[i])
		}
		if ev.Trace.TraceID != tc.TraceID {
			t.Errorf("events[%d] trace = %s, want %s", i, ev.Trace.TraceID, tc.TraceID)
		}
	}
	if events[1].Metadata["backend"] != "ollama" {
		t.Errorf("metadata not carried: %v", events[1].Metadata)
	}
}

func TestPublisher_HistoryIsBounded(t *testing.T) {
	p := newTestPublisher(t, WithMaxEvents(3))
	tc := New()

	for i := 0; i < 5; i++ {
		p.Publish(EventRequestStart, tc, map[string]any{"seq": i})
	}

	events, dropped, ok := p.History(tc.TraceID)
	if !ok {
		t.Fatal("trace history not found")
	}
	if len(events) != 3 {
		t.Errorf("len(events) = %d, want 3", len(events))
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if p.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", p.Dropped())
	}
}

func TestPublisher_UnknownTrace(t *testing.T) {
	p := newTestPublisher(t)
	if _, _, ok := p.History("no-such-trace"); ok {
		t.Error("unknown trace should report ok=false")
	}
}

func TestPublisher_EmptyTraceIDIgnored(t *testing.T) {
	p := newTestPublisher(t)
	p.Publish(EventRequestStart, Context{}, nil)
	if _, _, ok := p.History(""); ok {
		t.Error("event without a trace id must not be recorded")
	}
}

func TestPublisher_SubscribeReceivesAndCancelCloses(t *testing.T) {
	p := newTestPublisher(t)
	tc := New()

	ch, cancel := p.Subscribe(tc.TraceID)

	p.Publish(EventRequestStart, tc, nil)

	select {
	case ev := <-ch:
		if ev.Type != EventRequestStart {
			t.Errorf("event type = %s, want %s", ev.Type, EventRequestStart)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}

	cancel()

	if _, open := <-ch; open {
		t.Error("channel should be closed after cancel")
	}

	// Publishing after cancel must not panic or deliver.
	p.Publish(EventRequestComplete, tc, nil)
	cancel() // second cancel is a no-op
}

func TestPublisher_SlowSubscriberDropsNotBlocks(t *testing.T) {
	p := newTestPublisher(t)
	tc := New()

	_, cancel := p.Subscribe(tc.TraceID)
	defer cancel()

	// Never read: the buffer fills and further deliveries have to be dropped.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			p.Publish(EventRequestStart, tc, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}

	if p.Dropped() == 0 {
		t.Error("expected dropped deliveries for the saturated subscriber")
	}
}

func TestPublisher_SweepRemovesIdleTraces(t *testing.T) {
	p := newTestPublisher(t, WithRetention(time.Minute))

	stale := New()
	fresh := New()
	p.Publish(EventRequestStart, stale, nil)
	p.Publish(EventRequestStart, fresh, nil)

	// Backdate the stale record past the retention window.
	p.mu.Lock()
	p.records[stale.TraceID].lastSeen = time.Now().Add(-2 * time.Minute)
	p.mu.Unlock()

	p.sweep(time.Now())

	if _, _, ok := p.History(stale.TraceID); ok {
		t.Error("idle trace should be swept")
	}
	if _, _, ok := p.History(fresh.TraceID); !ok {
		t.Error("fresh trace should survive the sweep")
	}
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Write(ev Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func TestPublisher_ForwardsToSink(t *testing.T) {
	sink := &recordingSink{}
	p := newTestPublisher(t, WithSink(sink))

	for i := 0; i < 3; i++ {
		p.Publish(EventRequestStart, New(), map[string]any{"seq": fmt.Sprint(i)})
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 3 {
		t.Errorf("sink received %d events, want 3", len(sink.events))
	}
}
