package trace

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published over a request's lifetime.
const (
	EventRequestStart    = "request_start"
	EventCacheHit        = "cache_hit"
	EventBackendSuccess  = "backend_success"
	EventBackendFailure  = "backend_failure"
	EventRequestComplete = "request_complete"
	EventRequestError    = "request_error"
)

// Event is one lifecycle record within a trace.
type Event struct {
	Type      string         `json:"type"`
	Service   string         `json:"service"`
	Timestamp time.Time      `json:"timestamp"`
	Trace     Context        `json:"trace"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Sink receives every published event. Implementations must not block.
type Sink interface {
	Write(ev Event)
}

const (
	defaultMaxEvents     = 256
	defaultRetention     = 24 * time.Hour
	defaultSweepInterval = 10 * time.Minute
	subscriberBuffer     = 64
)

type traceRecord struct {
	events   []Event
	dropped  int
	lastSeen time.Time
}

// Publisher fans events out to per-trace subscribers and keeps a bounded
// per-trace history. All operations are best-effort: a full subscriber
// channel drops the event, a full history drops the oldest slot's worth of
// growth, and neither is ever reported to the request being traced.
type Publisher struct {
	service   string
	maxEvents int
	retention time.Duration
	log       *slog.Logger
	sink      Sink

	mu      sync.RWMutex
	records map[string]*traceRecord
	subs    map[string][]chan Event

	dropped atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMaxEvents bounds the per-trace history length.
func WithMaxEvents(n int) PublisherOption {
	return func(p *Publisher) {
		if n > 0 {
			p.maxEvents = n
		}
	}
}

// WithRetention sets how long an idle trace's history is kept.
func WithRetention(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.retention = d
		}
	}
}

// WithSink forwards every event to an external sink as well.
func WithSink(s Sink) PublisherOption {
	return func(p *Publisher) { p.sink = s }
}

// NewPublisher starts a publisher and its background retention sweep.
func NewPublisher(service string, log *slog.Logger, opts ...PublisherOption) *Publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		service:   service,
		maxEvents: defaultMaxEvents,
		retention: defaultRetention,
		log:       log,
		records:   make(map[string]*traceRecord),
		subs:      make(map[string][]chan Event),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.sweepLoop(ctx)
	return p
}

// Publish records an event and notifies subscribers of its trace. Never
// blocks and never fails.
func (p *Publisher) Publish(eventType string, tc Context, metadata map[string]any) {
	if tc.TraceID == "" {
		return
	}
	ev := Event{
		Type:      eventType,
		Service:   p.service,
		Timestamp: time.Now().UTC(),
		Trace:     tc,
		Metadata:  metadata,
	}

	p.mu.Lock()
	rec := p.records[tc.TraceID]
	if rec == nil {
		rec = &traceRecord{}
		p.records[tc.TraceID] = rec
	}
	rec.lastSeen = ev.Timestamp
	if len(rec.events) >= p.maxEvents {
		rec.dropped++
		p.dropped.Add(1)
	} else {
		rec.events = append(rec.events, ev)
	}
	subs := p.subs[tc.TraceID]
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			p.dropped.Add(1)
		}
	}

	if p.sink != nil {
		p.sink.Write(ev)
	}
}

// Subscribe returns a channel that receives future events of a trace. The
// returned cancel function must be called to release the subscription; the
// channel is closed by cancel.
func (p *Publisher) Subscribe(traceID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	p.mu.Lock()
	p.subs[traceID] = append(p.subs[traceID], ch)
	p.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			subs := p.subs[traceID]
			for i, c := range subs {
				if c == ch {
					p.subs[traceID] = append(subs[:i], subs[i+1:]...)
					break
				}
			}
			if len(p.subs[traceID]) == 0 {
				delete(p.subs, traceID)
			}
			p.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// History returns a copy of a trace's recorded events and how many were
// dropped past the bound. ok is false for an unknown trace.
func (p *Publisher) History(traceID string) (events []Event, dropped int, ok bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec := p.records[traceID]
	if rec == nil {
		return nil, 0, false
	}
	out := make([]Event, len(rec.events))
	copy(out, rec.events)
	return out, rec.dropped, true
}

// Dropped reports the total number of events discarded since start.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) sweepLoop(ctx context.Context) {
	defer close(p.done)
	interval := defaultSweepInterval
	if p.retention < interval {
		interval = p.retention
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

func (p *Publisher) sweep(now time.Time) {
	cutoff := now.Add(-p.retention)
	p.mu.Lock()
	removed := 0
	for id, rec := range p.records {
		if rec.lastSeen.Before(cutoff) {
			delete(p.records, id)
			removed++
		}
	}
	p.mu.Unlock()
	if removed > 0 {
		p.log.Debug("trace history swept", "removed", removed)
	}
}

// Close stops the retention sweep.
func (p *Publisher) Close() {
	p.cancel()
	<-p.done
}
