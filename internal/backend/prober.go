package backend

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultProbeInterval = 30 * time.Second

// Prober exercises each enabled backend with its cheapest call and records
// the result in the Registry's available flags. It runs one synchronous
// sweep at construction so the registry never serves with unknown state,
// then re-probes periodically in the background.
//
// A probe failure never propagates - it only flips available to false and
// the process keeps serving with fewer eligible backends.
type Prober struct {
	reg      *Registry
	log      *slog.Logger
	interval time.Duration

	// onResult, when set, receives every probe outcome (used to export
	// per-backend health gauges without importing the metrics package here).
	onResult func(name string, ok bool)

	done chan struct{}
	wg   sync.WaitGroup
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProbeInterval overrides the periodic re-probe interval.
func WithProbeInterval(d time.Duration) ProberOption {
	return func(p *Prober) { p.interval = d }
}

// WithProbeObserver registers a callback invoked with every probe result.
func WithProbeObserver(fn func(name string, ok bool)) ProberOption {
	return func(p *Prober) { p.onResult = fn }
}

// NewProber creates a Prober, runs the startup sweep synchronously, and
// starts the periodic background loop. Stop with Close.
func NewProber(ctx context.Context, reg *Registry, log *slog.Logger, opts ...ProberOption) *Prober {
	if log == nil {
		log = slog.Default()
	}
	p := &Prober{
		reg:      reg,
		log:      log,
		interval: defaultProbeInterval,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}

	p.ProbeAll(ctx)

	p.wg.Add(1)
	go p.run(ctx)

	return p
}

// ProbeAll probes every enabled backend in parallel and updates the registry.
// Emits one log line per backend summarizing availability.
func (p *Prober) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range p.reg.Enabled() {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()

			probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
			defer cancel()

			err := c.Backend.HealthCheck(probeCtx)
			ok := err == nil
			p.reg.SetAvailable(c.Name, ok)
			if p.onResult != nil {
				p.onResult(c.Name, ok)
			}

			if ok {
				p.log.Info("backend_available",
					slog.String("backend", c.Name),
					slog.Int("priority", c.Priority),
					slog.Bool("fallback_only", c.FallbackOnly),
				)
			} else {
				p.log.Warn("backend_unavailable",
					slog.String("backend", c.Name),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
	wg.Wait()
}

// Close stops the background probe loop and waits for it to exit.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.ProbeAll(ctx)
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}
