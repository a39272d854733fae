// Package invalidate delivers cache invalidation hints to every configured sink:
// the realtime hub, Redis (cache eviction plus cross-instance pub/sub) and Kafka.
package invalidate

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"clubhouse/cmd/internal/club"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 2 * time.Second

// Sink receives hints. Implementations must be safe for concurrent use.
type Sink interface {
	Name() string
	Publish(ctx context.Context, h club.Hints) error
}

// Observer counts deliveries per sink.
type Observer interface {
	ObserveInvalidation(sink string, err error)
}

// Fanout is a club.Notifier that forwards each hint to all sinks in parallel.
type Fanout struct {
	mu      sync.RWMutex
	sinks   []Sink
	log     *slog.Logger
	obs     Observer
	timeout time.Duration
}

// Option configures a Fanout.
type Option func(*Fanout)

func WithSink(s Sink) Option {
	return func(f *Fanout) {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(f *Fanout) {
		if log != nil {
			f.log = log
		}
	}
}

func WithObserver(o Observer) Option {
	return func(f *Fanout) { f.obs = o }
}

// WithTimeout bounds each sink delivery (default 2s).
func WithTimeout(d time.Duration) Option {
	return func(f *Fanout) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func NewFanout(opts ...Option) *Fanout {
	f := &Fanout{log: slog.Default(), timeout: defaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Add registers a sink after construction.
func (f *Fanout) Add(s Sink) {
	if f == nil || s == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, s)
	f.mu.Unlock()
}

// Invalidate implements club.Notifier. Every sink is attempted; failures are joined.
func (f *Fanout) Invalidate(ctx context.Context, h club.Hints) error {
	if f == nil || h.Empty() {
		return nil
	}
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	errs := make([]error, len(sinks))
	var g errgroup.Group
	for i, s := range sinks {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, f.timeout)
			defer cancel()
			err := s.Publish(sctx, h)
			if f.obs != nil {
				f.obs.ObserveInvalidation(s.Name(), err)
			}
			if err != nil {
				f.log.Warn("invalidate.sink.fail", "sink", s.Name(), "op", h.Op, "err", err)
			}
			errs[i] = err
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
