// Package sweeper runs the periodic retention pass over the message store.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/shineum/tmpmail/internal/metrics"
)

const (
	// DefaultInterval is the time between two sweeps.
	DefaultInterval = 60 * time.Second

	// DefaultRetention is the maximum age of a stored message.
	DefaultRetention = 7 * 24 * time.Hour
)

// Pruner deletes records older than a retention window.
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}

// Sweeper prunes a store on a fixed schedule. Failures are logged and the
// next tick tries again; they never stop the sweeper.
type Sweeper struct {
	store     Pruner
	interval  time.Duration
	retention time.Duration
}

// New creates a Sweeper. Non-positive durations fall back to the defaults.
func New(store Pruner, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		store:     store,
		interval:  interval,
		retention: retention,
	}
}

// Run blocks, sweeping once per interval until ctx is done.
//
// time.Ticker drops ticks for slow receivers, so a sweep that overruns one or
// more periods is followed by a single sweep rather than a burst of them.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("retention sweeper started",
		"interval", s.interval,
		"retention", s.retention,
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	deleted, err := s.store.Prune(ctx, s.retention)
	if err != nil {
		metrics.SweepsTotal.WithLabelValues("failure").Inc()
		slog.Error("failed to prune old mail", "error", err)
		return
	}

	metrics.SweepsTotal.WithLabelValues("success").Inc()
	metrics.MessagesPruned.Add(float64(deleted))
	if deleted > 0 {
		slog.Info("pruned old mail", "deleted", deleted, "retention", s.retention)
	} else {
		slog.Debug("no old mail to prune")
	}
}
