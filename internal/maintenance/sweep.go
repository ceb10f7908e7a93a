// Package maintenance runs the daemon's periodic housekeeping: evicting
// stale conversation records and the resolver's tmux re-probe sweep — both
// driven off one cron schedule rather than ad-hoc goroutine tickers. Push
// subscriptions are not pruned here.
package maintenance

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Registry is the subset of *registry.Registry maintenance needs, kept as
// an interface so this package doesn't import registry directly and tests
// can fake it cheaply.
type Registry interface {
	RefreshTmuxState()
	EvictStale()
}

const evictionSpec = "@every 1m"

// Scheduler wraps a cron.Cron configured with the daemon's fixed jobs.
type Scheduler struct {
	cron             *cron.Cron
	logger           *slog.Logger
	resolverInterval time.Duration
}

// New builds a Scheduler bound to a Registry. resolverInterval governs how
// often the tmux session set is re-probed and the resolver cascade runs;
// eviction of stale conversations runs on a fixed one-minute cadence. Call
// Start to begin running jobs and Stop to drain in-flight ones on
// shutdown.
func New(logger *slog.Logger, reg Registry, resolverInterval time.Duration) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if resolverInterval <= 0 {
		resolverInterval = 5 * time.Second
	}
	c := cron.New()

	resolverSpec := fmt.Sprintf("@every %s", resolverInterval)
	if _, err := c.AddFunc(resolverSpec, func() {
		reg.RefreshTmuxState()
	}); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc(evictionSpec, func() {
		reg.EvictStale()
	}); err != nil {
		return nil, err
	}

	return &Scheduler{cron: c, logger: logger, resolverInterval: resolverInterval}, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() {
	s.logger.Info("maintenance scheduler starting", "resolver_sweep", s.resolverInterval, "eviction", evictionSpec)
	s.cron.Start()
}

// Stop cancels future runs and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
