// Package scheduler implements background maintenance tasks for crss,
// currently the pruning of the connection event history.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Pruner removes history older than a cutoff.
type Pruner interface {
	Prune(cutoff time.Time) (int64, error)
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	pruner    Pruner
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewScheduler creates a task scheduler that prunes entries older than
// retentionDays every interval.
func NewScheduler(pruner Pruner, interval time.Duration, retentionDays int) *Scheduler {
	return &Scheduler{
		pruner:    pruner,
		interval:  interval,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		now:       time.Now,
	}
}

// Start runs the prune loop until ctx is cancelled. One prune runs
// immediately.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("scheduler started")

	s.runPrune()

	if s.interval > 0 {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("scheduler stopped")
				return
			case <-ticker.C:
				s.runPrune()
			}
		}
	}

	<-ctx.Done()
	log.Info().Msg("scheduler stopped")
}

// runPrune performs one pruning pass.
func (s *Scheduler) runPrune() {
	cutoff := s.now().Add(-s.retention)

	removed, err := s.pruner.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return
	}

	log.Debug().
		Int64("removed", removed).
		Time("cutoff", cutoff).
		Msg("history prune completed")
}
