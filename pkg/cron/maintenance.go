package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harun/concierge/internal/observability"
	"github.com/harun/concierge/pkg/ratelimit"
	"github.com/harun/concierge/pkg/session"
	"github.com/rs/zerolog"
)

// Names of the built-in maintenance jobs.
const (
	SweepJobName     = "ratelimit-sweep"
	RetentionJobName = "session-retention"
)

// SweepJob drops expired rate limit windows.
func SweepJob(schedule string, sweeper ratelimit.Sweeper, logger zerolog.Logger) Job {
	return Job{
		Name:     SweepJobName,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			if removed := sweeper.Sweep(); removed > 0 {
				logger.Debug().Int("removed", removed).Msg("Swept rate limit windows")
			}
			return nil
		},
	}
}

// RetentionJob deletes sessions not updated within retention.
func RetentionJob(schedule string, lister session.Lister, retention time.Duration, logger zerolog.Logger) Job {
	return Job{
		Name:     RetentionJobName,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			pruned, err := PruneSessions(ctx, lister, time.Now().Add(-retention))
			if pruned > 0 {
				logger.Info().Int("pruned", pruned).Dur("retention", retention).Msg("Pruned sessions")
			}
			return err
		},
	}
}

// PruneSessions deletes every session last updated before cutoff and
// returns how many were deleted.
func PruneSessions(ctx context.Context, lister session.Lister, cutoff time.Time) (int, error) {
	infos, err := lister.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	pruned := 0
	var errs []error
	for _, info := range infos {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if !info.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := lister.Delete(ctx, info.ID); err != nil {
			errs = append(errs, err)
			continue
		}
		pruned++
	}
	observability.RecordSessionsPruned(pruned)
	return pruned, errors.Join(errs...)
}
