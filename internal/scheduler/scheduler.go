// Package scheduler runs the periodic sweeps of the engine.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Job is a sweep that runs every Interval.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Run runs all jobs with an interval until ctx is done. Each job runs once
// immediately. A failing run is logged and retried at the next tick.
func Run(ctx context.Context, jobs ...Job) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		if job.Interval <= 0 {
			log.Info().Str("job", job.Name).Msg("job disabled")
			continue
		}

		g.Go(func() error {
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()

			for {
				runOnce(ctx, job)

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		})
	}

	return g.Wait()
}

func runOnce(ctx context.Context, job Job) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job", job.Name).Msgf("job panicked: %v", r)
		}
	}()

	err := job.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Str("job", job.Name).Msg("job failed")
		return
	}

	log.Debug().Str("job", job.Name).Dur("duration", time.Since(start)).Msg("job finished")
}
