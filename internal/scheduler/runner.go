// Package scheduler ticks the station loops on fixed intervals.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one named loop. Run must tolerate being invoked at any cadence;
// the loops guard their own overlap.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner drives registered jobs with a cron scheduler. Each job gets one
// pass right at start, then one per interval.
type Runner struct {
	log  zerolog.Logger
	jobs []Job
	c    *cron.Cron
}

func New(log zerolog.Logger) *Runner {
	return &Runner{log: log}
}

// Add registers a job. Must be called before Start.
func (r *Runner) Add(name string, interval time.Duration, run func(ctx context.Context) error) {
	r.jobs = append(r.jobs, Job{Name: name, Interval: interval, Run: run})
}

// Start begins ticking. ctx bounds every job run; cancel it before Stop to
// interrupt long passes.
func (r *Runner) Start(ctx context.Context) {
	r.c = cron.New()
	for _, j := range r.jobs {
		r.c.Schedule(cron.Every(j.Interval), cron.FuncJob(func() {
			r.runJob(ctx, j)
		}))
		go r.runJob(ctx, j)
		r.log.Info().Str("job", j.Name).Dur("interval", j.Interval).Msg("job scheduled")
	}
	r.c.Start()
}

// Stop halts the ticker and waits for running jobs to return.
func (r *Runner) Stop() {
	if r.c == nil {
		return
	}
	<-r.c.Stop().Done()
	r.log.Info().Msg("scheduler stopped")
}

func (r *Runner) runJob(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	if err := j.Run(ctx); err != nil {
		r.log.Error().Err(err).Str("job", j.Name).Msg("job failed")
		return
	}
	r.log.Debug().Str("job", j.Name).Dur("took", time.Since(started)).Msg("job finished")
}
