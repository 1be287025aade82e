// Package scheduler fires the periodic lifecycle jobs onto the worker pool at
// wall-clock boundaries.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/I54m/LFS/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var firesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lfs_scheduler_fires_total",
	Help: "Scheduled jobs handed to the worker pool",
}, []string{"job"})

// NextFunc returns the first fire time strictly after t.
type NextFunc func(t time.Time) time.Time

// NextMidnight fires every day at 00:00 in t's location.
func NextMidnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, t.Location())
}

// NextMonday fires every Monday at 00:00 in t's location.
func NextMonday(t time.Time) time.Time {
	days := (int(time.Monday) - int(t.Weekday()) + 7) % 7
	if days == 0 {
		days = 7
	}
	return time.Date(t.Year(), t.Month(), t.Day()+days, 0, 0, 0, 0, t.Location())
}

// NextHour fires at minute 0 of every hour.
func NextHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}

type entry struct {
	name string
	next NextFunc
	job  worker.Job
}

// Scheduler submits each registered job to the pool whenever its next fire
// time is reached. A failed run is logged by the pool and simply runs again
// at the following fire time.
type Scheduler struct {
	pool    *worker.Pool
	loc     *time.Location
	now     func() time.Time
	entries []entry
	logger  *zap.Logger
}

func New(pool *worker.Pool, loc *time.Location, logger *zap.Logger) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		pool:   pool,
		loc:    loc,
		now:    time.Now,
		logger: logger.With(zap.String("component", "scheduler")),
	}
}

// Add registers job under name. Call before Run.
func (s *Scheduler) Add(name string, next NextFunc, job worker.Job) {
	s.entries = append(s.entries, entry{name: name, next: next, job: job})
}

// Run blocks until ctx ends, firing every registered job on its schedule.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range s.entries {
		wg.Go(func() { s.loop(ctx, e) })
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.entries)))
	wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e entry) {
	var last time.Time
	for {
		now := s.now().In(s.loc)
		// a timer may wake a hair before its boundary
		from := now
		if from.Before(last) {
			from = last
		}
		at := e.next(from)
		last = at
		s.logger.Debug("next run", zap.String("job", e.name), zap.Time("at", at))

		timer := time.NewTimer(at.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		firesTotal.WithLabelValues(e.name).Inc()
		s.pool.Submit(e.name, e.job)
	}
}
