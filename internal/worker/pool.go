package worker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lfs_worker_jobs_total",
		Help: "Jobs run on the worker pool",
	}, []string{"job", "result"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lfs_worker_job_duration_seconds",
		Help:    "Duration of worker pool jobs",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 1800},
	}, []string{"job"})
)

// Job is a unit of work. Its error is logged by the pool.
type Job func(ctx context.Context) error

// Pool runs jobs in the background, at most size at a time.
type Pool struct {
	ctx    context.Context
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	logger *zap.Logger
}

// NewPool returns a pool whose jobs run under ctx. Jobs still waiting for a
// slot when ctx ends are dropped; running jobs are not interrupted by the pool.
func NewPool(ctx context.Context, size int, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		ctx:    ctx,
		sem:    semaphore.NewWeighted(int64(size)),
		logger: logger.With(zap.String("component", "worker")),
	}
}

// Submit queues job and returns immediately.
func (p *Pool) Submit(name string, job Job) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			p.logger.Warn("job dropped", zap.String("job", name), zap.Error(err))
			jobsTotal.WithLabelValues(name, "dropped").Inc()
			return
		}
		defer p.sem.Release(1)

		start := time.Now()
		err := job(context.WithoutCancel(p.ctx))
		duration := time.Since(start)
		jobDuration.WithLabelValues(name).Observe(duration.Seconds())

		if err != nil {
			p.logger.Error("job failed",
				zap.String("job", name),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			jobsTotal.WithLabelValues(name, "failed").Inc()
			return
		}
		p.logger.Debug("job completed", zap.String("job", name), zap.Duration("duration", duration))
		jobsTotal.WithLabelValues(name, "ok").Inc()
	}()
}

// Wait blocks until every submitted job has finished or been dropped.
func (p *Pool) Wait() {
	p.wg.Wait()
}
