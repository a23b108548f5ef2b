// Package dispatch drives one processing pass over due jobs: claim a
// bounded batch, run each job's handler, record the outcome. The
// dispatcher is stateless between passes; all job state lives in the
// store, so overlapping passes are safe as long as the claim is atomic.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/provisiond/internal/domain"
	"github.com/you/provisiond/internal/handlers"
	"github.com/you/provisiond/internal/queue"
)

type Summary struct {
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
}

type Dispatcher struct {
	queue       *queue.Client
	registry    *handlers.Registry
	log         *zap.Logger
	batchSize   int
	concurrency int
}

func New(q *queue.Client, reg *handlers.Registry, log *zap.Logger, batchSize, concurrency int) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 25
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Dispatcher{queue: q, registry: reg, log: log, batchSize: batchSize, concurrency: concurrency}
}

// Run executes one pass. A handler error fails only its own job; an error
// from the claim itself is returned with nothing claimed, leaving every
// job untouched for the next pass.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	start := time.Now()

	jobs, err := d.queue.ClaimJobs(ctx, d.batchSize)
	if err != nil {
		d.log.Error("claim batch failed", zap.Error(err))
		return Summary{Duration: time.Since(start)}, err
	}
	if len(jobs) == 0 {
		return Summary{Duration: time.Since(start)}, nil
	}

	var succeeded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			if d.runOne(gctx, job) {
				succeeded.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait() // per-job errors never propagate; outcomes are isolated

	s := Summary{
		Processed: len(jobs),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	d.log.Info("pass complete",
		zap.Int("processed", s.Processed),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Duration("duration", s.Duration))
	return s, nil
}

// runOne executes a single claimed job and records its outcome. Returns
// true on success. A handler panic is converted to a failure so a bad
// payload cannot take down the whole pass.
func (d *Dispatcher) runOne(ctx context.Context, job *domain.Job) (ok bool) {
	log := d.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", string(job.Type)),
		zap.String("correlation_id", job.CorrelationID))

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
		}()
		return d.registry.Route(ctx, job)
	}()

	if err == nil {
		if cerr := d.queue.CompleteJob(ctx, job.ID); cerr != nil {
			log.Error("complete failed", zap.Error(cerr))
		}
		return true
	}

	log.Warn("job failed", zap.Int("attempt", job.Attempts+1), zap.Error(err))
	if ferr := d.queue.FailJob(ctx, job.ID, err.Error()); ferr != nil {
		log.Error("fail record failed", zap.Error(ferr))
	}
	return false
}
