package mediarecoder

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/Skryldev/media-recoder/core"
	apperrors "github.com/Skryldev/media-recoder/errors"
	"github.com/Skryldev/media-recoder/recode"
)

// JobKind selects the recoder for a Job.
type JobKind int

const (
	// JobAuto sends GIF sources to the animated recoder and everything else
	// to the static one.
	JobAuto JobKind = iota
	JobStatic
	JobAnimated
)

// Job is an async recode request.
type Job struct {
	ID       string
	Ctx      context.Context
	Kind     JobKind
	Source   core.Source
	Budget   recode.Budget
	ResultCh chan<- JobResult
}

// JobResult is delivered on Job.ResultCh.
type JobResult struct {
	JobID  string
	Result *recode.Result
	Err    error
}

// Start launches the worker pool.  It is idempotent.
func (r *Recoder) Start() {
	r.start.Do(func() {
		workerCount := r.cfg.WorkerCount
		if workerCount <= 0 {
			workerCount = runtime.NumCPU()
		}
		for i := 0; i < workerCount; i++ {
			r.wg.Add(1)
			go r.worker()
		}
	})
}

// Stop shuts down all workers after their current job.  Queued jobs are
// dropped.
func (r *Recoder) Stop() {
	r.stop.Do(func() { close(r.shutdown) })
	r.wg.Wait()
}

// Submit enqueues an async job.  Returns ErrWorkerPoolFull if the queue is full.
func (r *Recoder) Submit(job Job) error {
	select {
	case <-r.shutdown:
		return apperrors.New(apperrors.CategoryPipeline, "submit", apperrors.ErrContextCanceled)
	default:
	}
	select {
	case r.jobQueue <- job:
		return nil
	default:
		return apperrors.New(apperrors.CategoryPipeline, "submit", apperrors.ErrWorkerPoolFull)
	}
}

func (r *Recoder) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.shutdown:
			return
		case job := <-r.jobQueue:
			r.processJob(job)
		}
	}
}

// processJob races the whole recode against JobTimeout.  The engine only
// looks at ctx between attempts, so a timed-out call keeps running in the
// background and its result is discarded.
func (r *Recoder) processJob(job Job) {
	ctx := job.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout := r.cfg.JobTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan JobResult, 1)
	start := time.Now()
	go func() {
		res, err := r.runJob(ctx, job)
		done <- JobResult{JobID: job.ID, Result: res, Err: err}
	}()

	var out JobResult
	select {
	case out = <-done:
	case <-ctx.Done():
		r.currentLogger().Warn("recode.job.timeout", "job", job.ID, "elapsed_ms", time.Since(start).Milliseconds())
		out = JobResult{
			JobID: job.ID,
			Err:   apperrors.Wrap(apperrors.CategoryPipeline, "job", ctx.Err()),
		}
	}
	if job.ResultCh != nil {
		job.ResultCh <- out
	}
}

func (r *Recoder) runJob(ctx context.Context, job Job) (*recode.Result, error) {
	data, err := r.ReadSource(ctx, job.Source)
	if err != nil {
		atomic.AddInt64(&r.errorCount, 1)
		return nil, err
	}
	b := job.Budget
	var call []Option
	if b.StartQuality > 0 {
		call = append(call, WithStartQuality(b.StartQuality))
	}
	if b.MaxAttempts > 0 {
		call = append(call, WithMaxAttempts(b.MaxAttempts))
	}

	switch job.Kind {
	case JobStatic:
		return r.RecodeStaticDetailed(ctx, data, b.WidthLimit, b.HeightLimit, b.ByteLimit, call...)
	case JobAnimated:
		return r.RecodeAnimatedDetailed(ctx, data, b.WidthLimit, b.HeightLimit, b.ByteLimit, call...)
	default:
		return r.Recode(ctx, data, b.WidthLimit, b.HeightLimit, b.ByteLimit, call...)
	}
}
