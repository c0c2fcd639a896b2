// Package worker runs the variant generation pool. Each executor claims a
// job, renders the variant, stores it, merges it into the image record and
// completes the job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"imghost/internal/apperr"
	"imghost/internal/images"
	"imghost/internal/imaging"
	"imghost/internal/metrics"
	"imghost/internal/model"
	"imghost/internal/queue"
	"imghost/internal/storage"
)

type Config struct {
	PoolSize     int
	PollInterval time.Duration
	// Name prefixes worker ids so several processes can share one queue.
	Name string
}

type Pool struct {
	queue     *queue.Queue
	images    *images.Service
	store     storage.Store
	generator imaging.Generator
	metrics   *metrics.Metrics
	cfg       Config
	logger    *slog.Logger
}

// NewPool builds a pool. m may be nil.
func NewPool(q *queue.Queue, imgs *images.Service, store storage.Store, gen imaging.Generator, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "worker"
	}
	return &Pool{
		queue:     q,
		images:    imgs,
		store:     store,
		generator: gen,
		metrics:   m,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
	}
}

// Run starts PoolSize executors and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.PoolSize; i++ {
		id := fmt.Sprintf("%s-%d", p.cfg.Name, i)
		g.Go(func() error {
			p.loop(ctx, id)
			return nil
		})
	}
	p.logger.Info("worker pool started", "size", p.cfg.PoolSize)
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		processed, err := p.ProcessOne(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("worker iteration failed", "worker_id", workerID, "error", err)
		}
		if processed && err == nil {
			timer.Reset(0)
		} else {
			timer.Reset(p.cfg.PollInterval)
		}
	}
}

// ProcessOne claims and runs at most one job. It reports whether a job was
// claimed. Generation failures are recorded on the job, not returned.
func (p *Pool) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	job, err := p.queue.Claim(ctx, workerID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	log := p.logger.With("job_id", job.ID, "image_id", job.ImageID, "variant", job.VariantName, "worker_id", workerID)

	if runErr := p.run(ctx, job); runErr != nil {
		kind := apperr.KindOf(runErr)
		p.metrics.RecordError(string(kind))
		log.Warn("job attempt failed", "kind", kind, "error", runErr)
		if err := p.queue.Complete(ctx, job, runErr); err != nil {
			if errors.Is(err, queue.ErrLeaseLost) {
				log.Warn("job was reclaimed before its failure was recorded")
				return true, nil
			}
			return true, err
		}
		return true, nil
	}

	if err := p.queue.Complete(ctx, job, nil); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("job was reclaimed before completion")
			return true, nil
		}
		return true, err
	}
	log.Debug("job completed")
	return true, nil
}

// run returns job_permanent errors for jobs that cannot succeed on retry (a
// malformed spec, an image record that no longer exists) and job_transient
// errors for everything else.
func (p *Pool) run(ctx context.Context, job *model.ProcessingJob) error {
	spec := job.Spec.Data()
	if err := spec.Validate(); err != nil {
		return apperr.JobPermanent(err)
	}
	img, original, err := p.images.Source(ctx, job.ImageID)
	if err != nil {
		return jobError(err)
	}
	out, err := p.generate(original, spec)
	if err != nil {
		return apperr.JobTransient(err)
	}
	path := storage.VariantPath(img.SHA256, job.VariantName, storage.Ext(out.Mime))
	if err := p.store.Put(ctx, path, out.Data, out.Mime); err != nil {
		return apperr.JobTransient(fmt.Errorf("failed to store variant: %w", err))
	}
	err = p.images.MergeVariant(ctx, img.ID, job.VariantName, model.Variant{
		Path:      path,
		Mime:      out.Mime,
		SizeBytes: int64(len(out.Data)),
		Width:     out.Width,
		Height:    out.Height,
	})
	if err != nil {
		return jobError(err)
	}
	p.metrics.RecordBytes(string(job.JobType), len(out.Data))
	return nil
}

func jobError(err error) error {
	if apperr.Is(err, apperr.KindNotFound) {
		return apperr.JobPermanent(err)
	}
	return apperr.JobTransient(err)
}

func (p *Pool) generate(original []byte, spec model.JobSpec) (out *imaging.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("generator panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return p.generator.Generate(original, spec)
}
