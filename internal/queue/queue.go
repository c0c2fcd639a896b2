// Package queue owns every ProcessingJob state transition. Claims are
// conditional updates, so any number of workers in any number of processes
// may poll the same table.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"imghost/internal/apperr"
	"imghost/internal/events"
	"imghost/internal/model"
)

// ErrLeaseLost is returned when a job was reclaimed from the caller.
var ErrLeaseLost = errors.New("job lease lost")

const (
	claimBatch  = 8
	claimRounds = 4
)

type Config struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	LivenessTimeout time.Duration
}

type Queue struct {
	db     *gorm.DB
	events *events.Log
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func New(db *gorm.DB, log *events.Log, cfg Config, logger *slog.Logger) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 10 * time.Minute
	}
	return &Queue{db: db, events: log, cfg: cfg, now: time.Now, logger: logger.With("component", "queue")}
}

// WithClock replaces the time source.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Tx returns a queue bound to an open transaction.
func (q *Queue) Tx(tx *gorm.DB) *Queue {
	c := *q
	c.db = tx
	c.events = q.events.Tx(tx)
	return &c
}

func (q *Queue) clock() time.Time {
	return q.now().UTC()
}

// Enqueue adds a pending job that is immediately claimable.
func (q *Queue) Enqueue(ctx context.Context, imageID uuid.UUID, variant string, spec model.JobSpec) (*model.ProcessingJob, error) {
	if err := spec.Validate(); err != nil {
		return nil, apperr.Validation("job", err.Error())
	}
	job := &model.ProcessingJob{
		ImageID:     imageID,
		VariantName: variant,
		JobType:     spec.Type,
		Spec:        datatypes.NewJSONType(spec),
		Status:      model.JobPending,
		MaxRetries:  q.cfg.MaxRetries,
		AvailableAt: q.clock(),
	}
	if err := q.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("failed to enqueue %s job for image %s: %w", variant, imageID, err)
	}
	return job, nil
}

// Claim moves one available pending job to processing and returns it, or
// nil when nothing is available. Stale processing jobs are reclaimed first.
func (q *Queue) Claim(ctx context.Context, workerID string) (*model.ProcessingJob, error) {
	if _, err := q.ReclaimStale(ctx); err != nil {
		return nil, err
	}
	now := q.clock()

	// Look again when every candidate was taken by another worker.
	for round := 0; round < claimRounds; round++ {
		var candidates []model.ProcessingJob
		err := q.db.WithContext(ctx).
			Where("status = ? AND available_at <= ?", model.JobPending, now).
			Order("available_at asc").Order("created_at asc").
			Limit(claimBatch).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("failed to find pending jobs: %w", err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}

		for i := range candidates {
			job := &candidates[i]
			lease := uuid.NewString()
			res := q.db.WithContext(ctx).Model(&model.ProcessingJob{}).
				Where("id = ? AND status = ?", job.ID, model.JobPending).
				Updates(map[string]interface{}{
					"status":      model.JobProcessing,
					"started_at":  now,
					"lease_token": lease,
					"worker_id":   workerID,
				})
			if res.Error != nil {
				return nil, fmt.Errorf("failed to claim job %s: %w", job.ID, res.Error)
			}
			if res.RowsAffected != 1 {
				continue
			}
			job.Status = model.JobProcessing
			job.StartedAt = &now
			job.LeaseToken = lease
			job.WorkerID = workerID
			q.logger.Debug("job claimed", "job_id", job.ID, "worker_id", workerID, "variant", job.VariantName)
			return job, nil
		}
	}
	return nil, nil
}

// Complete records the outcome of a claimed job. A nil failure completes it.
// A job_permanent failure, or a transient one that exhausts the retries,
// fails the job with a job_failed event; other failures are retried with
// backoff. Unclassified errors count as job_transient. ErrLeaseLost means the
// job was reclaimed.
func (q *Queue) Complete(ctx context.Context, job *model.ProcessingJob, failure error) error {
	if failure != nil {
		return q.fail(ctx, job, classify(failure))
	}
	now := q.clock()
	res := q.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ? AND status = ? AND lease_token = ?", job.ID, model.JobProcessing, job.LeaseToken).
		Updates(map[string]interface{}{
			"status":        model.JobCompleted,
			"completed_at":  now,
			"error_message": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, res.Error)
	}
	if res.RowsAffected != 1 {
		return ErrLeaseLost
	}
	job.Status = model.JobCompleted
	job.CompletedAt = &now
	return nil
}

func classify(err error) *apperr.Error {
	if e, ok := apperr.As(err); ok && (e.Kind == apperr.KindJobTransient || e.Kind == apperr.KindJobPermanent) {
		return e
	}
	return apperr.JobTransient(err)
}

func cause(e *apperr.Error) string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Error()
}

func (q *Queue) fail(ctx context.Context, job *model.ProcessingJob, failure *apperr.Error) error {
	now := q.clock()
	msg := cause(failure)
	retries := job.RetryCount + 1
	terminal := failure.Kind == apperr.KindJobPermanent || retries >= job.MaxRetries

	updates := map[string]interface{}{
		"retry_count":   retries,
		"error_message": msg,
		"lease_token":   "",
		"worker_id":     "",
	}
	if terminal {
		updates["status"] = model.JobFailed
		updates["completed_at"] = now
	} else {
		updates["status"] = model.JobPending
		updates["started_at"] = nil
		updates["available_at"] = now.Add(q.Backoff(retries))
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ProcessingJob{}).
			Where("id = ? AND status = ? AND lease_token = ?", job.ID, model.JobProcessing, job.LeaseToken).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrLeaseLost
		}
		if !terminal {
			return nil
		}
		_, err := q.events.Tx(tx).Append(ctx, model.EventJobFailed, events.JobFailed{
			JobID:      job.ID,
			ImageID:    job.ImageID,
			Variant:    job.VariantName,
			JobType:    string(job.JobType),
			RetryCount: retries,
			Kind:       string(failure.Kind),
			Error:      msg,
		})
		return err
	})
	if errors.Is(err, ErrLeaseLost) {
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}

	job.RetryCount = retries
	job.ErrorMessage = &msg
	if terminal {
		job.Status = model.JobFailed
		job.CompletedAt = &now
		q.logger.Warn("job failed permanently", "job_id", job.ID, "image_id", job.ImageID, "variant", job.VariantName, "retry_count", retries, "kind", failure.Kind, "error", msg)
	} else {
		job.Status = model.JobPending
		q.logger.Info("job will be retried", "job_id", job.ID, "retry_count", retries, "error", msg)
	}
	return nil
}

// Backoff is the delay before the given retry: base * 2^(retry-1), capped.
func (q *Queue) Backoff(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := q.cfg.BaseBackoff
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= q.cfg.MaxBackoff || d <= 0 {
			return q.cfg.MaxBackoff
		}
	}
	if d > q.cfg.MaxBackoff {
		return q.cfg.MaxBackoff
	}
	return d
}

// ReclaimStale treats processing jobs whose lease outlived the liveness
// timeout as failed attempts. It returns how many jobs were reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context) (int, error) {
	cutoff := q.clock().Add(-q.cfg.LivenessTimeout)
	var stale []model.ProcessingJob
	err := q.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", model.JobProcessing, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}
	reclaimed := 0
	for i := range stale {
		job := &stale[i]
		err := q.fail(ctx, job, apperr.JobTransient(fmt.Errorf("liveness timeout exceeded by worker %q", job.WorkerID)))
		if errors.Is(err, ErrLeaseLost) {
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	if reclaimed > 0 {
		q.logger.Warn("reclaimed stale jobs", "count", reclaimed)
	}
	return reclaimed, nil
}

// Get loads one job.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*model.ProcessingJob, error) {
	var job model.ProcessingJob
	err := q.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	return &job, nil
}

// ForImage lists an image's jobs, oldest first.
func (q *Queue) ForImage(ctx context.Context, imageID uuid.UUID) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := q.db.WithContext(ctx).Where("image_id = ?", imageID).Order("created_at asc").Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for image %s: %w", imageID, err)
	}
	return jobs, nil
}
