package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"imghost/internal/events"
	"imghost/internal/queue"
	"imghost/internal/sweeper"
	"imghost/internal/usage"
)

// bucketIdle is the longest rate limit window.
const bucketIdle = 24 * time.Hour

// Evictor drops idle rate limit buckets.
type Evictor interface {
	Evict(idle time.Duration, now time.Time) int
}

type Config struct {
	SweepSchedule      string
	RelaySchedule      string
	UsageRetentionDays int
}

// Deps are the periodic tasks' collaborators. Evictor and Relay may be nil.
type Deps struct {
	Sweeper *sweeper.Sweeper
	Ledger  *usage.Ledger
	Queue   *queue.Queue
	Evictor Evictor
	Relay   *events.Relay
}

type Scheduler struct {
	deps   Deps
	cfg    Config
	c      *cron.Cron
	now    func() time.Time
	logger *slog.Logger
}

func NewScheduler(cfg Config, deps Deps, logger *slog.Logger) *Scheduler {
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = "@every 5m"
	}
	if cfg.RelaySchedule == "" {
		cfg.RelaySchedule = "@every 10s"
	}
	if cfg.UsageRetentionDays <= 0 {
		cfg.UsageRetentionDays = 400
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}
	// A run still in progress turns the next tick of the same job into a no-op.
	return &Scheduler{
		deps:   deps,
		cfg:    cfg,
		c:      cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		now:    time.Now,
		logger: logger,
	}
}

// cronLogger adapts slog to cron's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

type job struct {
	name     string
	schedule string
	run      func(context.Context)
}

// Start registers the periodic jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	jobs := []job{
		{"sweep expired images", s.cfg.SweepSchedule, s.SweepExpired},
		{"reclaim stale jobs", "@every 1m", s.ReclaimJobs},
		{"prune usage", "@daily", s.PruneUsage},
	}
	if s.deps.Evictor != nil {
		jobs = append(jobs, job{"evict idle buckets", "@hourly", s.EvictBuckets})
	}
	if s.deps.Relay != nil {
		jobs = append(jobs, job{"relay events", s.cfg.RelaySchedule, s.FlushEvents})
	}

	for _, j := range jobs {
		run := j.run
		if _, err := s.c.AddFunc(j.schedule, func() { run(context.Background()) }); err != nil {
			return fmt.Errorf("error scheduling %s job: %w", j.name, err)
		}
	}
	s.c.Start()
	s.logger.Info("scheduler started", "jobs", len(jobs))
	return nil
}

// Stop stops the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func (s *Scheduler) SweepExpired(ctx context.Context) {
	if _, err := s.deps.Sweeper.Sweep(ctx, s.now()); err != nil {
		s.logger.Error("error sweeping expired images", "error", err)
	}
}

func (s *Scheduler) ReclaimJobs(ctx context.Context) {
	if _, err := s.deps.Queue.ReclaimStale(ctx); err != nil {
		s.logger.Error("error reclaiming stale jobs", "error", err)
	}
}

// PruneUsage deletes usage rows older than the retention period.
func (s *Scheduler) PruneUsage(ctx context.Context) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.cfg.UsageRetentionDays)
	n, err := s.deps.Ledger.PruneBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("error pruning usage counters", "error", err)
		return
	}
	s.logger.Info("pruned usage counters", "count", n, "before", cutoff.Format("2006-01-02"))
}

func (s *Scheduler) EvictBuckets(context.Context) {
	if n := s.deps.Evictor.Evict(bucketIdle, s.now()); n > 0 {
		s.logger.Debug("evicted idle buckets", "count", n)
	}
}

func (s *Scheduler) FlushEvents(ctx context.Context) {
	if _, err := s.deps.Relay.Flush(ctx); err != nil {
		s.logger.Warn("event relay flush stopped", "error", err)
	}
}
