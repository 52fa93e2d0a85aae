// Package sweeper deletes finished jobs and old delivery records on a
// cron schedule.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// JobPurger deletes terminal jobs last updated before a cutoff.
type JobPurger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// RecordPurger deletes finished delivery records last updated before a
// cutoff.
type RecordPurger interface {
	PurgeRecords(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	// Schedule is a cron expression; seconds are optional and descriptors
	// such as "@every 1h" are accepted.
	Schedule string

	JobRetention time.Duration
	// RecordRetention of zero keeps delivery records forever.
	RecordRetention time.Duration

	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Schedule: "@every 1h", JobRetention: 24 * time.Hour, Timeout: time.Minute}
}

type Result struct {
	Jobs    int64
	Records int64
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type Sweeper struct {
	jobs    JobPurger
	records RecordPurger
	cfg     Config
	sched   cron.Schedule
	log     *zap.Logger
	now     func() time.Time
}

func New(jobs JobPurger, records RecordPurger, cfg Config, log *zap.Logger) (*Sweeper, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	sched, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: schedule %q: %w", cfg.Schedule, err)
	}
	return &Sweeper{
		jobs:    jobs,
		records: records,
		cfg:     cfg,
		sched:   sched,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source. Used by tests.
func (s *Sweeper) SetClock(now func() time.Time) { s.now = now }

// Sweep runs one purge pass.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var (
		res  Result
		errs []error
	)
	now := s.now()

	if s.jobs != nil && s.cfg.JobRetention > 0 {
		n, err := s.jobs.Purge(ctx, now.Add(-s.cfg.JobRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge jobs: %w", err))
		}
		res.Jobs = n
	}
	if s.records != nil && s.cfg.RecordRetention > 0 {
		n, err := s.records.PurgeRecords(ctx, now.Add(-s.cfg.RecordRetention))
		if err != nil {
			errs = append(errs, fmt.Errorf("purge records: %w", err))
		}
		res.Records = n
	}
	return res, errors.Join(errs...)
}

// Run sweeps on the schedule until ctx is done. A pass still running when
// the next one is due is not overlapped.
func (s *Sweeper) Run(ctx context.Context) error {
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(s.sched, cron.FuncJob(func() {
		sctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		res, err := s.Sweep(sctx)
		if err != nil {
			s.log.Error("retention sweep failed", zap.Error(err))
		}
		if res.Jobs > 0 || res.Records > 0 {
			s.log.Info("retention sweep finished",
				zap.Int64("jobs_removed", res.Jobs),
				zap.Int64("records_removed", res.Records),
			)
		}
	}))

	c.Start()
	s.log.Info("retention sweeper started", zap.String("schedule", s.cfg.Schedule))
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
