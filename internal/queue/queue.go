package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"MailPacer/internal/events"
	"MailPacer/internal/models"
)

type Config struct {
	// LeaseTimeout is how long a worker may hold a job without ack/fail
	// before it is treated as stalled.
	LeaseTimeout time.Duration

	// MaxStalls is how many times a stalled job is redelivered before it
	// fails with models.CodeStalled.
	MaxStalls int

	DefaultMaxAttempts int
	DefaultBackoff     models.BackoffPolicy
}

func DefaultConfig() Config {
	return Config{
		LeaseTimeout:       2 * time.Minute,
		MaxStalls:          1,
		DefaultMaxAttempts: 3,
		DefaultBackoff:     models.BackoffPolicy{Base: 2 * time.Second, Max: 10 * time.Minute},
	}
}

// Lease is a worker's temporary ownership of one job.
type Lease struct {
	Job   *models.Job
	Token string
}

// Failure describes why a leased job did not complete.
type Failure struct {
	Err       error
	Permanent bool
	// Code overrides the recorded error code on dead-letter.
	Code string
}

// Outcome reports what Fail did with the job.
type Outcome struct {
	Rescheduled bool
	RunAt       time.Time
	Attempts    int
	Code        string
}

// Queue wraps a Store with leasing, retry policy, pause state and events.
type Queue struct {
	store Store
	bus   *events.Bus
	cfg   Config
	log   *zap.Logger
	now   func() time.Time
}

func New(store Store, bus *events.Bus, cfg Config, log *zap.Logger) *Queue {
	def := DefaultConfig()
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	if cfg.MaxStalls < 0 {
		cfg.MaxStalls = 0
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = def.DefaultMaxAttempts
	}
	if cfg.DefaultBackoff.Base <= 0 {
		cfg.DefaultBackoff = def.DefaultBackoff
	}
	return &Queue{
		store: store,
		bus:   bus,
		cfg:   cfg,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func (q *Queue) Now() time.Time { return q.now() }

func (q *Queue) Config() Config { return q.cfg }

// Enqueue stores j to become eligible after delay and returns its id.
func (q *Queue) Enqueue(ctx context.Context, j *models.Job, delay time.Duration) (string, error) {
	now := q.now()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if delay < 0 {
		delay = 0
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = q.cfg.DefaultMaxAttempts
	}
	if j.Backoff.Base <= 0 {
		j.Backoff = q.cfg.DefaultBackoff
	}
	j.RunAt = now.Add(delay)
	j.State = models.JobWaiting
	if delay > 0 {
		j.State = models.JobDelayed
	}
	j.Attempts = 0
	j.Stalls = 0
	j.CreatedAt = now
	j.UpdatedAt = now

	if err := q.store.EnqueueJob(ctx, j); err != nil {
		return "", unavailable("enqueue", err)
	}

	q.publish(models.JobEvent{Type: models.EventType(j.State), JobID: j.ID, At: now})
	return j.ID, nil
}

// DequeueDue leases the next eligible job, or returns nil when none is
// eligible or the queue is paused.
func (q *Queue) DequeueDue(ctx context.Context) (*Lease, error) {
	now := q.now()
	token := uuid.NewString()

	j, err := q.store.LeaseJob(ctx, now, token, now.Add(q.cfg.LeaseTimeout))
	if err != nil {
		return nil, unavailable("lease", err)
	}
	if j == nil {
		return nil, nil
	}

	q.publish(models.JobEvent{Type: models.EventActive, JobID: j.ID, Attempt: j.Attempts + 1, At: now})
	return &Lease{Job: j, Token: token}, nil
}

// Ack marks the leased job completed.
func (q *Queue) Ack(ctx context.Context, l *Lease) error {
	now := q.now()
	if err := q.store.CompleteJob(ctx, l.Job.ID, l.Token, now); err != nil {
		return unavailable("ack", err)
	}
	q.publish(models.JobEvent{Type: models.EventCompleted, JobID: l.Job.ID, Attempt: l.Job.Attempts + 1, At: now})
	return nil
}

// Fail records a failed attempt and either reschedules the job with
// exponential backoff or dead-letters it. Permanent failures and failures
// on the last allowed attempt are never rescheduled.
func (q *Queue) Fail(ctx context.Context, l *Lease, f Failure) (Outcome, error) {
	now := q.now()
	j := l.Job
	attempts := j.Attempts + 1

	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}

	if !f.Permanent && attempts < j.MaxAttempts {
		delay := RetryDelay(j.Backoff, attempts)
		rel := Release{Attempts: attempts, RunAt: now.Add(delay), LastError: msg, At: now}
		if err := q.store.RetryJob(ctx, j.ID, l.Token, rel); err != nil {
			return Outcome{}, unavailable("retry", err)
		}
		q.publish(models.JobEvent{Type: models.EventRetrying, JobID: j.ID, Attempt: attempts, Err: msg, At: now})
		return Outcome{Rescheduled: true, RunAt: rel.RunAt, Attempts: attempts}, nil
	}

	code := f.Code
	switch {
	case code != "":
	case f.Permanent:
		code = models.CodePermanent
	default:
		code = models.CodeRetryExhausted
	}

	rel := Release{Attempts: attempts, LastError: msg, Code: code, At: now}
	if err := q.store.FailJob(ctx, j.ID, l.Token, rel); err != nil {
		return Outcome{}, unavailable("fail", err)
	}
	q.publish(models.JobEvent{Type: models.EventFailed, JobID: j.ID, Attempt: attempts, Err: msg, At: now})
	return Outcome{Attempts: attempts, Code: code}, nil
}

// Cancel removes a waiting or delayed job from scheduling. It returns false
// for active or finished jobs.
func (q *Queue) Cancel(ctx context.Context, id string) (bool, error) {
	now := q.now()
	ok, err := q.store.CancelJob(ctx, id, now)
	if err != nil {
		return false, unavailable("cancel", err)
	}
	if ok {
		q.publish(models.JobEvent{Type: models.EventCancelled, JobID: id, At: now})
	}
	return ok, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*models.Job, error) {
	j, err := q.store.GetJob(ctx, id)
	if err != nil {
		return nil, unavailable("get", err)
	}
	return j, nil
}

func (q *Queue) Pause(ctx context.Context) error {
	if err := q.store.SetPaused(ctx, true); err != nil {
		return unavailable("pause", err)
	}
	q.log.Info("email queue paused")
	q.publish(models.JobEvent{Type: models.EventPaused, At: q.now()})
	return nil
}

func (q *Queue) Resume(ctx context.Context) error {
	if err := q.store.SetPaused(ctx, false); err != nil {
		return unavailable("resume", err)
	}
	q.log.Info("email queue resumed")
	q.publish(models.JobEvent{Type: models.EventResumed, At: q.now()})
	return nil
}

func (q *Queue) Paused(ctx context.Context) (bool, error) {
	p, err := q.store.Paused(ctx)
	if err != nil {
		return false, unavailable("paused", err)
	}
	return p, nil
}

func (q *Queue) Stats(ctx context.Context) (models.QueueCounts, error) {
	c, err := q.store.CountJobs(ctx, q.now())
	if err != nil {
		return models.QueueCounts{}, unavailable("stats", err)
	}
	return c, nil
}

// ReapStalled redelivers expired leases and returns the jobs that ran out
// of redeliveries so their delivery records can be failed.
func (q *Queue) ReapStalled(ctx context.Context) ([]*models.Job, error) {
	now := q.now()
	requeued, dead, err := q.store.ReapJobs(ctx, now, q.cfg.MaxStalls)
	if err != nil {
		return nil, unavailable("reap", err)
	}
	for _, j := range requeued {
		q.log.Warn("job stalled, redelivering", zap.String("job_id", j.ID), zap.Int("stalls", j.Stalls))
		q.publish(models.JobEvent{Type: models.EventStalled, JobID: j.ID, At: now})
	}
	for _, j := range dead {
		q.log.Error("job stalled past redelivery limit", zap.String("job_id", j.ID), zap.Int("stalls", j.Stalls))
		q.publish(models.JobEvent{Type: models.EventFailed, JobID: j.ID, Err: j.LastError, At: now})
	}
	return dead, nil
}

// Purge deletes finished jobs older than the cutoff.
func (q *Queue) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := q.store.PurgeJobs(ctx, before)
	if err != nil {
		return 0, unavailable("purge", err)
	}
	return n, nil
}

func (q *Queue) Ping(ctx context.Context) error {
	return unavailable("ping", q.store.Ping(ctx))
}

func (q *Queue) publish(e models.JobEvent) {
	q.bus.Publish(e)
}
