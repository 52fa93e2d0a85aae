// Package queue implements the durable, delay- and priority-capable job
// queue that decouples batch submission from sending.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MailPacer/internal/models"
)

var (
	ErrNotFound    = errors.New("queue: job not found")
	ErrDuplicate   = errors.New("queue: job already exists")
	ErrLeaseLost   = errors.New("queue: lease lost")
	ErrUnavailable = errors.New("queue: backend unavailable")
)

// StalledReason is the last error recorded on jobs failed by ReapJobs.
const StalledReason = "lease expired without ack or fail after redelivery"

// Release carries the outcome of a leased job back to the store.
type Release struct {
	Attempts  int
	RunAt     time.Time
	LastError string
	Code      string
	At        time.Time
}

// Store is the persistence contract every queue backend implements.
//
// LeaseJob must atomically claim the single best eligible job: the queue
// is not paused, the job is waiting or delayed with RunAt <= now, ordered
// by Priority descending, RunAt ascending, then Seq ascending. It returns
// (nil, nil) when nothing is eligible.
//
// CompleteJob, RetryJob and FailJob only apply to an active job holding
// the given lease token and return ErrLeaseLost otherwise.
type Store interface {
	EnqueueJob(ctx context.Context, j *models.Job) error
	LeaseJob(ctx context.Context, now time.Time, token string, until time.Time) (*models.Job, error)
	GetJob(ctx context.Context, id string) (*models.Job, error)
	CompleteJob(ctx context.Context, id, token string, at time.Time) error
	RetryJob(ctx context.Context, id, token string, rel Release) error
	FailJob(ctx context.Context, id, token string, rel Release) error
	CancelJob(ctx context.Context, id string, at time.Time) (bool, error)

	// ReapJobs resets active jobs whose lease expired before now. Jobs with
	// fewer than maxStalls previous stalls go back to waiting with Stalls
	// incremented; the rest fail with models.CodeStalled.
	ReapJobs(ctx context.Context, now time.Time, maxStalls int) (requeued, dead []*models.Job, err error)

	CountJobs(ctx context.Context, now time.Time) (models.QueueCounts, error)
	SetPaused(ctx context.Context, paused bool) error
	Paused(ctx context.Context) (bool, error)

	// PurgeJobs deletes terminal jobs last updated before the cutoff.
	PurgeJobs(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
}

// unavailable marks backend failures as ErrUnavailable while letting the
// contract errors through untouched.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost) || errors.Is(err, ErrDuplicate) {
		return err
	}
	return fmt.Errorf("queue: %s: %w", op, errors.Join(ErrUnavailable, err))
}
