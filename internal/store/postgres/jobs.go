package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"MailPacer/internal/models"
	"MailPacer/internal/queue"
)

const jobColumns = `id, seq, payload, priority, attempts, max_attempts, backoff_base_ns, backoff_max_ns,
	run_at, state, stalls, lease_token, leased_until, last_error, error_code,
	created_at, updated_at, finished_at`

func (s *Store) EnqueueJob(ctx context.Context, j *models.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("postgres: encode payload: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO mail_jobs (
			id, payload, priority, attempts, max_attempts, backoff_base_ns, backoff_max_ns,
			run_at, state, stalls, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		j.ID, payload, j.Priority, j.Attempts, j.MaxAttempts,
		j.Backoff.Base.Nanoseconds(), j.Backoff.Max.Nanoseconds(),
		j.RunAt, string(j.State), j.Stalls, j.CreatedAt, j.UpdatedAt,
	).Scan(&j.Seq)
	if err != nil {
		if isDuplicateKey(err) {
			return queue.ErrDuplicate
		}
		return fmt.Errorf("postgres: enqueue job: %w", err)
	}
	return nil
}

func (s *Store) LeaseJob(ctx context.Context, now time.Time, token string, until time.Time) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE mail_jobs
		SET state = 'active', lease_token = $2, leased_until = $3, updated_at = $1
		WHERE id = (
			SELECT id FROM mail_jobs
			WHERE state IN ('waiting', 'delayed')
			  AND run_at <= $1
			  AND NOT EXISTS (SELECT 1 FROM mail_queue_flags WHERE name = 'paused' AND value)
			ORDER BY priority DESC, run_at ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now, token, until,
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: lease job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM mail_jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: get job: %w", err)
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id, token string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_jobs
		SET state = 'completed', attempts = attempts + 1, lease_token = NULL, leased_until = NULL,
		    updated_at = $3, finished_at = $3
		WHERE id = $1 AND state = 'active' AND lease_token = $2`,
		id, token, at,
	)
	if err != nil {
		return fmt.Errorf("postgres: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, id)
	}
	return nil
}

func (s *Store) RetryJob(ctx context.Context, id, token string, rel queue.Release) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_jobs
		SET state = 'delayed', attempts = $3, run_at = $4, last_error = $5,
		    lease_token = NULL, leased_until = NULL, updated_at = $6
		WHERE id = $1 AND state = 'active' AND lease_token = $2`,
		id, token, rel.Attempts, rel.RunAt, rel.LastError, rel.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, id)
	}
	return nil
}

func (s *Store) FailJob(ctx context.Context, id, token string, rel queue.Release) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_jobs
		SET state = 'failed', attempts = $3, last_error = $4, error_code = $5,
		    lease_token = NULL, leased_until = NULL, updated_at = $6, finished_at = $6
		WHERE id = $1 AND state = 'active' AND lease_token = $2`,
		id, token, rel.Attempts, rel.LastError, rel.Code, rel.At,
	)
	if err != nil {
		return fmt.Errorf("postgres: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.leaseMiss(ctx, id)
	}
	return nil
}

// leaseMiss tells a missing job apart from a lost lease.
func (s *Store) leaseMiss(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM mail_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("postgres: check job: %w", err)
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrLeaseLost
}

func (s *Store) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE mail_jobs SET state = 'cancelled', updated_at = $2, finished_at = $2
		WHERE id = $1 AND state IN ('waiting', 'delayed')`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("postgres: cancel job: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if err := s.leaseMiss(ctx, id); !errors.Is(err, queue.ErrLeaseLost) {
		return false, err
	}
	return false, nil
}

func (s *Store) ReapJobs(ctx context.Context, now time.Time, maxStalls int) ([]*models.Job, []*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: reap jobs: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		UPDATE mail_jobs
		SET state = 'waiting', stalls = stalls + 1, run_at = $1,
		    lease_token = NULL, leased_until = NULL, updated_at = $1
		WHERE state = 'active' AND leased_until < $1 AND stalls < $2
		RETURNING `+jobColumns,
		now, maxStalls,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: requeue stalled: %w", err)
	}
	requeued, err := collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: requeue stalled: %w", err)
	}

	rows, err = tx.Query(ctx, `
		UPDATE mail_jobs
		SET state = 'failed', error_code = $2, last_error = $3,
		    lease_token = NULL, leased_until = NULL, updated_at = $1, finished_at = $1
		WHERE state = 'active' AND leased_until < $1
		RETURNING `+jobColumns,
		now, models.CodeStalled, queue.StalledReason,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: fail stalled: %w", err)
	}
	dead, err := collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: fail stalled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("postgres: reap jobs: %w", err)
	}
	return requeued, dead, nil
}

func (s *Store) CountJobs(ctx context.Context, now time.Time) (models.QueueCounts, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT CASE WHEN state = 'delayed' AND run_at <= $1 THEN 'waiting' ELSE state END AS st, COUNT(*)
		FROM mail_jobs
		GROUP BY st`,
		now,
	)
	if err != nil {
		return models.QueueCounts{}, fmt.Errorf("postgres: count jobs: %w", err)
	}
	defer rows.Close()

	var c models.QueueCounts
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return models.QueueCounts{}, fmt.Errorf("postgres: count jobs: %w", err)
		}
		c.Add(models.JobState(state), n)
	}
	return c, rows.Err()
}

func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mail_queue_flags (name, value) VALUES ('paused', $1)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value`,
		paused,
	)
	if err != nil {
		return fmt.Errorf("postgres: set paused: %w", err)
	}
	return nil
}

func (s *Store) Paused(ctx context.Context) (bool, error) {
	var paused bool
	err := s.pool.QueryRow(ctx, `SELECT value FROM mail_queue_flags WHERE name = 'paused'`).Scan(&paused)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("postgres: paused: %w", err)
	}
	return paused, nil
}

func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM mail_jobs
		WHERE state IN ('completed', 'failed', 'cancelled') AND updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("postgres: purge jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j           models.Job
		payload     []byte
		baseNS      int64
		maxNS       int64
		state       string
		leaseToken  *string
		leasedUntil *time.Time
		finishedAt  *time.Time
	)
	err := row.Scan(
		&j.ID, &j.Seq, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &baseNS, &maxNS,
		&j.RunAt, &state, &j.Stalls, &leaseToken, &leasedUntil, &j.LastError, &j.ErrorCode,
		&j.CreatedAt, &j.UpdatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	j.Backoff = models.BackoffPolicy{Base: time.Duration(baseNS), Max: time.Duration(maxNS)}
	j.State = models.JobState(state)
	if leaseToken != nil {
		j.LeaseToken = *leaseToken
	}
	j.LeasedUntil = leasedUntil
	j.FinishedAt = finishedAt
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
