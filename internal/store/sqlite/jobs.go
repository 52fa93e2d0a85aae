package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"MailPacer/internal/models"
	"MailPacer/internal/queue"
)

const jobColumns = `id, seq, payload, priority, attempts, max_attempts, backoff_base_ns, backoff_max_ns,
	run_at, state, stalls, lease_token, leased_until, last_error, error_code,
	created_at, updated_at, finished_at`

func (s *Store) EnqueueJob(ctx context.Context, j *models.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("sqlite: encode payload: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO mail_jobs (
			id, payload, priority, attempts, max_attempts, backoff_base_ns, backoff_max_ns,
			run_at, state, stalls, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		j.ID, string(payload), j.Priority, j.Attempts, j.MaxAttempts,
		int64(j.Backoff.Base), int64(j.Backoff.Max),
		ts(j.RunAt), string(j.State), j.Stalls, ts(j.CreatedAt), ts(j.UpdatedAt),
	).Scan(&j.Seq)
	if err != nil {
		if isDuplicateKey(err) {
			return queue.ErrDuplicate
		}
		return fmt.Errorf("sqlite: enqueue job: %w", err)
	}
	return nil
}

func (s *Store) LeaseJob(ctx context.Context, now time.Time, token string, until time.Time) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE mail_jobs
		SET state = 'active', lease_token = ?, leased_until = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM mail_jobs
			WHERE state IN ('waiting', 'delayed')
			  AND run_at <= ?
			  AND NOT EXISTS (SELECT 1 FROM mail_queue_flags WHERE name = 'paused' AND value = 1)
			ORDER BY priority DESC, run_at ASC, seq ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		token, ts(until), ts(now), ts(now),
	)

	j, err := scanJob(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: lease job: %w", err)
	}
	return j, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM mail_jobs WHERE id = ?`, id))
	if err != nil {
		if isNoRows(err) {
			return nil, queue.ErrNotFound
		}
		return nil, fmt.Errorf("sqlite: get job: %w", err)
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id, token string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET state = 'completed', attempts = attempts + 1, lease_token = NULL, leased_until = NULL,
		    updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'active' AND lease_token = ?`,
		ts(at), ts(at), id, token,
	)
	return s.leaseResult(ctx, "complete job", id, res, err)
}

func (s *Store) RetryJob(ctx context.Context, id, token string, rel queue.Release) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET state = 'delayed', attempts = ?, run_at = ?, last_error = ?,
		    lease_token = NULL, leased_until = NULL, updated_at = ?
		WHERE id = ? AND state = 'active' AND lease_token = ?`,
		rel.Attempts, ts(rel.RunAt), rel.LastError, ts(rel.At), id, token,
	)
	return s.leaseResult(ctx, "retry job", id, res, err)
}

func (s *Store) FailJob(ctx context.Context, id, token string, rel queue.Release) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs
		SET state = 'failed', attempts = ?, last_error = ?, error_code = ?,
		    lease_token = NULL, leased_until = NULL, updated_at = ?, finished_at = ?
		WHERE id = ? AND state = 'active' AND lease_token = ?`,
		rel.Attempts, rel.LastError, rel.Code, ts(rel.At), ts(rel.At), id, token,
	)
	return s.leaseResult(ctx, "fail job", id, res, err)
}

// leaseResult maps a lease-guarded update to ErrNotFound or ErrLeaseLost
// when it touched no row.
func (s *Store) leaseResult(ctx context.Context, op, id string, res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	if n > 0 {
		return nil
	}
	exists, err := s.jobExists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return queue.ErrNotFound
	}
	return queue.ErrLeaseLost
}

func (s *Store) jobExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM mail_jobs WHERE id = ?)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("sqlite: check job: %w", err)
	}
	return exists, nil
}

func (s *Store) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mail_jobs SET state = 'cancelled', updated_at = ?, finished_at = ?
		WHERE id = ? AND state IN ('waiting', 'delayed')`,
		ts(at), ts(at), id,
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: cancel job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	exists, err := s.jobExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, queue.ErrNotFound
	}
	return false, nil
}

func (s *Store) ReapJobs(ctx context.Context, now time.Time, maxStalls int) ([]*models.Job, []*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: reap jobs: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx, `
		UPDATE mail_jobs
		SET state = 'waiting', stalls = stalls + 1, run_at = ?,
		    lease_token = NULL, leased_until = NULL, updated_at = ?
		WHERE state = 'active' AND leased_until < ? AND stalls < ?
		RETURNING `+jobColumns,
		ts(now), ts(now), ts(now), maxStalls,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: requeue stalled: %w", err)
	}
	requeued, err := collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: requeue stalled: %w", err)
	}

	rows, err = tx.QueryContext(ctx, `
		UPDATE mail_jobs
		SET state = 'failed', error_code = ?, last_error = ?,
		    lease_token = NULL, leased_until = NULL, updated_at = ?, finished_at = ?
		WHERE state = 'active' AND leased_until < ?
		RETURNING `+jobColumns,
		models.CodeStalled, queue.StalledReason, ts(now), ts(now), ts(now),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: fail stalled: %w", err)
	}
	dead, err := collectJobs(rows)
	if err != nil {
		return nil, nil, fmt.Errorf("sqlite: fail stalled: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("sqlite: reap jobs: %w", err)
	}
	return requeued, dead, nil
}

func (s *Store) CountJobs(ctx context.Context, now time.Time) (models.QueueCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT CASE WHEN state = 'delayed' AND run_at <= ? THEN 'waiting' ELSE state END AS st, COUNT(*)
		FROM mail_jobs
		GROUP BY st`,
		ts(now),
	)
	if err != nil {
		return models.QueueCounts{}, fmt.Errorf("sqlite: count jobs: %w", err)
	}
	defer rows.Close()

	var c models.QueueCounts
	for rows.Next() {
		var (
			state string
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return models.QueueCounts{}, fmt.Errorf("sqlite: count jobs: %w", err)
		}
		c.Add(models.JobState(state), n)
	}
	return c, rows.Err()
}

func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mail_queue_flags (name, value) VALUES ('paused', ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`,
		paused,
	)
	if err != nil {
		return fmt.Errorf("sqlite: set paused: %w", err)
	}
	return nil
}

func (s *Store) Paused(ctx context.Context) (bool, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `SELECT value FROM mail_queue_flags WHERE name = 'paused'`).Scan(&v)
	if err != nil && !isNoRows(err) {
		return false, fmt.Errorf("sqlite: paused: %w", err)
	}
	return v == 1, nil
}

func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM mail_jobs
		WHERE state IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		ts(before),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite: purge jobs: %w", err)
	}
	return res.RowsAffected()
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		j           models.Job
		payload     string
		baseNS      int64
		maxNS       int64
		runAt       int64
		state       string
		leaseToken  sql.NullString
		leasedUntil sql.NullInt64
		createdAt   int64
		updatedAt   int64
		finishedAt  sql.NullInt64
	)
	err := row.Scan(
		&j.ID, &j.Seq, &payload, &j.Priority, &j.Attempts, &j.MaxAttempts, &baseNS, &maxNS,
		&runAt, &state, &j.Stalls, &leaseToken, &leasedUntil, &j.LastError, &j.ErrorCode,
		&createdAt, &updatedAt, &finishedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", j.ID, err)
	}
	j.Backoff = models.BackoffPolicy{Base: time.Duration(baseNS), Max: time.Duration(maxNS)}
	j.RunAt = fromTS(runAt)
	j.State = models.JobState(state)
	j.LeaseToken = leaseToken.String
	j.LeasedUntil = fromNullTS(leasedUntil)
	j.CreatedAt = fromTS(createdAt)
	j.UpdatedAt = fromTS(updatedAt)
	j.FinishedAt = fromNullTS(finishedAt)
	return &j, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
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
