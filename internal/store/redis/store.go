// Package redis is a queue.Store on Redis, for deployments that already run
// Redis as their job broker. It does not store delivery records; pair it
// with the postgres or sqlite store for those.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"MailPacer/internal/models"
	"MailPacer/internal/queue"
)

var _ queue.Store = (*Store)(nil)

// DefaultScanLimit bounds how many due jobs one lease call compares.
const DefaultScanLimit = 500

type Store struct {
	client    goredis.UniversalClient
	keys      keys
	scanLimit int
	log       *zap.Logger
}

// New wraps an existing client. The caller owns the client unless Close is
// called.
func New(client goredis.UniversalClient, prefix string, log *zap.Logger) *Store {
	if prefix == "" {
		prefix = "mailpacer"
	}
	return &Store{client: client, keys: keys{prefix: prefix}, scanLimit: DefaultScanLimit, log: log}
}

// Open connects to a redis:// URL.
func Open(ctx context.Context, url, prefix string, log *zap.Logger) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	log.Info("redis queue store ready", zap.String("addr", opts.Addr), zap.String("prefix", prefix))
	return New(client, prefix, log), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

// Flush deletes every key under the store's prefix. Used by tests.
func (s *Store) Flush(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.keys.prefix+":*", 200).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

func (s *Store) EnqueueJob(ctx context.Context, j *models.Job) error {
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("redis: encode payload: %w", err)
	}

	args := []any{j.ID, micros(j.RunAt),
		"id", j.ID,
		"payload", string(payload),
		"priority", j.Priority,
		"attempts", j.Attempts,
		"max_attempts", j.MaxAttempts,
		"backoff_base", int64(j.Backoff.Base),
		"backoff_max", int64(j.Backoff.Max),
		"run_at", micros(j.RunAt),
		"state", string(j.State),
		"stalls", j.Stalls,
		"token", "",
		"leased_until", "",
		"last_error", j.LastError,
		"error_code", j.ErrorCode,
		"created_at", micros(j.CreatedAt),
		"updated_at", micros(j.UpdatedAt),
		"finished_at", "",
	}
	seq, err := enqueueScript.Run(ctx, s.client,
		[]string{s.keys.job(j.ID), s.keys.pending(), s.keys.seq()}, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis: enqueue job: %w", err)
	}
	if seq < 0 {
		return queue.ErrDuplicate
	}
	j.Seq = seq
	return nil
}

func (s *Store) LeaseJob(ctx context.Context, now time.Time, token string, until time.Time) (*models.Job, error) {
	id, err := leaseScript.Run(ctx, s.client,
		[]string{s.keys.pending(), s.keys.active(), s.keys.paused()},
		micros(now), token, micros(until), s.scanLimit, s.keys.jobPrefix(),
	).Text()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: lease job: %w", err)
	}
	return s.GetJob(ctx, id)
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.job(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, queue.ErrNotFound
	}
	j, err := jobFromHash(fields)
	if err != nil {
		return nil, fmt.Errorf("redis: get job %s: %w", id, err)
	}
	return j, nil
}

func (s *Store) CompleteJob(ctx context.Context, id, token string, at time.Time) error {
	return s.release(ctx, "complete job", id, token, s.keys.completed(), micros(at), true,
		"state", string(models.JobCompleted),
		"token", "", "leased_until", "",
		"updated_at", micros(at), "finished_at", micros(at),
	)
}

func (s *Store) RetryJob(ctx context.Context, id, token string, rel queue.Release) error {
	return s.release(ctx, "retry job", id, token, s.keys.pending(), micros(rel.RunAt), false,
		"state", string(models.JobDelayed),
		"attempts", rel.Attempts,
		"run_at", micros(rel.RunAt),
		"last_error", rel.LastError,
		"token", "", "leased_until", "",
		"updated_at", micros(rel.At),
	)
}

func (s *Store) FailJob(ctx context.Context, id, token string, rel queue.Release) error {
	return s.release(ctx, "fail job", id, token, s.keys.failed(), micros(rel.At), false,
		"state", string(models.JobFailed),
		"attempts", rel.Attempts,
		"last_error", rel.LastError,
		"error_code", rel.Code,
		"token", "", "leased_until", "",
		"updated_at", micros(rel.At), "finished_at", micros(rel.At),
	)
}

func (s *Store) release(ctx context.Context, op, id, token, target string, score int64, incr bool, fields ...any) error {
	flag := "0"
	if incr {
		flag = "1"
	}
	args := append([]any{token, id, score, flag}, fields...)
	res, err := releaseScript.Run(ctx, s.client,
		[]string{s.keys.job(id), s.keys.active(), target}, args...).Int64()
	if err != nil {
		return fmt.Errorf("redis: %s: %w", op, err)
	}
	switch res {
	case -1:
		return queue.ErrNotFound
	case -2:
		return queue.ErrLeaseLost
	}
	return nil
}

func (s *Store) CancelJob(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := cancelScript.Run(ctx, s.client,
		[]string{s.keys.job(id), s.keys.pending(), s.keys.cancelled()}, id, micros(at)).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: cancel job: %w", err)
	}
	if res < 0 {
		return false, queue.ErrNotFound
	}
	return res == 1, nil
}

func (s *Store) ReapJobs(ctx context.Context, now time.Time, maxStalls int) ([]*models.Job, []*models.Job, error) {
	raw, err := reapScript.Run(ctx, s.client,
		[]string{s.keys.active(), s.keys.pending(), s.keys.failed()},
		micros(now), maxStalls, s.keys.jobPrefix(), models.CodeStalled, queue.StalledReason,
	).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("redis: reap jobs: %w", err)
	}
	if len(raw) != 2 {
		return nil, nil, fmt.Errorf("redis: reap jobs: unexpected reply %v", raw)
	}

	load := func(v any) ([]*models.Job, error) {
		ids, _ := v.([]any)
		out := make([]*models.Job, 0, len(ids))
		for _, id := range ids {
			j, err := s.GetJob(ctx, fmt.Sprint(id))
			if err != nil {
				return nil, err
			}
			out = append(out, j)
		}
		return out, nil
	}
	requeued, err := load(raw[0])
	if err != nil {
		return nil, nil, err
	}
	dead, err := load(raw[1])
	if err != nil {
		return nil, nil, err
	}
	return requeued, dead, nil
}

func (s *Store) CountJobs(ctx context.Context, now time.Time) (models.QueueCounts, error) {
	pipe := s.client.Pipeline()
	due := pipe.ZCount(ctx, s.keys.pending(), "-inf", strconv.FormatInt(micros(now), 10))
	pending := pipe.ZCard(ctx, s.keys.pending())
	active := pipe.ZCard(ctx, s.keys.active())
	completed := pipe.ZCard(ctx, s.keys.completed())
	failed := pipe.ZCard(ctx, s.keys.failed())
	cancelled := pipe.ZCard(ctx, s.keys.cancelled())
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueCounts{}, fmt.Errorf("redis: count jobs: %w", err)
	}

	return models.QueueCounts{
		Waiting:   due.Val(),
		Delayed:   pending.Val() - due.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Cancelled: cancelled.Val(),
	}, nil
}

func (s *Store) SetPaused(ctx context.Context, paused bool) error {
	var err error
	if paused {
		err = s.client.Set(ctx, s.keys.paused(), "1", 0).Err()
	} else {
		err = s.client.Del(ctx, s.keys.paused()).Err()
	}
	if err != nil {
		return fmt.Errorf("redis: set paused: %w", err)
	}
	return nil
}

func (s *Store) Paused(ctx context.Context) (bool, error) {
	v, err := s.client.Get(ctx, s.keys.paused()).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: paused: %w", err)
	}
	return v == "1", nil
}

func (s *Store) PurgeJobs(ctx context.Context, before time.Time) (int64, error) {
	n, err := purgeScript.Run(ctx, s.client,
		[]string{s.keys.completed(), s.keys.failed(), s.keys.cancelled()},
		micros(before), s.keys.jobPrefix(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("redis: purge jobs: %w", err)
	}
	return n, nil
}

func micros(t time.Time) int64 { return t.UnixMicro() }

func jobFromHash(f map[string]string) (*models.Job, error) {
	j := &models.Job{
		ID:         f["id"],
		State:      models.JobState(f["state"]),
		LeaseToken: f["token"],
		LastError:  f["last_error"],
		ErrorCode:  f["error_code"],
	}
	if err := json.Unmarshal([]byte(f["payload"]), &j.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	var err error
	ints := []struct {
		field string
		dst   *int
	}{
		{"priority", &j.Priority},
		{"attempts", &j.Attempts},
		{"max_attempts", &j.MaxAttempts},
		{"stalls", &j.Stalls},
	}
	for _, n := range ints {
		if *n.dst, err = strconv.Atoi(f[n.field]); err != nil {
			return nil, fmt.Errorf("field %s: %w", n.field, err)
		}
	}
	if j.Seq, err = strconv.ParseInt(f["seq"], 10, 64); err != nil {
		return nil, fmt.Errorf("field seq: %w", err)
	}

	baseNS, _ := strconv.ParseInt(f["backoff_base"], 10, 64)
	maxNS, _ := strconv.ParseInt(f["backoff_max"], 10, 64)
	j.Backoff = models.BackoffPolicy{Base: time.Duration(baseNS), Max: time.Duration(maxNS)}

	if j.RunAt, err = parseMicros(f["run_at"]); err != nil {
		return nil, fmt.Errorf("field run_at: %w", err)
	}
	if j.CreatedAt, err = parseMicros(f["created_at"]); err != nil {
		return nil, fmt.Errorf("field created_at: %w", err)
	}
	if j.UpdatedAt, err = parseMicros(f["updated_at"]); err != nil {
		return nil, fmt.Errorf("field updated_at: %w", err)
	}
	j.LeasedUntil = optionalMicros(f["leased_until"])
	j.FinishedAt = optionalMicros(f["finished_at"])
	return j, nil
}

func parseMicros(v string) (time.Time, error) {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMicro(n).UTC(), nil
}

func optionalMicros(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := parseMicros(v)
	if err != nil {
		return nil
	}
	return &t
}
