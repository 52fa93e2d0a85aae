package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"MailPacer/internal/events"
	"MailPacer/internal/models"
	"MailPacer/internal/queue"
	"MailPacer/internal/store/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock {
	return &clock{t: time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)}
}

func payload(to string) models.EmailPayload {
	return models.EmailPayload{To: to, Subject: "s", Body: "b"}
}

func setup(t *testing.T, cfg queue.Config) (*queue.Queue, *clock, *events.Bus) {
	t.Helper()
	bus := events.NewBus()
	q := queue.New(memory.New(), bus, cfg, zaptest.NewLogger(t))
	c := newClock()
	q.SetClock(c.now)
	return q, c, bus
}

func TestRetryDelay(t *testing.T) {
	p := models.BackoffPolicy{Base: 2 * time.Second, Max: 10 * time.Second}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := queue.RetryDelay(p, i+1); got != w {
			t.Errorf("attempt %d: got %v, want %v", i+1, got, w)
		}
	}
	if got := queue.RetryDelay(models.BackoffPolicy{}, 3); got != 0 {
		t.Errorf("zero policy should not delay, got %v", got)
	}
}

func TestEnqueueDelayAndDequeue(t *testing.T) {
	q, c, _ := setup(t, queue.Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, &models.Job{Payload: payload("a@example.com")}, 5*time.Second)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	j, _ := q.Get(ctx, id)
	if j.State != models.JobDelayed || j.MaxAttempts != 3 {
		t.Fatalf("unexpected enqueued job: %+v", j)
	}

	l, err := q.DequeueDue(ctx)
	if err != nil || l != nil {
		t.Fatalf("job must not be due yet: lease=%v err=%v", l, err)
	}

	c.advance(5 * time.Second)
	l, err = q.DequeueDue(ctx)
	if err != nil || l == nil || l.Job.ID != id {
		t.Fatalf("expected lease on %s: lease=%v err=%v", id, l, err)
	}
	if again, _ := q.DequeueDue(ctx); again != nil {
		t.Fatal("leased job delivered twice")
	}

	if err := q.Ack(ctx, l); err != nil {
		t.Fatalf("ack: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Completed != 1 || stats.Total() != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestFailRetriesUntilMaxAttempts(t *testing.T) {
	q, c, _ := setup(t, queue.Config{
		DefaultMaxAttempts: 3,
		DefaultBackoff:     models.BackoffPolicy{Base: time.Second, Max: time.Minute},
	})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, &models.Job{Payload: payload("a@example.com")}, 0)
	transient := errors.New("421 try again")

	wantDelays := []time.Duration{time.Second, 2 * time.Second}
	for i, d := range wantDelays {
		l, _ := q.DequeueDue(ctx)
		if l == nil {
			t.Fatalf("attempt %d: no lease", i+1)
		}
		out, err := q.Fail(ctx, l, queue.Failure{Err: transient})
		if err != nil {
			t.Fatalf("fail: %v", err)
		}
		if !out.Rescheduled || out.Attempts != i+1 || !out.RunAt.Equal(c.now().Add(d)) {
			t.Fatalf("attempt %d: unexpected outcome %+v", i+1, out)
		}
		c.advance(d)
	}

	l, _ := q.DequeueDue(ctx)
	out, err := q.Fail(ctx, l, queue.Failure{Err: transient})
	if err != nil {
		t.Fatal(err)
	}
	if out.Rescheduled || out.Attempts != 3 || out.Code != models.CodeRetryExhausted {
		t.Fatalf("third failure must dead-letter: %+v", out)
	}
	j, _ := q.Get(ctx, id)
	if j.State != models.JobFailed || j.Attempts != 3 {
		t.Fatalf("unexpected final job: %+v", j)
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	q, _, _ := setup(t, queue.Config{DefaultMaxAttempts: 5})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, &models.Job{Payload: payload("bad")}, 0)
	l, _ := q.DequeueDue(ctx)
	out, err := q.Fail(ctx, l, queue.Failure{Err: errors.New("550 no such user"), Permanent: true})
	if err != nil {
		t.Fatal(err)
	}
	if out.Rescheduled || out.Attempts != 1 || out.Code != models.CodePermanent {
		t.Fatalf("unexpected outcome %+v", out)
	}
	j, _ := q.Get(ctx, id)
	if j.State != models.JobFailed {
		t.Fatalf("state = %s", j.State)
	}
}

func TestPauseResume(t *testing.T) {
	q, c, bus := setup(t, queue.Config{})
	ctx := context.Background()
	sub, unsubscribe := bus.Subscribe(16)
	defer unsubscribe()

	if _, err := q.Enqueue(ctx, &models.Job{Payload: payload("a")}, time.Second); err != nil {
		t.Fatal(err)
	}
	if err := q.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	c.advance(time.Hour)

	if l, _ := q.DequeueDue(ctx); l != nil {
		t.Fatal("paused queue delivered a job")
	}
	if err := q.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if l, _ := q.DequeueDue(ctx); l == nil {
		t.Fatal("overdue job should be immediately eligible after resume")
	}

	var seen []models.EventType
	for len(sub) > 0 {
		seen = append(seen, (<-sub).Type)
	}
	want := []models.EventType{models.EventDelayed, models.EventPaused, models.EventResumed, models.EventActive}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("events = %v, want %v", seen, want)
		}
	}
}

func TestCancel(t *testing.T) {
	q, _, _ := setup(t, queue.Config{})
	ctx := context.Background()

	waiting, _ := q.Enqueue(ctx, &models.Job{Payload: payload("w")}, time.Minute)
	active, _ := q.Enqueue(ctx, &models.Job{Payload: payload("a")}, 0)
	if l, _ := q.DequeueDue(ctx); l == nil || l.Job.ID != active {
		t.Fatal("expected to lease the undelayed job")
	}

	if ok, err := q.Cancel(ctx, waiting); err != nil || !ok {
		t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
	}
	if ok, err := q.Cancel(ctx, active); err != nil || ok {
		t.Fatalf("cancel active: ok=%v err=%v", ok, err)
	}
	if _, err := q.Cancel(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStalledLeaseIsRedeliveredOnce(t *testing.T) {
	q, c, _ := setup(t, queue.Config{LeaseTimeout: 10 * time.Second, MaxStalls: 1})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, &models.Job{Payload: payload("s")}, 0)
	first, _ := q.DequeueDue(ctx)

	c.advance(11 * time.Second)
	dead, err := q.ReapStalled(ctx)
	if err != nil || len(dead) != 0 {
		t.Fatalf("first stall should redeliver: dead=%v err=%v", dead, err)
	}
	if err := q.Ack(ctx, first); !errors.Is(err, queue.ErrLeaseLost) {
		t.Fatalf("stale ack must lose the lease, got %v", err)
	}

	second, _ := q.DequeueDue(ctx)
	if second == nil || second.Job.ID != id || second.Token == first.Token {
		t.Fatalf("expected redelivery with a new token: %+v", second)
	}

	c.advance(11 * time.Second)
	dead, err = q.ReapStalled(ctx)
	if err != nil || len(dead) != 1 || dead[0].ErrorCode != models.CodeStalled {
		t.Fatalf("second stall should fail the job: dead=%v err=%v", dead, err)
	}
}

type brokenStore struct{ queue.Store }

func (brokenStore) EnqueueJob(context.Context, *models.Job) error {
	return errors.New("dial tcp: connection refused")
}

func TestBackendErrorsAreUnavailable(t *testing.T) {
	q := queue.New(brokenStore{memory.New()}, nil, queue.Config{}, zaptest.NewLogger(t))
	_, err := q.Enqueue(context.Background(), &models.Job{Payload: payload("x")}, 0)
	if !errors.Is(err, queue.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}
