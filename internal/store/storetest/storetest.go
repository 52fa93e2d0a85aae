// Package storetest holds contract tests shared by every queue and
// delivery store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"MailPacer/internal/delivery"
	"MailPacer/internal/models"
	"MailPacer/internal/queue"
)

// base is truncated to microseconds so backends that store timestamps at
// that precision compare equal.
var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newJob(id string, priority int, runAt time.Time) *models.Job {
	return &models.Job{
		ID: id,
		Payload: models.EmailPayload{
			To:      id + "@example.com",
			Subject: "hello",
			Body:    "<p>hi</p>",
			Data:    map[string]string{"firstName": "Ada"},
			Attachments: []models.Attachment{
				models.InlineAttachment("a.txt", []byte("abc"), "text/plain"),
			},
		},
		Priority:    priority,
		MaxAttempts: 3,
		Backoff:     models.BackoffPolicy{Base: time.Second, Max: time.Minute},
		RunAt:       runAt,
		State:       models.JobWaiting,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func mustEnqueue(t *testing.T, s queue.Store, j *models.Job) {
	t.Helper()
	if err := s.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue %s: %v", j.ID, err)
	}
}

func lease(t *testing.T, s queue.Store, now time.Time, token string) *models.Job {
	t.Helper()
	j, err := s.LeaseJob(context.Background(), now, token, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	return j
}

// RunQueue exercises the queue.Store contract. newStore must return an
// empty store.
func RunQueue(t *testing.T, newStore func(t *testing.T) queue.Store) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		j := newJob("rt", 0, base)
		mustEnqueue(t, s, j)

		got, err := s.GetJob(ctx, "rt")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Payload.To != "rt@example.com" || got.Payload.Data["firstName"] != "Ada" {
			t.Fatalf("payload not preserved: %+v", got.Payload)
		}
		if len(got.Payload.Attachments) != 1 || string(got.Payload.Attachments[0].Content) != "abc" {
			t.Fatalf("attachments not preserved: %+v", got.Payload.Attachments)
		}
		if got.Backoff.Base != time.Second || got.MaxAttempts != 3 {
			t.Fatalf("policy not preserved: %+v", got)
		}
		if !got.RunAt.Equal(base) {
			t.Fatalf("run_at = %v, want %v", got.RunAt, base)
		}

		if err := s.EnqueueJob(ctx, newJob("rt", 0, base)); !errors.Is(err, queue.ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("LeaseOrdering", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("fifo-1", 0, base))
		mustEnqueue(t, s, newJob("fifo-2", 0, base))
		mustEnqueue(t, s, newJob("early", 0, base.Add(-time.Second)))
		mustEnqueue(t, s, newJob("urgent", 5, base))
		mustEnqueue(t, s, newJob("future", 9, base.Add(time.Hour)))

		want := []string{"urgent", "early", "fifo-1", "fifo-2"}
		for i, id := range want {
			j := lease(t, s, base, fmt.Sprintf("tok-%d", i))
			if j == nil {
				t.Fatalf("lease %d: got nothing, want %s", i, id)
			}
			if j.ID != id {
				t.Fatalf("lease %d: got %s, want %s", i, j.ID, id)
			}
			if j.State != models.JobActive {
				t.Fatalf("leased job state = %s", j.State)
			}
		}
		if j := lease(t, s, base, "tok-x"); j != nil {
			t.Fatalf("future job must not be leased early, got %s", j.ID)
		}
		if j := lease(t, s, base.Add(2*time.Hour), "tok-y"); j == nil || j.ID != "future" {
			t.Fatalf("future job should lease once due, got %v", j)
		}
	})

	t.Run("PauseBlocksLease", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("p1", 0, base.Add(-time.Hour)))

		if err := s.SetPaused(ctx, true); err != nil {
			t.Fatal(err)
		}
		if p, _ := s.Paused(ctx); !p {
			t.Fatal("expected paused")
		}
		if j := lease(t, s, base, "t1"); j != nil {
			t.Fatalf("paused queue leased %s", j.ID)
		}
		if err := s.SetPaused(ctx, false); err != nil {
			t.Fatal(err)
		}
		if j := lease(t, s, base, "t2"); j == nil || j.ID != "p1" {
			t.Fatalf("resumed queue should lease overdue job, got %v", j)
		}
	})

	t.Run("CompleteRequiresLease", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("c1", 0, base))
		lease(t, s, base, "good")

		if err := s.CompleteJob(ctx, "c1", "bad", base); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("expected ErrLeaseLost, got %v", err)
		}
		if err := s.CompleteJob(ctx, "c1", "good", base); err != nil {
			t.Fatalf("complete: %v", err)
		}
		got, _ := s.GetJob(ctx, "c1")
		if got.State != models.JobCompleted || got.FinishedAt == nil {
			t.Fatalf("unexpected job after complete: %+v", got)
		}
		if err := s.CompleteJob(ctx, "c1", "good", base); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("second complete should lose the lease, got %v", err)
		}
	})

	t.Run("RetryAndFail", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("r1", 0, base))
		lease(t, s, base, "t1")

		runAt := base.Add(4 * time.Second)
		if err := s.RetryJob(ctx, "r1", "t1", queue.Release{Attempts: 1, RunAt: runAt, LastError: "421 busy", At: base}); err != nil {
			t.Fatalf("retry: %v", err)
		}
		got, _ := s.GetJob(ctx, "r1")
		if got.State != models.JobDelayed || got.Attempts != 1 || !got.RunAt.Equal(runAt) || got.LastError != "421 busy" {
			t.Fatalf("unexpected job after retry: %+v", got)
		}
		if j := lease(t, s, base.Add(time.Second), "t2"); j != nil {
			t.Fatal("retried job leased before its backoff elapsed")
		}
		j := lease(t, s, runAt, "t3")
		if j == nil || j.Attempts != 1 {
			t.Fatalf("expected retried job with 1 attempt, got %+v", j)
		}
		if err := s.FailJob(ctx, "r1", "t3", queue.Release{Attempts: 2, LastError: "550", Code: models.CodePermanent, At: runAt}); err != nil {
			t.Fatalf("fail: %v", err)
		}
		got, _ = s.GetJob(ctx, "r1")
		if got.State != models.JobFailed || got.ErrorCode != models.CodePermanent || got.Attempts != 2 {
			t.Fatalf("unexpected job after fail: %+v", got)
		}
	})

	t.Run("Cancel", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("wait", 0, base.Add(time.Hour)))
		mustEnqueue(t, s, newJob("act", 0, base))
		lease(t, s, base, "t1")

		ok, err := s.CancelJob(ctx, "wait", base)
		if err != nil || !ok {
			t.Fatalf("cancel waiting: ok=%v err=%v", ok, err)
		}
		ok, err = s.CancelJob(ctx, "act", base)
		if err != nil || ok {
			t.Fatalf("cancel active must return false: ok=%v err=%v", ok, err)
		}
		if _, err := s.CancelJob(ctx, "missing", base); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if j := lease(t, s, base.Add(2*time.Hour), "t2"); j != nil {
			t.Fatalf("cancelled job leased: %s", j.ID)
		}
	})

	t.Run("ReapStalled", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("s1", 0, base))
		if _, err := s.LeaseJob(ctx, base, "t1", base.Add(time.Second)); err != nil {
			t.Fatal(err)
		}

		requeued, dead, err := s.ReapJobs(ctx, base.Add(2*time.Second), 1)
		if err != nil {
			t.Fatalf("reap: %v", err)
		}
		if len(requeued) != 1 || len(dead) != 0 || requeued[0].Stalls != 1 {
			t.Fatalf("first stall should requeue once: requeued=%v dead=%v", requeued, dead)
		}
		if err := s.CompleteJob(ctx, "s1", "t1", base); !errors.Is(err, queue.ErrLeaseLost) {
			t.Fatalf("reaped lease must be lost, got %v", err)
		}

		now := base.Add(3 * time.Second)
		if _, err := s.LeaseJob(ctx, now, "t2", now.Add(time.Second)); err != nil {
			t.Fatal(err)
		}
		requeued, dead, err = s.ReapJobs(ctx, now.Add(2*time.Second), 1)
		if err != nil {
			t.Fatalf("reap: %v", err)
		}
		if len(requeued) != 0 || len(dead) != 1 || dead[0].ErrorCode != models.CodeStalled {
			t.Fatalf("second stall should fail: requeued=%v dead=%v", requeued, dead)
		}
		got, _ := s.GetJob(ctx, "s1")
		if got.State != models.JobFailed {
			t.Fatalf("state = %s, want failed", got.State)
		}
	})

	t.Run("CountsAndPurge", func(t *testing.T) {
		s := newStore(t)
		mustEnqueue(t, s, newJob("w", 0, base))
		d := newJob("d", 0, base.Add(time.Hour))
		d.State = models.JobDelayed
		mustEnqueue(t, s, d)
		od := newJob("od", 0, base.Add(-time.Hour))
		od.State = models.JobDelayed
		mustEnqueue(t, s, od)
		mustEnqueue(t, s, newJob("done", 10, base))

		lease(t, s, base, "t1")
		if err := s.CompleteJob(ctx, "done", "t1", base); err != nil {
			t.Fatal(err)
		}

		c, err := s.CountJobs(ctx, base)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if c.Waiting != 2 || c.Delayed != 1 || c.Completed != 1 || c.Total() != 4 {
			t.Fatalf("unexpected counts: %+v", c)
		}

		n, err := s.PurgeJobs(ctx, base.Add(time.Minute))
		if err != nil || n != 1 {
			t.Fatalf("purge: n=%d err=%v", n, err)
		}
		if _, err := s.GetJob(ctx, "done"); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("purged job still present: %v", err)
		}
	})
}

func newRecord(jobID, email string, at time.Time) *models.DeliveryRecord {
	return &models.DeliveryRecord{
		JobID:       jobID,
		Recipient:   models.Recipient{Email: email, FirstName: "Ada"},
		Subject:     "hello",
		Body:        "<p>hi</p>",
		Attachments: []models.AttachmentMeta{{Filename: "a.txt", ContentType: "text/plain", Size: 3}},
		Status:      models.StatusQueued,
		Source:      "api",
		QueuedAt:    at,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// RunDelivery exercises the delivery.Store contract.
func RunDelivery(t *testing.T, newStore func(t *testing.T) delivery.Store) {
	ctx := context.Background()

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateRecord(ctx, newRecord("j1", "ada@example.com", base)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if err := s.CreateRecord(ctx, newRecord("j1", "ada@example.com", base)); !errors.Is(err, delivery.ErrRecordExists) {
			t.Fatalf("expected ErrRecordExists, got %v", err)
		}
		r, err := s.GetRecord(ctx, "j1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if r.Status != models.StatusQueued || r.Recipient.FirstName != "Ada" || len(r.Attachments) != 1 {
			t.Fatalf("unexpected record: %+v", r)
		}
		if _, err := s.GetRecord(ctx, "nope"); !errors.Is(err, delivery.ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("Transitions", func(t *testing.T) {
		s := newStore(t)
		if err := s.CreateRecord(ctx, newRecord("j1", "ada@example.com", base)); err != nil {
			t.Fatal(err)
		}

		step := func(u models.RecordUpdate, want bool) {
			t.Helper()
			ok, err := s.TransitionRecord(ctx, "j1", u)
			if err != nil {
				t.Fatalf("transition to %s: %v", u.To, err)
			}
			if ok != want {
				t.Fatalf("transition to %s applied=%v, want %v", u.To, ok, want)
			}
		}

		step(models.RecordUpdate{To: models.StatusSent, At: base}, false)
		step(models.RecordUpdate{To: models.StatusProcessing, At: base, Attempts: 1}, true)
		step(models.RecordUpdate{To: models.StatusProcessing, At: base, Attempts: 2,
			Error: &models.RecordError{Message: "421", Code: models.CodeSendFailed}}, true)

		sender := &models.SenderIdentity{AccountID: "acct-1", Address: "one@example.com", Name: "One"}
		step(models.RecordUpdate{To: models.StatusSent, At: base.Add(time.Second), Sender: sender, MessageID: "<m1@x>"}, true)
		step(models.RecordUpdate{To: models.StatusSent, At: base.Add(2 * time.Second), MessageID: "<m2@x>"}, false)
		step(models.RecordUpdate{To: models.StatusProcessing, At: base}, false)
		step(models.RecordUpdate{To: models.StatusFailed, At: base}, false)

		r, err := s.GetRecord(ctx, "j1")
		if err != nil {
			t.Fatal(err)
		}
		if r.Status != models.StatusSent || r.MessageID != "<m1@x>" || r.Attempts != 2 {
			t.Fatalf("unexpected record: %+v", r)
		}
		if r.Sender == nil || r.Sender.AccountID != "acct-1" {
			t.Fatalf("sender not recorded: %+v", r.Sender)
		}
		if r.SentAt == nil || !r.SentAt.Equal(base.Add(time.Second)) || r.ProcessedAt == nil {
			t.Fatalf("timestamps not recorded: %+v", r)
		}
		if r.Error == nil || r.Error.Code != models.CodeSendFailed {
			t.Fatalf("last error not kept: %+v", r.Error)
		}

		if _, err := s.TransitionRecord(ctx, "missing", models.RecordUpdate{To: models.StatusProcessing, At: base}); !errors.Is(err, delivery.ErrRecordNotFound) {
			t.Fatalf("expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("CancelOnlyFromQueued", func(t *testing.T) {
		s := newStore(t)
		_ = s.CreateRecord(ctx, newRecord("q", "q@example.com", base))
		_ = s.CreateRecord(ctx, newRecord("p", "p@example.com", base))
		if _, err := s.TransitionRecord(ctx, "p", models.RecordUpdate{To: models.StatusProcessing, At: base}); err != nil {
			t.Fatal(err)
		}

		if ok, _ := s.TransitionRecord(ctx, "q", models.RecordUpdate{To: models.StatusCancelled, At: base}); !ok {
			t.Fatal("queued record should cancel")
		}
		if ok, _ := s.TransitionRecord(ctx, "p", models.RecordUpdate{To: models.StatusCancelled, At: base}); ok {
			t.Fatal("processing record must not cancel")
		}
		r, _ := s.GetRecord(ctx, "q")
		if r.Status != models.StatusCancelled || r.CancelledAt == nil {
			t.Fatalf("unexpected cancelled record: %+v", r)
		}
	})

	t.Run("ListCountPurge", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			r := newRecord(fmt.Sprintf("j%d", i), fmt.Sprintf("User%d@Example.com", i), base.Add(time.Duration(i)*time.Minute))
			if i == 4 {
				r.Source = "excel"
			}
			if err := s.CreateRecord(ctx, r); err != nil {
				t.Fatal(err)
			}
		}
		if _, err := s.TransitionRecord(ctx, "j0", models.RecordUpdate{To: models.StatusFailed, At: base,
			Error: &models.RecordError{Message: "550", Code: models.CodePermanent}}); err != nil {
			t.Fatal(err)
		}

		all, total, err := s.ListRecords(ctx, delivery.ListFilter{Limit: 2})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if total != 5 || len(all) != 2 || all[0].JobID != "j4" {
			t.Fatalf("expected newest-first page of 2 out of 5, got total=%d len=%d first=%v", total, len(all), all)
		}

		byEmail, total, _ := s.ListRecords(ctx, delivery.ListFilter{Email: "user3@example"})
		if total != 1 || len(byEmail) != 1 || byEmail[0].JobID != "j3" {
			t.Fatalf("email filter: total=%d %v", total, byEmail)
		}
		bySource, total, _ := s.ListRecords(ctx, delivery.ListFilter{Source: "excel"})
		if total != 1 || bySource[0].JobID != "j4" {
			t.Fatalf("source filter: total=%d %v", total, bySource)
		}
		failed, total, _ := s.ListRecords(ctx, delivery.ListFilter{Status: models.StatusFailed})
		if total != 1 || failed[0].Error == nil || failed[0].Error.Message != "550" {
			t.Fatalf("status filter: total=%d %v", total, failed)
		}
		ranged, total, _ := s.ListRecords(ctx, delivery.ListFilter{From: base.Add(90 * time.Second), To: base.Add(200 * time.Second)})
		if total != 2 || len(ranged) != 2 {
			t.Fatalf("date range: total=%d %v", total, ranged)
		}

		counts, err := s.CountRecords(ctx)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if counts[models.StatusQueued] != 4 || counts[models.StatusFailed] != 1 {
			t.Fatalf("unexpected counts: %v", counts)
		}

		n, err := s.PurgeRecords(ctx, base.Add(time.Hour))
		if err != nil || n != 1 {
			t.Fatalf("purge should remove only the finished record: n=%d err=%v", n, err)
		}
	})
}
