package dispatch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"MailPacer/internal/accounts"
	"MailPacer/internal/delivery"
	"MailPacer/internal/dispatch"
	"MailPacer/internal/email"
	"MailPacer/internal/events"
	"MailPacer/internal/models"
	"MailPacer/internal/pacer"
	"MailPacer/internal/queue"
	"MailPacer/internal/store/memory"
	"MailPacer/internal/worker"
)

var start = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc   *dispatch.Service
	q     *queue.Queue
	store *memory.Store
}

func setup(t *testing.T, qs queue.Store, pc pacer.Config) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	if qs == nil {
		qs = store
	}
	q := queue.New(qs, events.NewBus(), queue.Config{}, logger)
	q.SetClock(func() time.Time { return start })

	ap := accounts.New(nil, accounts.Defaults{}, logger)
	cfg := dispatch.Config{MaxBatch: 5, CompletionBuffer: 30 * time.Second}
	return &harness{
		svc:   dispatch.New(q, store, pacer.New(pc, nil), ap, cfg, logger),
		q:     q,
		store: store,
	}
}

func batch(emails ...string) dispatch.BatchRequest {
	req := dispatch.BatchRequest{Subject: "Hi {{firstName}}", Body: "<p>Dear {{firstName}} {{lastName}} at {{company}}</p>"}
	for i, e := range emails {
		name, _, _ := strings.Cut(e, "@")
		req.Recipients = append(req.Recipients, dispatch.Recipient{
			Email:     e,
			FirstName: strings.ToUpper(name[:1]) + name[1:],
			LastName:  "No" + string(rune('A'+i)),
			Data:      map[string]string{"company": "Engines"},
		})
	}
	return req
}

func TestSubmitCreatesOneRecordPerRecipient(t *testing.T) {
	h := setup(t, nil, pacer.Config{})
	ctx := context.Background()

	res, err := h.svc.Submit(ctx, batch("ada@example.com", "bob@example.com", "cyd@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalJobs != 3 || len(res.Failed) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}

	ids := map[string]bool{}
	for _, sj := range res.Jobs {
		if ids[sj.JobID] {
			t.Fatalf("duplicate job id %s", sj.JobID)
		}
		ids[sj.JobID] = true

		r, err := h.store.GetRecord(ctx, sj.JobID)
		if err != nil {
			t.Fatalf("record for %s: %v", sj.Recipient, err)
		}
		if r.Status != models.StatusQueued || r.Recipient.Email != sj.Recipient || r.Source != dispatch.SourceAPI {
			t.Fatalf("unexpected record: %+v", r)
		}
	}

	r, _ := h.store.GetRecord(ctx, res.Jobs[0].JobID)
	if r.Subject != "Hi Ada" || r.Body != "<p>Dear Ada NoA at Engines</p>" {
		t.Fatalf("content not personalized: %q %q", r.Subject, r.Body)
	}
}

func TestSubmitPacesRecipients(t *testing.T) {
	h := setup(t, nil, pacer.Config{MinDelay: 5 * time.Second, MaxDelay: 5 * time.Second})

	res, err := h.svc.Submit(context.Background(), batch("ada@example.com", "bob@example.com", "cyd@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []time.Duration{0, 5 * time.Second, 10 * time.Second} {
		if got := res.Jobs[i].ScheduledFor.Sub(start); got != want {
			t.Errorf("job %d scheduled at +%v, want +%v", i, got, want)
		}
	}
	if got := res.EstimatedCompletion.Sub(start); got != 40*time.Second {
		t.Errorf("estimated completion +%v, want +40s", got)
	}
}

func TestSubmitValidation(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name  string
		req   dispatch.BatchRequest
		field string
	}{
		{"no recipients", dispatch.BatchRequest{Subject: "s", Body: "b"}, "recipients"},
		{"too many", batch("a@x.io", "b@x.io", "c@x.io", "d@x.io", "e@x.io", "f@x.io"), "recipients"},
		{"bad address", batch("ada@example.com", "bob-at-example.com"), "recipients[1].email"},
		{"empty subject", func() dispatch.BatchRequest { r := batch("ada@example.com"); r.Subject = " "; return r }(), "subject"},
		{"empty body", func() dispatch.BatchRequest { r := batch("ada@example.com"); r.Body = ""; return r }(), "body"},
		{"missing file", func() dispatch.BatchRequest {
			r := batch("ada@example.com")
			r.Attachments = []models.Attachment{models.FileAttachment(filepath.Join(dir, "nope.pdf"), "application/pdf")}
			return r
		}(), "attachments[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setup(t, nil, pacer.Config{})
			_, err := h.svc.Submit(context.Background(), tt.req)
			var ve *dispatch.ValidationError
			if !errors.As(err, &ve) || ve.Field != tt.field {
				t.Fatalf("want validation error on %s, got %v", tt.field, err)
			}
			st, _ := h.svc.Stats(context.Background())
			if st.Queue.Total() != 0 {
				t.Fatal("nothing may be enqueued for an invalid batch")
			}
		})
	}
}

func TestSubmitResolvesFileAttachments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.pdf")
	if err := os.WriteFile(path, []byte("%PDF-1.4"), 0o600); err != nil {
		t.Fatal(err)
	}
	h := setup(t, nil, pacer.Config{})
	req := batch("ada@example.com")
	req.Attachments = []models.Attachment{models.FileAttachment(path, "application/pdf")}

	res, err := h.svc.Submit(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := h.store.GetRecord(context.Background(), res.Jobs[0].JobID)
	if len(r.Attachments) != 1 || r.Attachments[0].Size != 8 || r.Attachments[0].Filename != "report.pdf" {
		t.Fatalf("attachment metadata not recorded: %+v", r.Attachments)
	}
}

// flakyStore fails enqueues for recipients matching down, or all of them
// when down is empty.
type flakyStore struct {
	queue.Store
	down string
}

func (f flakyStore) EnqueueJob(ctx context.Context, j *models.Job) error {
	if f.down == "" || j.Payload.To == f.down {
		return errors.New("connection refused")
	}
	return f.Store.EnqueueJob(ctx, j)
}

func TestSubmitQueueUnavailable(t *testing.T) {
	h := setup(t, flakyStore{Store: memory.New()}, pacer.Config{})
	_, err := h.svc.Submit(context.Background(), batch("ada@example.com", "bob@example.com"))
	if !errors.Is(err, dispatch.ErrQueueUnavailable) {
		t.Fatalf("want ErrQueueUnavailable, got %v", err)
	}
}

func TestSubmitPartialFailure(t *testing.T) {
	h := setup(t, flakyStore{Store: memory.New(), down: "bob@example.com"}, pacer.Config{})
	res, err := h.svc.Submit(context.Background(), batch("ada@example.com", "bob@example.com", "cyd@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	if res.TotalJobs != 2 || len(res.Failed) != 1 || res.Failed[0].Recipient != "bob@example.com" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestStatusAndHistory(t *testing.T) {
	h := setup(t, nil, pacer.Config{MinDelay: time.Minute, MaxDelay: time.Minute})
	ctx := context.Background()
	res, err := h.svc.Submit(ctx, batch("ada@example.com", "bob@example.com"))
	if err != nil {
		t.Fatal(err)
	}

	st, err := h.svc.Status(ctx, res.Jobs[1].JobID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Job.State != models.JobDelayed || st.Record.Status != models.StatusQueued {
		t.Fatalf("unexpected status: job=%s record=%s", st.Job.State, st.Record.Status)
	}
	if _, err := h.svc.Status(ctx, "missing"); !errors.Is(err, dispatch.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}

	recs, total, err := h.svc.History(ctx, delivery.ListFilter{Email: "BOB"})
	if err != nil || total != 1 || recs[0].Recipient.Email != "bob@example.com" {
		t.Fatalf("history: %v %d %v", recs, total, err)
	}
}

func TestPauseResume(t *testing.T) {
	h := setup(t, nil, pacer.Config{})
	ctx := context.Background()
	if _, err := h.svc.Submit(ctx, batch("ada@example.com")); err != nil {
		t.Fatal(err)
	}

	if err := h.svc.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	st, _ := h.svc.Stats(ctx)
	if !st.Paused || st.Queue.Waiting != 1 || st.Deliveries[models.StatusQueued] != 1 {
		t.Fatalf("unexpected stats while paused: %+v", st)
	}
	if l, _ := h.q.DequeueDue(ctx); l != nil {
		t.Fatal("paused queue must not hand out jobs")
	}

	if err := h.svc.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if l, _ := h.q.DequeueDue(ctx); l == nil {
		t.Fatal("resumed queue should hand out the job")
	}
}

// gatedMailer blocks every send until release is closed.
type gatedMailer struct {
	started chan struct{}
	release chan struct{}
}

func (g *gatedMailer) Get(models.Account) (email.Transport, error) { return g, nil }

func (g *gatedMailer) Send(_ context.Context, env email.Envelope) (string, error) {
	g.started <- struct{}{}
	<-g.release
	return "<" + env.To + ">", nil
}

func (g *gatedMailer) Close() error { return nil }

func TestCancel(t *testing.T) {
	h := setup(t, nil, pacer.Config{})
	ctx := context.Background()
	res, err := h.svc.Submit(ctx, batch("ada@example.com", "bob@example.com"))
	if err != nil {
		t.Fatal(err)
	}
	waiting, active := res.Jobs[1].JobID, res.Jobs[0].JobID

	t.Run("waiting job", func(t *testing.T) {
		ok, err := h.svc.Cancel(ctx, waiting)
		if err != nil || !ok {
			t.Fatalf("cancel waiting: %v %v", ok, err)
		}
		st, _ := h.svc.Status(ctx, waiting)
		if st.Job.State != models.JobCancelled || st.Record.Status != models.StatusCancelled || st.Record.CancelledAt == nil {
			t.Fatalf("unexpected state: job=%s record=%s", st.Job.State, st.Record.Status)
		}
	})

	t.Run("active job", func(t *testing.T) {
		logger := zaptest.NewLogger(t)
		fallback := models.Account{ID: "default", Address: "noreply@sender.io"}
		g := &gatedMailer{started: make(chan struct{}), release: make(chan struct{})}
		pool := worker.New(h.q, h.store, accounts.New(nil, accounts.Defaults{}, logger), g, nil,
			worker.Config{Fallback: &fallback}, logger)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = pool.ProcessNext(ctx)
		}()
		<-g.started

		ok, err := h.svc.Cancel(ctx, active)
		if err != nil || ok {
			t.Fatalf("cancel active should be refused: %v %v", ok, err)
		}
		close(g.release)
		<-done

		st, _ := h.svc.Status(ctx, active)
		if !st.Record.Status.Terminal() || st.Job.State != models.JobCompleted {
			t.Fatalf("active job should finish: job=%s record=%s", st.Job.State, st.Record.Status)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		if _, err := h.svc.Cancel(ctx, "nope"); !errors.Is(err, dispatch.ErrNotFound) {
			t.Fatalf("want ErrNotFound, got %v", err)
		}
	})
}
