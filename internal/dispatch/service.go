// Package dispatch is the entry point the rest of the system uses to hand
// a batch of recipients to the engine and to inspect or control it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.uber.org/zap"

	"MailPacer/internal/delivery"
	"MailPacer/internal/email"
	"MailPacer/internal/metrics"
	"MailPacer/internal/models"
	"MailPacer/internal/pacer"
	"MailPacer/internal/queue"
)

var (
	ErrQueueUnavailable = errors.New("dispatch: queue unavailable")
	ErrNotFound         = errors.New("dispatch: job not found")
)

// Delivery sources recorded on each record.
const (
	SourceAPI    = "api"
	SourceBulk   = "bulk"
	SourceExcel  = "excel"
	SourceManual = "manual"
)

// ValidationError rejects a batch before anything is enqueued.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

type Recipient struct {
	Email     string            `json:"email"`
	FirstName string            `json:"first_name,omitempty"`
	LastName  string            `json:"last_name,omitempty"`
	Data      map[string]string `json:"data,omitempty"`
}

type BatchRequest struct {
	Recipients  []Recipient
	Subject     string
	Body        string
	Attachments []models.Attachment
	Source      string
	Priority    int
	MaxAttempts int

	// Pacing overrides the service's pacer for this batch.
	Pacing *pacer.Config
}

type ScheduledJob struct {
	JobID        string    `json:"job_id"`
	Recipient    string    `json:"recipient"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

type FailedRecipient struct {
	Recipient string `json:"recipient"`
	Error     string `json:"error"`
}

type SubmitResult struct {
	TotalJobs           int               `json:"total_jobs"`
	Jobs                []ScheduledJob    `json:"jobs"`
	Failed              []FailedRecipient `json:"failed,omitempty"`
	EstimatedCompletion time.Time         `json:"estimated_completion"`
}

type JobStatus struct {
	Job    *models.Job            `json:"job,omitempty"`
	Record *models.DeliveryRecord `json:"record,omitempty"`
}

type Stats struct {
	Queue      models.QueueCounts               `json:"queue"`
	Paused     bool                             `json:"paused"`
	Deliveries map[models.DeliveryStatus]int64 `json:"deliveries"`
}

// AccountLister exposes the configured sending accounts without secrets.
type AccountLister interface {
	All() []models.Account
}

type Config struct {
	MaxBatch int
	// CompletionBuffer is added to the last send offset when estimating
	// when a batch will be done.
	CompletionBuffer   time.Duration
	DefaultPriority    int
	DefaultMaxAttempts int
}

func DefaultConfig() Config {
	return Config{MaxBatch: 1000, CompletionBuffer: 30 * time.Second}
}

type Service struct {
	queue    *queue.Queue
	records  delivery.Store
	pacer    *pacer.Pacer
	accounts AccountLister
	cfg      Config
	log      *zap.Logger
}

func New(q *queue.Queue, records delivery.Store, p *pacer.Pacer, accts AccountLister, cfg Config, log *zap.Logger) *Service {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultConfig().MaxBatch
	}
	if cfg.CompletionBuffer < 0 {
		cfg.CompletionBuffer = 0
	}
	return &Service{queue: q, records: records, pacer: p, accounts: accts, cfg: cfg, log: log}
}

// Submit validates the batch, then enqueues one paced job per recipient
// and records it as queued. Per-recipient enqueue failures are reported in
// the result; if none could be enqueued because the queue is down the
// whole call fails with ErrQueueUnavailable.
func (s *Service) Submit(ctx context.Context, req BatchRequest) (*SubmitResult, error) {
	attachments, err := s.validate(&req)
	if err != nil {
		return nil, err
	}

	p := s.pacer
	if req.Pacing != nil {
		p = pacer.New(*req.Pacing, nil)
	}
	offsets := p.Schedule(len(req.Recipients))

	priority := req.Priority
	if priority == 0 {
		priority = s.cfg.DefaultPriority
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.DefaultMaxAttempts
	}

	res := &SubmitResult{Jobs: make([]ScheduledJob, 0, len(req.Recipients))}
	unavailable := 0
	for i, r := range req.Recipients {
		data := email.Fields(r.Email, r.FirstName, r.LastName, r.Data)
		j := &models.Job{
			Payload: models.EmailPayload{
				To:          r.Email,
				FirstName:   r.FirstName,
				LastName:    r.LastName,
				Subject:     email.Personalize(req.Subject, data),
				Body:        email.Personalize(req.Body, data),
				Attachments: attachments,
				Data:        r.Data,
				Source:      req.Source,
			},
			Priority:    priority,
			MaxAttempts: maxAttempts,
		}

		id, err := s.queue.Enqueue(ctx, j, offsets[i])
		if err != nil {
			if errors.Is(err, queue.ErrUnavailable) {
				unavailable++
			}
			s.log.Error("failed to enqueue email", zap.String("to", r.Email), zap.Error(err))
			res.Failed = append(res.Failed, FailedRecipient{Recipient: r.Email, Error: err.Error()})
			continue
		}
		metrics.JobsEnqueued.Inc()

		// The worker creates a missing record itself, so a failure here
		// does not lose the send.
		if err := s.records.CreateRecord(ctx, models.NewDeliveryRecord(j, j.CreatedAt)); err != nil {
			s.log.Warn("failed to create delivery record", zap.String("job_id", id), zap.Error(err))
		}
		res.Jobs = append(res.Jobs, ScheduledJob{JobID: id, Recipient: r.Email, ScheduledFor: j.RunAt})
	}

	res.TotalJobs = len(res.Jobs)
	if res.TotalJobs == 0 && unavailable > 0 {
		return res, fmt.Errorf("%w: %d of %d recipients rejected", ErrQueueUnavailable, unavailable, len(req.Recipients))
	}

	res.EstimatedCompletion = s.queue.Now().Add(pacer.Last(offsets) + s.cfg.CompletionBuffer)
	s.log.Info("batch queued",
		zap.Int("jobs", res.TotalJobs),
		zap.Int("failed", len(res.Failed)),
		zap.String("source", req.Source),
		zap.Time("estimated_completion", res.EstimatedCompletion),
	)
	return res, nil
}

// validate normalizes req in place and resolves attachments once for the
// whole batch.
func (s *Service) validate(req *BatchRequest) ([]models.Attachment, error) {
	if len(req.Recipients) == 0 {
		return nil, invalid("recipients", "at least one recipient is required")
	}
	if len(req.Recipients) > s.cfg.MaxBatch {
		return nil, invalid("recipients", "batch of %d exceeds the limit of %d", len(req.Recipients), s.cfg.MaxBatch)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return nil, invalid("subject", "subject is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, invalid("body", "body is required")
	}
	if req.Source == "" {
		req.Source = SourceAPI
	}

	for i := range req.Recipients {
		r := &req.Recipients[i]
		r.Email = strings.TrimSpace(r.Email)
		addr, err := mail.ParseAddress(r.Email)
		if err != nil || addr.Address != r.Email {
			return nil, invalid(fmt.Sprintf("recipients[%d].email", i), "invalid email address %q", r.Email)
		}
	}

	out := make([]models.Attachment, 0, len(req.Attachments))
	for i, a := range req.Attachments {
		resolved, err := a.Resolve()
		if err != nil {
			return nil, invalid(fmt.Sprintf("attachments[%d]", i), "%v", err)
		}
		out = append(out, resolved)
	}
	return out, nil
}

// Status returns the job and its delivery record. Either may be missing
// once the retention sweep has removed it.
func (s *Service) Status(ctx context.Context, id string) (*JobStatus, error) {
	st := &JobStatus{}
	j, err := s.queue.Get(ctx, id)
	switch {
	case err == nil:
		j.State = j.EffectiveState(s.queue.Now())
		st.Job = j
	case errors.Is(err, queue.ErrNotFound):
	default:
		return nil, s.queueErr(err)
	}

	r, err := s.records.GetRecord(ctx, id)
	switch {
	case err == nil:
		st.Record = r
	case errors.Is(err, delivery.ErrRecordNotFound):
	default:
		return nil, err
	}

	if st.Job == nil && st.Record == nil {
		return nil, ErrNotFound
	}
	return st, nil
}

// Cancel stops a job that has not started. It returns false when the job
// is already running or finished.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.queue.Cancel(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, s.queueErr(err)
	}
	if !ok {
		return false, nil
	}

	_, err = s.records.TransitionRecord(ctx, id, models.RecordUpdate{To: models.StatusCancelled, At: s.queue.Now()})
	if err != nil && !errors.Is(err, delivery.ErrRecordNotFound) {
		s.log.Error("failed to mark delivery record cancelled", zap.String("job_id", id), zap.Error(err))
	}
	s.log.Info("job cancelled", zap.String("job_id", id))
	return true, nil
}

func (s *Service) Pause(ctx context.Context) error {
	return s.queueErr(s.queue.Pause(ctx))
}

func (s *Service) Resume(ctx context.Context) error {
	return s.queueErr(s.queue.Resume(ctx))
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.queue.Stats(ctx)
	if err != nil {
		return nil, s.queueErr(err)
	}
	paused, err := s.queue.Paused(ctx)
	if err != nil {
		return nil, s.queueErr(err)
	}
	deliveries, err := s.records.CountRecords(ctx)
	if err != nil {
		return nil, err
	}
	metrics.ObserveQueue(counts)
	return &Stats{Queue: counts, Paused: paused, Deliveries: deliveries}, nil
}

// History lists delivery records, newest first.
func (s *Service) History(ctx context.Context, f delivery.ListFilter) ([]*models.DeliveryRecord, int64, error) {
	return s.records.ListRecords(ctx, f.Normalize())
}

func (s *Service) Accounts() []models.Account {
	if s.accounts == nil {
		return nil
	}
	return s.accounts.All()
}

// Health pings the queue backend.
func (s *Service) Health(ctx context.Context) error {
	return s.queueErr(s.queue.Ping(ctx))
}

func (s *Service) queueErr(err error) error {
	if err != nil && errors.Is(err, queue.ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrQueueUnavailable, err)
	}
	return err
}
