package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailPacer/internal/accounts"
	"MailPacer/internal/delivery"
	"MailPacer/internal/email"
	"MailPacer/internal/metrics"
	"MailPacer/internal/models"
	"MailPacer/internal/queue"
)

type Config struct {
	Concurrency        int
	PollInterval       time.Duration
	StallCheckInterval time.Duration
	SendTimeout        time.Duration

	// StoreRetry bounds how long a failed store write is retried.
	StoreRetry time.Duration

	// Fallback is used when the account pool is empty. Without it such
	// jobs fail with models.CodeNoAccount.
	Fallback *models.Account
}

func DefaultConfig() Config {
	return Config{
		Concurrency:        5,
		PollInterval:       time.Second,
		StallCheckInterval: 30 * time.Second,
		SendTimeout:        30 * time.Second,
		StoreRetry:         10 * time.Second,
	}
}

// AccountSelector picks the sending account for one attempt.
type AccountSelector interface {
	Select() (models.Account, error)
}

// TransportProvider returns the transport for an account.
type TransportProvider interface {
	Get(models.Account) (email.Transport, error)
}

type Pool struct {
	queue      *queue.Queue
	records    delivery.Store
	accounts   AccountSelector
	transports TransportProvider
	limiter    *rate.Limiter
	cfg        Config
	log        *zap.Logger
}

func New(
	q *queue.Queue,
	records delivery.Store,
	accts AccountSelector,
	transports TransportProvider,
	limiter *rate.Limiter,
	cfg Config,
	logger *zap.Logger,
) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StallCheckInterval <= 0 {
		cfg.StallCheckInterval = def.StallCheckInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.StoreRetry <= 0 {
		cfg.StoreRetry = def.StoreRetry
	}
	if limiter == nil {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return &Pool{
		queue:      q,
		records:    records,
		accounts:   accts,
		transports: transports,
		limiter:    limiter,
		cfg:        cfg,
		log:        logger,
	}
}

// Run starts the workers and the stall reaper and blocks until ctx is
// done and every in-flight job has been recorded.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.work(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reapLoop(ctx)
	}()

	wg.Wait()
	return nil
}

func (p *Pool) work(ctx context.Context, id int) {
	logger := p.log.With(zap.Int("worker_id", id))
	logger.Info("worker started")

	var permit bool
	for {
		if ctx.Err() != nil {
			logger.Info("worker shutting down")
			return
		}

		worked, err := p.next(ctx, &permit)
		if err != nil && ctx.Err() == nil {
			logger.Error("failed to fetch next job", zap.Error(err))
		}
		if worked {
			continue
		}

		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) reapLoop(ctx context.Context) {
	t := time.NewTicker(p.cfg.StallCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := p.Reap(ctx); err != nil && ctx.Err() == nil {
				p.log.Error("stall check failed", zap.Error(err))
			}
		}
	}
}

// ProcessNext waits for a send slot from the rate limiter, then leases one
// due job and runs it to an outcome. It reports whether a job was leased.
func (p *Pool) ProcessNext(ctx context.Context) (bool, error) {
	var permit bool
	return p.next(ctx, &permit)
}

// next takes a limiter token before leasing so that no lease is held while
// waiting for one. A token taken when nothing was due is kept in permit for
// the caller's next round.
func (p *Pool) next(ctx context.Context, permit *bool) (bool, error) {
	if !*permit {
		if err := p.limiter.Wait(ctx); err != nil {
			return false, err
		}
		*permit = true
	}

	lease, err := p.queue.DequeueDue(ctx)
	if err != nil {
		return false, err
	}
	if lease == nil {
		return false, nil
	}
	*permit = false

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("job processing panicked; lease left to expire",
				zap.String("job_id", lease.Job.ID),
				zap.Any("panic", r),
			)
		}
	}()
	p.process(ctx, lease)
	return true, nil
}

// Reap redelivers stalled jobs and fails the records of jobs that stalled
// too often.
func (p *Pool) Reap(ctx context.Context) error {
	dead, err := p.queue.ReapStalled(ctx)
	if err != nil {
		return err
	}
	for _, j := range dead {
		metrics.JobsStalled.Inc()
		metrics.EmailFailures.WithLabelValues(models.CodeStalled).Inc()
		p.transition(ctx, j.ID, models.RecordUpdate{
			To:       models.StatusFailed,
			At:       p.queue.Now(),
			Attempts: j.Attempts,
			Error:    &models.RecordError{Message: j.LastError, Code: models.CodeStalled},
		})
	}
	return nil
}

func (p *Pool) process(ctx context.Context, l *queue.Lease) {
	j := l.Job
	attempt := j.Attempts + 1
	logger := p.log.With(zap.String("job_id", j.ID), zap.Int("attempt", attempt))

	// ----------------------------
	// Resolve Delivery Record
	// ----------------------------
	rec, err := p.record(ctx, j)
	if err != nil {
		logger.Error("failed to load delivery record", zap.Error(err))
		p.fail(ctx, l, logger, &email.TransientError{Err: err}, nil)
		return
	}

	// ----------------------------
	// Idempotent Redelivery
	// ----------------------------
	if rec.Status.Terminal() {
		logger.Info("delivery already finished; acknowledging without sending",
			zap.String("status", string(rec.Status)))
		p.ack(ctx, l, logger)
		return
	}

	// ----------------------------
	// Mark as Processing
	// ----------------------------
	if ok := p.transition(ctx, j.ID, models.RecordUpdate{
		To:       models.StatusProcessing,
		At:       p.queue.Now(),
		Attempts: attempt,
	}); !ok {
		// A duplicate delivery may have finished the record meanwhile.
		cur, err := p.records.GetRecord(ctx, j.ID)
		if err == nil && cur.Status.Terminal() {
			logger.Info("delivery finished concurrently; acknowledging without sending",
				zap.String("status", string(cur.Status)))
			p.ack(ctx, l, logger)
			return
		}
		logger.Warn("delivery record did not move to processing", zap.String("status", string(rec.Status)))
	}

	// ----------------------------
	// Pick Account
	// ----------------------------
	account, err := p.accounts.Select()
	if errors.Is(err, accounts.ErrNoAccount) && p.cfg.Fallback != nil {
		account, err = *p.cfg.Fallback, nil
	}
	if err != nil {
		p.fail(ctx, l, logger, email.Permanent(models.CodeNoAccount, err), nil)
		return
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	// An in-flight send and its bookkeeping finish during shutdown;
	// SendTimeout and StoreRetry bound them.
	finish := context.WithoutCancel(ctx)
	sendCtx, cancel := context.WithTimeout(finish, p.cfg.SendTimeout)
	sender := account.Identity()

	start := time.Now()
	messageID, err := p.send(sendCtx, account, j)
	cancel()
	metrics.SendDuration.WithLabelValues(account.ID).Observe(time.Since(start).Seconds())
	if err != nil {
		logger.Warn("email send failed",
			zap.String("to", j.Payload.To),
			zap.String("account_id", account.ID),
			zap.Error(err),
		)
		p.fail(finish, l, logger, err, &sender)
		return
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	p.transition(finish, j.ID, models.RecordUpdate{
		To:        models.StatusSent,
		At:        p.queue.Now(),
		Attempts:  attempt,
		Sender:    &sender,
		MessageID: messageID,
	})
	p.ack(finish, l, logger)

	logger.Info("email sent successfully",
		zap.String("to", j.Payload.To),
		zap.String("account_id", account.ID),
		zap.String("message_id", messageID),
	)
	metrics.EmailsSent.Inc()
}

func (p *Pool) send(ctx context.Context, account models.Account, j *models.Job) (string, error) {
	t, err := p.transports.Get(account)
	if err != nil {
		return "", email.Classify(fmt.Errorf("transport for %s: %w", account.ID, err))
	}
	id, err := t.Send(ctx, email.EnvelopeFor(j.Payload))
	return id, email.Classify(err)
}

// record loads the job's delivery record, creating it if submission never
// got that far.
func (p *Pool) record(ctx context.Context, j *models.Job) (*models.DeliveryRecord, error) {
	var rec *models.DeliveryRecord
	err := p.retry(ctx, func() error {
		r, err := p.records.GetRecord(ctx, j.ID)
		if errors.Is(err, delivery.ErrRecordNotFound) {
			p.log.Warn("delivery record missing; creating it", zap.String("job_id", j.ID))
			err = p.records.CreateRecord(ctx, models.NewDeliveryRecord(j, p.queue.Now()))
			if err != nil && !errors.Is(err, delivery.ErrRecordExists) {
				return err
			}
			r, err = p.records.GetRecord(ctx, j.ID)
		}
		rec = r
		return err
	})
	return rec, err
}

// fail reports cause to the queue and mirrors the outcome on the record.
// sender is the account the attempt went out with, if one was picked.
func (p *Pool) fail(ctx context.Context, l *queue.Lease, logger *zap.Logger, cause error, sender *models.SenderIdentity) {
	permanent := email.IsPermanent(cause)
	f := queue.Failure{Err: cause, Permanent: permanent}
	if permanent {
		f.Code = email.ErrorCode(cause)
	}

	var out queue.Outcome
	err := p.retry(ctx, func() error {
		var err error
		out, err = p.queue.Fail(ctx, l, f)
		return err
	})
	if err != nil {
		logger.Error("failed to record job failure", zap.Error(err))
		return
	}

	now := p.queue.Now()
	if out.Rescheduled {
		metrics.EmailRetries.Inc()
		logger.Info("email send rescheduled", zap.Time("run_at", out.RunAt))
		p.transition(ctx, l.Job.ID, models.RecordUpdate{
			To:       models.StatusProcessing,
			At:       now,
			Attempts: out.Attempts,
			Sender:   sender,
			Error:    &models.RecordError{Message: cause.Error(), Code: models.CodeSendFailed},
		})
		return
	}

	metrics.EmailFailures.WithLabelValues(out.Code).Inc()
	logger.Error("email delivery failed", zap.String("code", out.Code), zap.Error(cause))
	p.transition(ctx, l.Job.ID, models.RecordUpdate{
		To:       models.StatusFailed,
		At:       now,
		Attempts: out.Attempts,
		Sender:   sender,
		Error:    &models.RecordError{Message: cause.Error(), Code: out.Code},
	})
}

func (p *Pool) ack(ctx context.Context, l *queue.Lease, logger *zap.Logger) {
	err := p.retry(ctx, func() error { return p.queue.Ack(ctx, l) })
	if err != nil {
		logger.Error("failed to acknowledge job", zap.Error(err))
	}
}

// transition applies u with retries and reports whether it was allowed.
func (p *Pool) transition(ctx context.Context, jobID string, u models.RecordUpdate) bool {
	var ok bool
	err := p.retry(ctx, func() error {
		var err error
		ok, err = p.records.TransitionRecord(ctx, jobID, u)
		return err
	})
	if err != nil {
		p.log.Error("failed to update delivery record",
			zap.String("job_id", jobID),
			zap.String("status", string(u.To)),
			zap.Error(err),
		)
		return false
	}
	return ok
}

// retry runs fn with exponential backoff until it succeeds, returns a
// contract error, or StoreRetry elapses.
func (p *Pool) retry(ctx context.Context, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = p.cfg.StoreRetry

	return backoff.Retry(func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, queue.ErrLeaseLost),
			errors.Is(err, queue.ErrNotFound),
			errors.Is(err, delivery.ErrRecordNotFound):
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(b, ctx))
}
