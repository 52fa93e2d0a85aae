package email

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"MailPacer/internal/models"
)

// Transport sends messages for one account.
type Transport interface {
	// Send delivers env and returns the Message-Id it was sent with.
	Send(ctx context.Context, env Envelope) (string, error)
	Close() error
}

type TransportOptions struct {
	// MaxIdle is how many open connections are kept per account.
	MaxIdle int
	// IdleTimeout closes pooled connections unused for longer.
	IdleTimeout time.Duration
	// LocalName is sent in HELO/EHLO.
	LocalName string
	// InsecureSkipVerify disables certificate checks, for local relays.
	InsecureSkipVerify bool
	// Verify dials once when the transport is created and logs the result.
	Verify bool
	Signer *Signer
}

var errTransportClosed = errors.New("email: transport closed")

type idleConn struct {
	sc    gomail.SendCloser
	since time.Time
}

// SMTPTransport keeps a small pool of authenticated SMTP sessions for one
// account.
type SMTPTransport struct {
	account models.Account
	dialer  *gomail.Dialer
	opts    TransportOptions
	log     *zap.Logger

	mu     sync.Mutex
	idle   []idleConn
	closed bool
}

func NewSMTPTransport(account models.Account, opts TransportOptions, log *zap.Logger) *SMTPTransport {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 30 * time.Second
	}
	d := gomail.NewDialer(account.Host, account.Port, account.Login(), account.Password)
	d.SSL = account.Secure
	d.LocalName = opts.LocalName
	d.TLSConfig = &tls.Config{ServerName: account.Host, InsecureSkipVerify: opts.InsecureSkipVerify}

	return &SMTPTransport{
		account: account,
		dialer:  d,
		opts:    opts,
		log:     log.With(zap.String("account_id", account.ID), zap.String("smtp_host", account.Host)),
	}
}

// Verify opens and closes one session.
func (t *SMTPTransport) Verify(ctx context.Context) error {
	res := make(chan error, 1)
	go func() {
		sc, err := t.dialer.Dial()
		if err == nil {
			err = sc.Close()
		}
		res <- err
	}()
	select {
	case err := <-res:
		return Classify(err)
	case <-ctx.Done():
		return &TransientError{Err: ctx.Err()}
	}
}

type sendResult struct {
	sc  gomail.SendCloser
	err error
}

func (t *SMTPTransport) Send(ctx context.Context, env Envelope) (string, error) {
	now := time.Now()
	id := newMessageID(t.account.Address)
	m, err := buildMessage(t.account, env, id, now)
	if err != nil {
		return "", err
	}
	wire, err := render(m, t.opts.Signer, t.account.Address)
	if err != nil {
		return "", Permanent(models.CodePermanent, err)
	}

	done := make(chan sendResult, 1)
	go func() {
		sc, err := t.conn(now)
		if err != nil {
			done <- sendResult{err: err}
			return
		}
		done <- sendResult{sc: sc, err: sc.Send(t.account.Address, []string{env.To}, wire)}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if r.sc != nil {
				_ = r.sc.Close()
			}
			return "", Classify(r.err)
		}
		t.release(r.sc)
		return id, nil
	case <-ctx.Done():
		// The session is in an unknown state; drop it once the send returns.
		go func() {
			if r := <-done; r.sc != nil {
				_ = r.sc.Close()
			}
		}()
		return "", &TransientError{Err: ctx.Err()}
	}
}

func (t *SMTPTransport) conn(now time.Time) (gomail.SendCloser, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, &TransientError{Err: errTransportClosed}
	}
	var stale []gomail.SendCloser
	var sc gomail.SendCloser
	for len(t.idle) > 0 {
		c := t.idle[len(t.idle)-1]
		t.idle = t.idle[:len(t.idle)-1]
		if now.Sub(c.since) > t.opts.IdleTimeout {
			stale = append(stale, c.sc)
			continue
		}
		sc = c.sc
		break
	}
	t.mu.Unlock()

	for _, s := range stale {
		_ = s.Close()
	}
	if sc != nil {
		return sc, nil
	}
	return t.dialer.Dial()
}

func (t *SMTPTransport) release(sc gomail.SendCloser) {
	t.mu.Lock()
	if !t.closed && len(t.idle) < t.opts.MaxIdle {
		t.idle = append(t.idle, idleConn{sc: sc, since: time.Now()})
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	_ = sc.Close()
}

// Close closes idle sessions. Sends in flight finish and then close their
// session.
func (t *SMTPTransport) Close() error {
	t.mu.Lock()
	idle := t.idle
	t.idle = nil
	t.closed = true
	t.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.sc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
