package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"MailPacer/internal/models"
)

// Factory builds the transport for an account.
type Factory func(models.Account) (Transport, error)

// SMTPFactory builds SMTPTransports, probing each one in the background
// when opts.Verify is set.
func SMTPFactory(opts TransportOptions, log *zap.Logger) Factory {
	return func(a models.Account) (Transport, error) {
		t := NewSMTPTransport(a, opts, log)
		if opts.Verify {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := t.Verify(ctx); err != nil {
					t.log.Warn("smtp connection check failed", zap.Error(err))
					return
				}
				t.log.Info("smtp connection verified")
			}()
		}
		return t, nil
	}
}

var ErrCacheClosed = errors.New("email: transport cache closed")

type cacheEntry struct {
	fingerprint string
	transport   Transport
}

// Cache hands out one transport per account and rebuilds it when the
// account's connection settings change.
type Cache struct {
	factory Factory
	log     *zap.Logger

	mu      sync.Mutex
	entries map[string]cacheEntry
	closed  bool
}

func NewCache(factory Factory, log *zap.Logger) *Cache {
	return &Cache{factory: factory, log: log, entries: make(map[string]cacheEntry)}
}

func (c *Cache) Get(a models.Account) (Transport, error) {
	fp := a.Fingerprint()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCacheClosed
	}
	if e, ok := c.entries[a.ID]; ok {
		if e.fingerprint == fp {
			return e.transport, nil
		}
		c.closeAsync(a.ID, e.transport)
		delete(c.entries, a.ID)
	}

	t, err := c.factory(a)
	if err != nil {
		return nil, err
	}
	c.entries[a.ID] = cacheEntry{fingerprint: fp, transport: t}
	c.log.Debug("transport created", zap.String("account_id", a.ID))
	return t, nil
}

// Evict drops the transports of the given accounts. Sends already using
// them are not interrupted.
func (c *Cache) Evict(ids ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		if e, ok := c.entries[id]; ok {
			delete(c.entries, id)
			c.closeAsync(id, e.transport)
		}
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) Close() error {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]cacheEntry)
	c.closed = true
	c.mu.Unlock()

	var errs []error
	for _, e := range entries {
		if err := e.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Cache) closeAsync(id string, t Transport) {
	go func() {
		if err := t.Close(); err != nil {
			c.log.Debug("closing evicted transport", zap.String("account_id", id), zap.Error(err))
		}
	}()
}
