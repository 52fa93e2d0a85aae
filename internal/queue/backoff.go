package queue

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"MailPacer/internal/models"
)

const maxRetryDelay = 24 * time.Hour

// RetryDelay returns the wait before retry number attempt (1-based):
// Base * 2^(attempt-1), capped at Max.
func RetryDelay(p models.BackoffPolicy, attempt int) time.Duration {
	if p.Base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = maxRetryDelay
	}
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
