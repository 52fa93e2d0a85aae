// Package pacer spreads a batch of sends over time. It only computes
// offsets; the queue applies them as each job's earliest run time.
package pacer

import (
	"math/rand/v2"
	"time"
)

type Config struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	// PerMessage draws a fresh interval for every gap instead of one
	// interval for the whole batch.
	PerMessage bool

	// RateLimit sends per RateWindow. Zero disables the ceiling.
	RateLimit  int
	RateWindow time.Duration
}

// Source is the subset of *rand.Rand the pacer needs.
type Source interface {
	Int64N(n int64) int64
}

type Pacer struct {
	cfg Config
	rng Source
}

// New returns a Pacer. A nil rng uses the global math/rand/v2 source.
func New(cfg Config, rng Source) *Pacer {
	if cfg.MinDelay < 0 {
		cfg.MinDelay = 0
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.RateLimit < 0 || cfg.RateWindow <= 0 {
		cfg.RateLimit = 0
	}
	if rng == nil {
		rng = globalSource{}
	}
	return &Pacer{cfg: cfg, rng: rng}
}

func (p *Pacer) Config() Config { return p.cfg }

// Schedule returns the delay for each of n messages, in submission order.
// The result is non-decreasing and starts at zero.
func (p *Pacer) Schedule(n int) []time.Duration {
	if n <= 0 {
		return nil
	}
	out := make([]time.Duration, n)

	interval := p.draw()
	var cum time.Duration
	for i := 1; i < n; i++ {
		if p.cfg.PerMessage {
			cum += p.draw()
		} else {
			cum = time.Duration(i) * interval
		}
		out[i] = cum
	}

	if p.cfg.RateLimit > 0 {
		for i := range out {
			slot := time.Duration(i/p.cfg.RateLimit) * p.cfg.RateWindow
			if slot > out[i] {
				out[i] = slot
			}
			if i > 0 && out[i] < out[i-1] {
				out[i] = out[i-1]
			}
		}
	}
	return out
}

// Last returns the largest offset of a schedule.
func Last(offsets []time.Duration) time.Duration {
	if len(offsets) == 0 {
		return 0
	}
	return offsets[len(offsets)-1]
}

func (p *Pacer) draw() time.Duration {
	span := p.cfg.MaxDelay - p.cfg.MinDelay
	if span <= 0 {
		return p.cfg.MinDelay
	}
	return p.cfg.MinDelay + time.Duration(p.rng.Int64N(int64(span)+1))
}

type globalSource struct{}

func (globalSource) Int64N(n int64) int64 { return rand.Int64N(n) }
