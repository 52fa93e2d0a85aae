package pacer

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestFixedInterval(t *testing.T) {
	p := New(Config{MinDelay: 5 * time.Second, MaxDelay: 5 * time.Second}, nil)
	got := p.Schedule(3)
	want := []time.Duration{0, 5 * time.Second, 10 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", got, want)
		}
	}
	if Last(got) != 10*time.Second {
		t.Fatalf("last = %v", Last(got))
	}
}

func TestScheduleIsMonotonic(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"per batch", Config{MinDelay: time.Second, MaxDelay: 9 * time.Second}},
		{"per message", Config{MinDelay: time.Second, MaxDelay: 9 * time.Second, PerMessage: true}},
		{"rate ceiling", Config{MaxDelay: 2 * time.Second, PerMessage: true, RateLimit: 3, RateWindow: time.Minute}},
		{"zero delay", Config{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for seed := uint64(0); seed < 20; seed++ {
				p := New(tt.cfg, rand.New(rand.NewPCG(seed, seed+1)))
				got := p.Schedule(50)
				if got[0] != 0 {
					t.Fatalf("first offset = %v", got[0])
				}
				for i := 1; i < len(got); i++ {
					if got[i] < got[i-1] {
						t.Fatalf("seed %d: offset %d (%v) before offset %d (%v)", seed, i, got[i], i-1, got[i-1])
					}
				}
			}
		})
	}
}

func TestIntervalWithinBounds(t *testing.T) {
	p := New(Config{MinDelay: 2 * time.Second, MaxDelay: 4 * time.Second, PerMessage: true}, rand.New(rand.NewPCG(1, 2)))
	got := p.Schedule(200)
	for i := 1; i < len(got); i++ {
		gap := got[i] - got[i-1]
		if gap < 2*time.Second || gap > 4*time.Second {
			t.Fatalf("gap %d = %v, outside [2s,4s]", i, gap)
		}
	}
}

func TestRateCeiling(t *testing.T) {
	p := New(Config{RateLimit: 2, RateWindow: time.Minute}, nil)
	got := p.Schedule(5)
	want := []time.Duration{0, 0, time.Minute, time.Minute, 2 * time.Minute}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", got, want)
		}
	}
}

func TestEmptyBatch(t *testing.T) {
	if got := New(Config{}, nil).Schedule(0); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}
