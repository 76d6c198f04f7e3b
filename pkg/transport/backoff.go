package transport

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: Base * Factor^attempt, capped at Max.
// With Jitter set the delay is drawn from [d/2, d].
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter bool
}

func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Factor: 2,
		Max:    30 * time.Second,
		Jitter: true,
	}
}

func (b Backoff) Duration(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if b.Max > 0 && d >= float64(b.Max) {
			d = float64(b.Max)
			break
		}
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter && d > 1 {
		half := d / 2
		d = half + rand.Float64()*half
	}
	return time.Duration(d)
}
