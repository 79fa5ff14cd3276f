package h3

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

// Pacer caps the driver's aggregate transmit rate. The driver consults
// it non-blockingly: a denied grant reads as a flow-control block and
// the write retries on the drain cadence.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer builds a pacer from a megabit-per-second cap; mbps <= 0
// disables pacing.
func NewPacer(mbps float64) *Pacer {
	if mbps <= 0 {
		return nil
	}
	bytesPerSecond := (mbps * 1_000_000) / 8
	burst := int(bytesPerSecond / 10) // 100ms burst
	if burst < 4096 {
		burst = 4096
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst)}
}

// Allow reports whether n bytes may be sent now.
func (p *Pacer) Allow(n int) bool {
	if p == nil || p.limiter == nil {
		return true
	}
	if n > p.limiter.Burst() {
		n = p.limiter.Burst()
	}
	return p.limiter.AllowN(time.Now(), n)
}

// RateLimitedWriter wraps an io.Writer with blocking rate limiting,
// for application-side response producers that want pacing without
// involving the driver.
type RateLimitedWriter struct {
	W       io.Writer
	Limiter *rate.Limiter
}

func (rl *RateLimitedWriter) Write(p []byte) (int, error) {
	if rl.Limiter != nil {
		n := len(p)
		if n > rl.Limiter.Burst() {
			n = rl.Limiter.Burst()
		}
		if err := rl.Limiter.WaitN(context.Background(), n); err != nil {
			return 0, err
		}
	}
	return rl.W.Write(p)
}
