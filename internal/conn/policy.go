package conn

import (
	"math"
	"time"
)

// ReconnectPolicy is a bounded exponential backoff.
// Attempt counts failed connects and unexpected closes since the last
// successful open.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Attempt      int
}

// Delay returns min(InitialDelay * Factor^attempt, MaxDelay).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt))
	if math.IsInf(d, 0) || math.IsNaN(d) || d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Next is the delay for the current attempt count.
func (p ReconnectPolicy) Next() time.Duration {
	return p.Delay(p.Attempt)
}

// Failed records a failed connect or an unexpected close.
func (p *ReconnectPolicy) Failed() {
	p.Attempt++
}

// Reset is called on a successful open.
func (p *ReconnectPolicy) Reset() {
	p.Attempt = 0
}
