// Package bandwidth implements the session-wide transfer rate limiter. A
// single token bucket is shared by all streams of a session so the
// configured limit holds for the aggregate, not per stream.
package bandwidth

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// burstFactor sizes the bucket relative to the per-second limit. One
// chunk of headroom smooths scheduling jitter without letting the
// average rate drift.
const burstFactor = 2

// Limiter meters payload bytes across the streams of one session.
// A limit of zero means unlimited. Safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	limit   int64
}

// NewLimiter creates a limiter capped at bytesPerSec. Zero means no
// limit.
func NewLimiter(bytesPerSec int64) *Limiter {
	l := &Limiter{}
	l.SetLimit(bytesPerSec)
	return l
}

// Limit returns the configured cap in bytes per second, zero when
// unlimited.
func (l *Limiter) Limit() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limit
}

// SetLimit changes the cap for all subsequent acquisitions. In-flight
// waiters finish under the old rate; new ones observe the new rate
// immediately. Zero removes the cap.
func (l *Limiter) SetLimit(bytesPerSec int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limit = bytesPerSec
	if bytesPerSec <= 0 {
		l.limiter = nil
		return
	}
	burst := int(bytesPerSec) * burstFactor
	if l.limiter == nil {
		l.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), burst)
		return
	}
	l.limiter.SetLimit(rate.Limit(bytesPerSec))
	l.limiter.SetBurst(burst)
}

// Acquire blocks until n bytes may be sent or ctx is cancelled. Requests
// larger than the bucket are split so a chunk bigger than the burst still
// goes through at the configured rate.
func (l *Limiter) Acquire(ctx context.Context, n int) error {
	if n <= 0 {
		return nil
	}
	for n > 0 {
		l.mu.Lock()
		lim := l.limiter
		l.mu.Unlock()
		if lim == nil {
			return nil
		}
		take := n
		if burst := lim.Burst(); take > burst {
			take = burst
		}
		if err := lim.WaitN(ctx, take); err != nil {
			return fmt.Errorf("bandwidth wait: %w", err)
		}
		n -= take
	}
	return nil
}
