package transport

import (
	"sync"

	"golang.org/x/time/rate"
)

// deviceLimiter is a per-device token bucket gating inbound telemetry
// so one noisy device cannot starve the others.
type deviceLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func newDeviceLimiter(perSecond float64, burst int) *deviceLimiter {
	return &deviceLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(perSecond),
		b:        burst,
	}
}

func (l *deviceLimiter) allow(deviceID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[deviceID]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[deviceID] = lim
	}
	return lim.Allow()
}
