package enrollment

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// fingerprintLimiter caps enrollment creation per source identity: a burst
// allowance plus a sustained per-minute rate, keyed by the requester's
// certificate fingerprint. Idle entries are pruned so an abusive scan of
// fresh fingerprints does not grow the map forever.
type fingerprintLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	perMin   float64
	burst    int
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newFingerprintLimiter(perMin float64, burst int) *fingerprintLimiter {
	return &fingerprintLimiter{
		limiters: make(map[string]*limiterEntry),
		perMin:   perMin,
		burst:    burst,
	}
}

// Allow reports whether the identity may create another enrollment now.
func (l *fingerprintLimiter) Allow(fingerprint string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[fingerprint]
	if !ok {
		entry = &limiterEntry{
			limiter: rate.NewLimiter(rate.Limit(l.perMin/60.0), l.burst),
		}
		l.limiters[fingerprint] = entry
	}
	entry.lastSeen = time.Now()

	if len(l.limiters) > 1024 {
		l.pruneLocked()
	}

	return entry.limiter.Allow()
}

func (l *fingerprintLimiter) pruneLocked() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for fp, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, fp)
		}
	}
}
