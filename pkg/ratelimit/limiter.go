// Package ratelimit implements the per-peer token bucket described in
// spec §4.4, built directly on golang.org/x/time/rate — whose Limiter
// already *is* a token bucket (burst capacity, refill rate per second) —
// rather than hand-rolling one.
package ratelimit

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Decision is the outcome of a Check call.
type Decision struct {
	Allowed      bool
	RetryAfterMS int64
}

// Config controls bucket capacity and refill rate, loaded from environment
// per spec §6.5 with validation falling back to these defaults.
type Config struct {
	Burst          int
	SustainedPerSec float64
	// IdleTimeout is how long a peer's bucket may sit unused before the
	// cleanup task reclaims it (spec §4.4).
	IdleTimeout time.Duration
}

// DefaultConfig matches spec §6.5's documented defaults.
func DefaultConfig() Config {
	return Config{Burst: 100, SustainedPerSec: 10, IdleTimeout: 10 * time.Minute}
}

type bucket struct {
	limiter    *rate.Limiter
	lastUsedAt time.Time
}

// Limiter holds one token bucket per peer id.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	cfg     Config

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New constructs a Limiter and starts its background cleanup task.
func New(cfg Config) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Check consumes one token for peerID, creating its bucket on first use.
func (l *Limiter) Check(peerID string) Decision {
	l.mu.Lock()
	b, ok := l.buckets[peerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.SustainedPerSec), l.cfg.Burst)}
		l.buckets[peerID] = b
	}
	b.lastUsedAt = time.Now()
	reservation := b.limiter.ReserveN(time.Now(), 1)
	l.mu.Unlock()

	if !reservation.OK() {
		// A single token will never exceed burst capacity, so this path
		// is unreachable in practice; treat it as a hard reject.
		return Decision{Allowed: false, RetryAfterMS: int64(l.cfg.IdleTimeout / time.Millisecond)}
	}

	delay := reservation.Delay()
	if delay <= 0 {
		return Decision{Allowed: true}
	}
	reservation.Cancel()
	return Decision{Allowed: false, RetryAfterMS: delay.Milliseconds()}
}

// Remove drops peerID's bucket, used when the connection registry
// deregisters the peer (spec §4.3).
func (l *Limiter) Remove(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, peerID)
}

// Stop halts the cleanup task.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cfg.IdleTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

func (l *Limiter) sweep() {
	cutoff := time.Now().Add(-l.cfg.IdleTimeout)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, b := range l.buckets {
		if b.lastUsedAt.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("ratelimit: swept idle buckets")
	}
}

// BucketCount reports how many peer buckets are currently tracked, used
// by tests and diagnostics.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
