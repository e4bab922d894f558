package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Package middleware holds HTTP middleware for the ingest surface.
//
// The ingest endpoints are the only producer-facing write path; a runaway
// producer can flood the ring buffers and starve the cycle window of useful
// observations. The rate limiter caps each producer with a token bucket
// keyed by actor (X-Opspulse-Actor header) falling back to source IP.

// IngestLimiter is a per-producer token bucket rate limiter.
type IngestLimiter struct {
	mu           sync.Mutex
	producers    map[string]*bucket
	tokensPerMin int
	now          func() time.Time
	stop         chan struct{}
	stopOnce     sync.Once
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

// NewIngestLimiter creates a limiter granting tokensPerMin requests per
// producer per minute.
func NewIngestLimiter(tokensPerMin int) *IngestLimiter {
	l := &IngestLimiter{
		producers:    make(map[string]*bucket),
		tokensPerMin: tokensPerMin,
		now:          time.Now,
		stop:         make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// Wrap enforces the limit on a handler. Over-limit requests get 429.
func (l *IngestLimiter) Wrap(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(producerKey(r)) {
			http.Error(w, "Ingest rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// Allow consumes one token for the producer, refilling from elapsed time.
func (l *IngestLimiter) Allow(producer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.producers[producer]
	if !ok {
		l.producers[producer] = &bucket{tokens: l.tokensPerMin - 1, lastRefill: now}
		return true
	}

	refill := int(now.Sub(b.lastRefill).Minutes() * float64(l.tokensPerMin))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.tokensPerMin {
			b.tokens = l.tokensPerMin
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// cleanup drops producers idle for more than ten minutes.
func (l *IngestLimiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := l.now()
			for producer, b := range l.producers {
				if now.Sub(b.lastRefill) > 10*time.Minute {
					delete(l.producers, producer)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *IngestLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// producerKey identifies the producer behind a request.
func producerKey(r *http.Request) string {
	if actor := r.Header.Get("X-Opspulse-Actor"); actor != "" {
		return actor
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
