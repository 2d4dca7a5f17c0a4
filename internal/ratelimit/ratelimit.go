// Package ratelimit implements the token-bucket limiter behind the demo
// tier. Paid requests never pass through it; demo requests are keyed by
// client IP.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// staleAfter is how long an idle client's bucket survives before the
// cleanup pass reclaims it.
const staleAfter = 2 * time.Minute

// Config sets the bucket geometry.
type Config struct {
	// RequestsPerMinute is the refill rate per client.
	RequestsPerMinute int

	// BurstSize caps the bucket, bounding how far above the sustained
	// rate a quiet client can spike.
	BurstSize int

	// CleanupInterval is how often idle buckets are reclaimed.
	CleanupInterval time.Duration
}

// DefaultConfig is the demo tier's geometry: one request per second
// sustained, short spikes of ten.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

type bucket struct {
	tokens   float64
	refilled time.Time
}

// New starts a limiter and its cleanup goroutine. Call Stop on shutdown.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		stop:    make(chan struct{}),
	}
	go l.reap()
	return l
}

func (l *Limiter) reap() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-staleAfter)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.refilled.Before(cutoff) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop ends the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow spends one token from key's bucket, reporting whether one was
// available. New clients start with a full burst.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{
			tokens:   float64(l.cfg.BurstSize - 1),
			refilled: now,
		}
		return true
	}

	perSecond := float64(l.cfg.RequestsPerMinute) / 60.0
	b.tokens += now.Sub(b.refilled).Seconds() * perSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.refilled = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Middleware rejects over-limit demo requests with 429.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": 1,
			})
			return
		}
		c.Next()
	}
}
