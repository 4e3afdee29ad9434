package ingestion

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// sourceRateLimiter throttles admission per event source, generalizing the
// teacher's per-IP/global two-level connection limiter (ws/internal/shared
// /limits/connection_rate_limiter.go) to a per-source/global admission
// limiter: a noisy game server shouldn't be able to starve the others.
type sourceRateLimiter struct {
	mu       sync.Mutex
	sources  map[string]*sourceLimiterEntry
	sourceTTL time.Duration
	burst    int
	rate     float64

	global *rate.Limiter

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

type sourceLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// rateLimiterConfig tunes the per-source and global admission rates.
type rateLimiterConfig struct {
	SourceBurst int
	SourceRate  float64
	SourceTTL   time.Duration
	GlobalBurst int
	GlobalRate  float64
}

func (c *rateLimiterConfig) setDefaults() {
	if c.SourceBurst == 0 {
		c.SourceBurst = 200
	}
	if c.SourceRate == 0 {
		c.SourceRate = 100
	}
	if c.SourceTTL == 0 {
		c.SourceTTL = 5 * time.Minute
	}
	if c.GlobalBurst == 0 {
		c.GlobalBurst = 5000
	}
	if c.GlobalRate == 0 {
		c.GlobalRate = 2000
	}
}

func newSourceRateLimiter(cfg rateLimiterConfig) *sourceRateLimiter {
	cfg.setDefaults()
	l := &sourceRateLimiter{
		sources:     make(map[string]*sourceLimiterEntry),
		sourceTTL:   cfg.SourceTTL,
		burst:       cfg.SourceBurst,
		rate:        cfg.SourceRate,
		global:      rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		stopCleanup: make(chan struct{}),
	}
	l.cleanupTicker = time.NewTicker(time.Minute)
	go l.cleanupLoop()
	return l
}

// allow reports whether an event from source may be admitted now: the
// global limit is checked first (system-wide protection), then the
// per-source limit (so one misbehaving source can't starve the rest).
func (l *sourceRateLimiter) allow(source string) bool {
	if !l.global.Allow() {
		return false
	}
	return l.entryFor(source).Allow()
}

func (l *sourceRateLimiter) entryFor(source string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.sources[source]
	if ok {
		e.lastAccess = time.Now()
		return e.limiter
	}
	e = &sourceLimiterEntry{limiter: rate.NewLimiter(rate.Limit(l.rate), l.burst), lastAccess: time.Now()}
	l.sources[source] = e
	return e.limiter
}

func (l *sourceRateLimiter) cleanupLoop() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanup()
		case <-l.stopCleanup:
			l.cleanupTicker.Stop()
			return
		}
	}
}

func (l *sourceRateLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for source, e := range l.sources {
		if now.Sub(e.lastAccess) > l.sourceTTL {
			delete(l.sources, source)
		}
	}
}

func (l *sourceRateLimiter) stop() {
	close(l.stopCleanup)
}
