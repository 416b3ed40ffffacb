// Package ratelimit provides per-IP sliding-window rate limiting for
// the quota-sensitive endpoints. Advisory and per-process: the window
// state lives in memory and is not shared across replicas.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/kudupay/kudu/internal/metrics"
)

// Config configures the limiter.
type Config struct {
	// Requests is the window capacity N.
	Requests int
	// Window is the window width W.
	Window time.Duration
	// CleanupInterval is how often idle IPs are evicted.
	CleanupInterval time.Duration
}

// DefaultConfig returns the production defaults: 60 requests per
// minute.
func DefaultConfig() Config {
	return Config{
		Requests:        60,
		Window:          time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Limiter tracks a bounded ring of event timestamps per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*ring
	stop    chan struct{}

	// now is the limiter clock; tests replace it.
	now func() time.Time
}

// ring is a fixed-capacity circular buffer of event times.
type ring struct {
	events []time.Time
	head   int
	count  int
	last   time.Time
}

func (r *ring) push(t time.Time) {
	r.events[(r.head+r.count)%len(r.events)] = t
	if r.count < len(r.events) {
		r.count++
	} else {
		r.head = (r.head + 1) % len(r.events)
	}
	r.last = t
}

// prune drops events older than the window start.
func (r *ring) prune(cutoff time.Time) {
	for r.count > 0 && !r.events[r.head].After(cutoff) {
		r.head = (r.head + 1) % len(r.events)
		r.count--
	}
}

// oldest returns the earliest event still in the window.
func (r *ring) oldest() time.Time {
	return r.events[r.head]
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.Requests <= 0 {
		cfg.Requests = DefaultConfig().Requests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*ring),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	go l.cleanup()
	return l
}

// cleanup evicts IPs idle for two full windows.
func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			cutoff := l.now().Add(-2 * l.cfg.Window)
			for key, r := range l.clients {
				if r.last.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

// Allow records an event for key and reports whether it fits the
// window. On rejection it also returns how long until a slot frees.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r, ok := l.clients[key]
	if !ok {
		r = &ring{events: make([]time.Time, l.cfg.Requests)}
		l.clients[key] = r
	}
	r.prune(now.Add(-l.cfg.Window))

	if r.count >= l.cfg.Requests {
		retryAfter := l.cfg.Window - now.Sub(r.oldest())
		if retryAfter < 0 {
			retryAfter = 0
		}
		r.last = now
		return false, retryAfter
	}
	r.push(now)
	return true, 0
}

// Middleware returns gin middleware limiting by client IP.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, retryAfter := l.Allow(c.ClientIP())
		if !ok {
			metrics.RateLimitedTotal.Inc()
			seconds := int(retryAfter.Seconds()) + 1
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Please slow down.",
				"retry_after": seconds,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
