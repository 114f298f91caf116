// Package api implements the REST API that exposes the game server status
// clients over HTTP.
package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RateLimiter is a fixed-window per-IP request limiter.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientWindow
	limit   int
	window  time.Duration
	now     func() time.Time
}

type clientWindow struct {
	requests int
	reset    time.Time
}

// NewRateLimiter allows limit requests per client IP in each window.
// A limit of zero or less disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]*clientWindow),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Middleware returns a Gin middleware that rate limits by client IP and
// reports the quota in X-RateLimit-* headers.
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.limit <= 0 {
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rl.limit))

		allowed, remaining, reset := rl.take(c.ClientIP())

		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(reset.Seconds())))

		if !allowed {
			respondError(c, http.StatusTooManyRequests, "Too Many Requests")
			c.Abort()
			return
		}

		c.Next()
	}
}

// take counts one request for ip and reports whether it is allowed, the
// remaining quota and the time until the window resets.
func (rl *RateLimiter) take(ip string) (bool, int, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	w, exists := rl.clients[ip]
	if !exists || !now.Before(w.reset) {
		w = &clientWindow{reset: now.Add(rl.window)}
		rl.clients[ip] = w
		rl.evict(now)
	}

	if w.requests >= rl.limit {
		return false, 0, w.reset.Sub(now)
	}

	w.requests++
	return true, rl.limit - w.requests, w.reset.Sub(now)
}

// evict drops expired windows. Called with mu held.
func (rl *RateLimiter) evict(now time.Time) {
	for ip, w := range rl.clients {
		if !now.Before(w.reset) {
			delete(rl.clients, ip)
		}
	}
}

// PoweredBy sets the X-Powered-By header on every response.
func PoweredBy(version string) gin.HandlerFunc {
	value := "crss/" + version
	return func(c *gin.Context) {
		c.Header("X-Powered-By", value)
		c.Next()
	}
}

// RequestLogger logs incoming HTTP requests.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		log.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Int("size", c.Writer.Size()).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP()).
			Str("user_agent", c.Request.UserAgent()).
			Msg("api request")
	}
}

// respondError writes the standard error body.
func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{
		"error":   status,
		"message": message,
	})
}
