package httpmiddleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const idleEviction = 10 * time.Minute

// TokenBucket is an in-memory per-client rate limiter. Buckets refill
// continuously up to capacity, and clients idle past the eviction
// horizon are dropped on the way through, so the map stays bounded by
// the active client set.
type TokenBucket struct {
	capacity  int
	rate      int
	mu        sync.Mutex
	state     map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewTokenBucket creates a limiter allowing perMinute requests per
// client, with bursts up to the same size.
func NewTokenBucket(perMinute int) *TokenBucket {
	if perMinute <= 0 {
		perMinute = 60
	}
	return &TokenBucket{
		capacity: perMinute,
		rate:     perMinute,
		state:    make(map[string]*bucket),
	}
}

// GinMiddleware enforces the per-IP limit.
func (l *TokenBucket) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.allow(ip, time.Now()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func (l *TokenBucket) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) >= idleEviction {
		for k, b := range l.state {
			if now.Sub(b.last) >= idleEviction {
				delete(l.state, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.state[key]
	if !ok {
		l.state[key] = &bucket{tokens: l.capacity - 1, last: now}
		return true
	}
	refill := int(now.Sub(b.last).Minutes() * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}
