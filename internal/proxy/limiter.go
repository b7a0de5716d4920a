package proxy

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultRPS   = 5
	defaultBurst = 10
	// idleTTL is how long a client's bucket survives without requests.
	idleTTL = 10 * time.Minute
)

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// clientLimits rate limits per client address. Buckets idle for longer
// than ttl are dropped, so memory is bounded by the clients seen within
// one ttl.
type clientLimits struct {
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*clientBucket
	swept   time.Time
}

func newClientLimits(rps float64, burst int) *clientLimits {
	if rps <= 0 {
		rps = defaultRPS
	}
	if burst <= 0 {
		burst = defaultBurst
	}
	return &clientLimits{
		limit:   rate.Limit(rps),
		burst:   burst,
		ttl:     idleTTL,
		now:     time.Now,
		buckets: make(map[string]*clientBucket),
	}
}

func (c *clientLimits) bucket(client string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if now.Sub(c.swept) >= c.ttl {
		for k, b := range c.buckets {
			if now.Sub(b.lastSeen) >= c.ttl {
				delete(c.buckets, k)
			}
		}
		c.swept = now
	}

	b, ok := c.buckets[client]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[client] = b
	}
	b.lastSeen = now
	return b.limiter
}

func (c *clientLimits) Allow(client string) bool {
	return c.bucket(client).Allow()
}

func (c *clientLimits) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
