package middleware

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

type bucket struct {
	tokens     int
	lastRefill time.Time
}

var (
	rlMu        sync.Mutex
	buckets     = map[string]*bucket{}
	window      = 10 * time.Second
	capacity    = 5
	refillPerWd = capacity

	cgMu        sync.Mutex
	sessionSem  = map[string]*slot{}
	sessionConc = 2
)

// slot is a per-session semaphore; users counts holders and waiters so the
// entry can be dropped when nobody references it.
type slot struct {
	ch    chan struct{}
	users int
}

func SetRateLimitConfig(win time.Duration, cap, conc int) {
	rlMu.Lock()
	window = win
	capacity = cap
	refillPerWd = cap
	buckets = map[string]*bucket{}
	rlMu.Unlock()
	cgMu.Lock()
	sessionConc = conc
	cgMu.Unlock()
}

func clientIP(c *gin.Context) string {
	ip := strings.TrimSpace(c.ClientIP())
	if ip == "" {
		host, _, _ := net.SplitHostPort(strings.TrimSpace(c.Request.RemoteAddr))
		ip = host
	}
	return ip
}

// RateLimit is a token bucket per client address.
func RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientIP(c)
		now := time.Now()

		rlMu.Lock()
		b := buckets[key]
		if b == nil {
			b = &bucket{tokens: capacity, lastRefill: now}
			buckets[key] = b
		}
		elapsed := now.Sub(b.lastRefill)
		if elapsed > 0 {
			add := int(float64(refillPerWd) * (float64(elapsed) / float64(window)))
			if add > 0 {
				b.tokens += add
				if b.tokens > capacity {
					b.tokens = capacity
				}
				b.lastRefill = now
			}
		}
		if b.tokens <= 0 {
			rlMu.Unlock()
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": "rate_limit:api", "message": "too many requests"})
			return
		}
		b.tokens--
		rlMu.Unlock()

		c.Next()
	}
}

// AcquireSessionSlot blocks until the session has a free relay slot or ctx
// ends. The returned release must be called exactly once.
func AcquireSessionSlot(ctx context.Context, sessionID string) (release func(), err error) {
	cgMu.Lock()
	s := sessionSem[sessionID]
	if s == nil {
		s = &slot{ch: make(chan struct{}, sessionConc)}
		sessionSem[sessionID] = s
	}
	s.users++
	cgMu.Unlock()

	drop := func() {
		cgMu.Lock()
		s.users--
		if s.users == 0 {
			delete(sessionSem, sessionID)
		}
		cgMu.Unlock()
	}

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		drop()
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			drop()
		})
	}, nil
}
