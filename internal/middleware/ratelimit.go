package myMiddleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type userLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// RateLimiter hands each authenticated user a token bucket and evicts idle
// buckets in the background.
type RateLimiter struct {
	mu   sync.Mutex
	m    map[int]*userLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
}

func NewRateLimiter(r rate.Limit, burst int) *RateLimiter {
	rl := &RateLimiter{
		m:    make(map[int]*userLimiter),
		r:    r,
		b:    burst,
		ttl:  2 * time.Minute,
		stop: make(chan struct{}),
	}
	go rl.gc()
	return rl
}

func (rl *RateLimiter) get(userID int) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	ul, ok := rl.m[userID]
	if ok {
		ul.ts = time.Now()
		return ul.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[userID] = &userLimiter{lim: lim, ts: time.Now()}
	return lim
}

func (rl *RateLimiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			now := time.Now()
			rl.mu.Lock()
			for id, ul := range rl.m {
				if now.Sub(ul.ts) > rl.ttl {
					delete(rl.m, id)
				}
			}
			rl.mu.Unlock()
		}
	}
}

// Stop halts the GC goroutine for graceful shutdown.
func (rl *RateLimiter) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// Handle rejects requests that exceed the caller's bucket. Must run after the
// auth middleware; unauthenticated requests pass through and fail there.
func (rl *RateLimiter) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := r.Context().Value(UserKey).(int)
		if ok && !rl.get(userID).Allow() {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
