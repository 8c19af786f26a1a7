package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	apiContext "msggateway/internal/api/context"
	"msggateway/internal/pkg/errors"
	"msggateway/internal/platform/config"
)

type RateLimiter struct {
	store *sync.Map // map[string]*bucket
	limit rate.Limit
	burst int
	idle  time.Duration
}

type bucket struct {
	limiter    *rate.Limiter
	mu         sync.Mutex
	lastAccess time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig) *RateLimiter {
	perMinute := cfg.APIPerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		store: &sync.Map{},
		limit: rate.Limit(float64(perMinute) / 60.0),
		burst: burst,
		idle:  10 * time.Minute,
	}
}

// Run evicts idle buckets until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) error {
	ticker := time.NewTicker(rl.idle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

func (rl *RateLimiter) evict(now time.Time) {
	rl.store.Range(func(key, value interface{}) bool {
		b := value.(*bucket)
		b.mu.Lock()
		if now.Sub(b.lastAccess) > rl.idle {
			rl.store.Delete(key)
		}
		b.mu.Unlock()
		return true
	})
}

func (rl *RateLimiter) Allow(key string) bool {
	now := time.Now()
	val, _ := rl.store.LoadOrStore(key, &bucket{
		limiter:    rate.NewLimiter(rl.limit, rl.burst),
		lastAccess: now,
	})

	b := val.(*bucket)
	b.mu.Lock()
	b.lastAccess = now
	b.mu.Unlock()

	return b.limiter.AllowN(now, 1)
}

// Handle limits requests per tenant, or per client address before a tenant
// is known.
func (rl *RateLimiter) Handle(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := apiContext.TenantID(r.Context())
		if key == "" {
			key = "ip:" + r.RemoteAddr
		}

		if !rl.Allow(key) {
			retry := time.Duration(float64(time.Second) / float64(rl.limit))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			errors.WriteError(w, http.StatusTooManyRequests, errors.ErrCodeRateLimitExceeded, "Rate limit exceeded", nil)
			return
		}

		next(w, r)
	}
}
