package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"crm-backend/internal/observability"
)

const maxTrackedIPs = 5000

// LoginRateLimiter throttles login requests per client IP with a token
// bucket of maxHits per window. Idle buckets age out of a bounded LRU.
type LoginRateLimiter struct {
	mu      sync.Mutex
	maxHits int
	window  time.Duration
	buckets *expirable.LRU[string, *rate.Limiter]
}

func NewLoginRateLimiter(maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		maxHits: maxHits,
		window:  window,
		buckets: expirable.NewLRU[string, *rate.Limiter](maxTrackedIPs, nil, 2*window),
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r), time.Now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeCodedError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	limiter, ok := l.buckets.Get(ip)
	if !ok {
		limiter = rate.NewLimiter(rate.Every(l.window/time.Duration(l.maxHits)), l.maxHits)
		l.buckets.Add(ip, limiter)
	}
	l.mu.Unlock()

	reservation := limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		if delay < time.Second {
			delay = time.Second
		}
		return false, delay
	}
	return true, 0
}
