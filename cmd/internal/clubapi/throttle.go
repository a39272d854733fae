package clubapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const throttleIdleTTL = 10 * time.Minute

// throttle is a per-principal token bucket for message-sending routes.
type throttle struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	buckets map[string]*bucket
	lastGC  time.Time
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newThrottle(every time.Duration, burst int) *throttle {
	if every <= 0 {
		every = 2 * time.Second
	}
	if burst <= 0 {
		burst = 10
	}
	return &throttle{every: every, burst: burst, buckets: make(map[string]*bucket)}
}

// reserve reports whether key may proceed now, or how long to wait.
func (t *throttle) reserve(key string, now time.Time) (bool, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.lastGC) > throttleIdleTTL {
		for k, b := range t.buckets {
			if now.Sub(b.seen) > throttleIdleTTL {
				delete(t.buckets, k)
			}
		}
		t.lastGC = now
	}

	b := t.buckets[key]
	if b == nil {
		b = &bucket{lim: rate.NewLimiter(rate.Every(t.every), t.burst)}
		t.buckets[key] = b
	}
	b.seen = now
	if b.lim.AllowN(now, 1) {
		return true, 0
	}
	r := b.lim.ReserveN(now, 1)
	wait := r.DelayFrom(now)
	r.CancelAt(now)
	return false, wait
}

func (h *Handler) throttled(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, wait := h.sends.reserve(actorID(r), time.Now())
		if !ok {
			secs := int64(wait/time.Second) + 1
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many messages, slow down")
			return
		}
		next.ServeHTTP(w, r)
	})
}
