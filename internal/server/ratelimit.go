package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

const limiterIdle = 3 * time.Minute

// writeLimiter throttles content writes per caller. Callers are keyed by
// user id when authenticated and by remote address otherwise.
type writeLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	clients *ttlcache.Cache[string, *rate.Limiter]
}

func newWriteLimiter(rps float64, burst int) *writeLimiter {
	clients := ttlcache.New(ttlcache.WithTTL[string, *rate.Limiter](limiterIdle))
	go clients.Start()
	return &writeLimiter{rps: rate.Limit(rps), burst: burst, clients: clients}
}

func (l *writeLimiter) allow(key string) bool {
	l.mu.Lock()
	var limiter *rate.Limiter
	if item := l.clients.Get(key); item != nil {
		limiter = item.Value()
	} else {
		limiter = rate.NewLimiter(l.rps, l.burst)
		l.clients.Set(key, limiter, ttlcache.DefaultTTL)
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *writeLimiter) stop() {
	l.clients.Stop()
}

func (s *Server) limitWrites(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := remoteHost(r)
		if claims := claimsFrom(r.Context()); claims != nil {
			key = "user:" + claims.UserID
		}
		if !s.limiter.allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
