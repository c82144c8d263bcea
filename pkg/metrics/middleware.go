package metrics

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	limiterSweepInterval = 10 * time.Minute
	limiterStaleAfter    = 30 * time.Minute
)

// rateLimiter applies a per-client-IP token bucket to the exposition server.
// Stale client entries are swept periodically until close is called.
type rateLimiter struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	clients map[string]*rateLimiterEntry
	rate    rate.Limit
	burst   int
	enabled bool
	stop    chan struct{}
}

// rateLimiterEntry tracks a client's limiter and its last access time.
type rateLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newRateLimiter(logger zerolog.Logger, enabled bool, r float64, b int) *rateLimiter {
	rl := &rateLimiter{
		logger:  logger,
		clients: make(map[string]*rateLimiterEntry),
		rate:    rate.Limit(r),
		burst:   b,
		enabled: enabled,
		stop:    make(chan struct{}),
	}
	if enabled {
		go rl.sweepStaleClients()
	}
	return rl
}

// clientLimiter retrieves or creates the rate limiter for a client IP.
func (rl *rateLimiter) clientLimiter(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, exists := rl.clients[ip]
	if !exists {
		entry = &rateLimiterEntry{
			limiter:    rate.NewLimiter(rl.rate, rl.burst),
			lastAccess: time.Now(),
		}
		rl.clients[ip] = entry
	} else {
		entry.lastAccess = time.Now()
	}
	return entry.limiter
}

// sweepStaleClients drops limiters for clients not seen recently so the map
// does not grow without bound.
func (rl *rateLimiter) sweepStaleClients() {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			removed := 0
			for ip, entry := range rl.clients {
				if now.Sub(entry.lastAccess) > limiterStaleAfter {
					delete(rl.clients, ip)
					removed++
				}
			}
			if removed > 0 {
				rl.logger.Debug().Int("removed", removed).Int("remaining", len(rl.clients)).Msg("Swept stale rate limiters")
			}
			rl.mu.Unlock()
		case <-rl.stop:
			return
		}
	}
}

// close stops the sweep goroutine. Called once, by Server.Stop.
func (rl *rateLimiter) close() {
	close(rl.stop)
}

// middleware is the handler wrapper enforcing the limit.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.enabled {
			next.ServeHTTP(w, r)
			return
		}

		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			rl.logger.Warn().Err(err).Msg("Failed to get client IP for rate limiting")
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		if !rl.clientLimiter(ip).Allow() {
			rl.logger.Warn().Str("ip", ip).Msg("Rate limit exceeded")
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}
