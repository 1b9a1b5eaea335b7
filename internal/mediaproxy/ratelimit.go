package mediaproxy

import (
	"net"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter token-bucket limits requests per client identity, built
// directly on golang.org/x/time/rate instead of echo's middleware store, so
// the same limiter can guard both the media proxy and the read API.
type RateLimiter struct {
	rps   rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a RateLimiter allowing ratePerSecond requests per
// client identity, with the given burst.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		rps:      rate.Limit(ratePerSecond),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Allow reports whether a request from clientID may proceed, consuming a
// token if so.
func (rl *RateLimiter) Allow(clientID string) bool {
	rl.mu.Lock()
	lim, ok := rl.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[clientID] = lim
	}
	rl.mu.Unlock()
	return lim.Allow()
}

// ClientIP extracts the caller's IP address from r, trusting
// X-Forwarded-For only when the immediate peer (RemoteAddr) is in
// trustedProxies. Otherwise RemoteAddr itself is the client identity, so a
// configurable trusted-proxy list is required rather than blanket-trusting
// any forwarding header.
func ClientIP(r *http.Request, trustedProxies []string) string {
	remoteHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remoteHost = r.RemoteAddr
	}

	if !isTrustedProxy(remoteHost, trustedProxies) {
		return remoteHost
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		first := strings.TrimSpace(parts[0])
		if first != "" {
			return first
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return remoteHost
}

func isTrustedProxy(host string, trustedProxies []string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidrOrIP := range trustedProxies {
		if cidrOrIP == host {
			return true
		}
		if _, network, err := net.ParseCIDR(cidrOrIP); err == nil && network.Contains(ip) {
			return true
		}
	}
	return false
}
