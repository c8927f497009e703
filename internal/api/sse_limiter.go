package api

import (
	"net"
	"net/http"
	"sync"
	"sync/atomic"
)

// Limits on long-lived chat streams.
const (
	// MaxSSEPerIP caps concurrent streams from one client IP.
	MaxSSEPerIP = 10

	// MaxSSEGlobal caps concurrent streams across all clients.
	MaxSSEGlobal = 1000
)

// SSELimiter tracks concurrent stream connections per IP and globally:
// an atomic counter for the global cap, a mutex-protected map per IP.
type SSELimiter struct {
	globalCount atomic.Int64
	mu          sync.Mutex
	perIP       map[string]*atomic.Int64
}

// NewSSELimiter creates the limiter.
func NewSSELimiter() *SSELimiter {
	return &SSELimiter{perIP: make(map[string]*atomic.Int64)}
}

// Acquire registers a new stream for the IP. Returns false when a limit
// is exceeded. On success the caller must Release when the stream ends.
func (l *SSELimiter) Acquire(ip string) bool {
	if l.globalCount.Load() >= MaxSSEGlobal {
		return false
	}

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	if !ok {
		counter = &atomic.Int64{}
		l.perIP[ip] = counter
	}
	l.mu.Unlock()

	if counter.Load() >= int64(MaxSSEPerIP) {
		return false
	}

	// Increment, then re-check: another goroutine may have raced past
	// the load above.
	ipCount := counter.Add(1)
	globalCount := l.globalCount.Add(1)
	if ipCount > int64(MaxSSEPerIP) || globalCount > MaxSSEGlobal {
		counter.Add(-1)
		l.globalCount.Add(-1)
		return false
	}
	return true
}

// Release decrements the counters. Call exactly once per successful
// Acquire.
func (l *SSELimiter) Release(ip string) {
	l.globalCount.Add(-1)

	l.mu.Lock()
	counter, ok := l.perIP[ip]
	l.mu.Unlock()

	if ok && counter.Add(-1) <= 0 {
		l.mu.Lock()
		if counter.Load() <= 0 {
			delete(l.perIP, ip)
		}
		l.mu.Unlock()
	}
}

// GlobalCount returns the live global stream count.
func (l *SSELimiter) GlobalCount() int64 { return l.globalCount.Load() }

// clientIP prefers X-Real-Ip (set by chi's RealIP middleware), falling
// back to RemoteAddr with the port stripped.
func clientIP(r *http.Request) string {
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
