package api

import (
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSSELimiter_PerIPCap(t *testing.T) {
	l := NewSSELimiter()

	for i := 0; i < MaxSSEPerIP; i++ {
		assert.True(t, l.Acquire("10.0.0.1"))
	}
	assert.False(t, l.Acquire("10.0.0.1"))

	// other IPs unaffected
	assert.True(t, l.Acquire("10.0.0.2"))

	l.Release("10.0.0.1")
	assert.True(t, l.Acquire("10.0.0.1"))
}

func TestSSELimiter_ReleaseCleansUp(t *testing.T) {
	l := NewSSELimiter()

	assert.True(t, l.Acquire("10.0.0.1"))
	assert.Equal(t, int64(1), l.GlobalCount())
	l.Release("10.0.0.1")
	assert.Equal(t, int64(0), l.GlobalCount())

	l.mu.Lock()
	_, ok := l.perIP["10.0.0.1"]
	l.mu.Unlock()
	assert.False(t, ok)
}

func TestSSELimiter_GlobalCount(t *testing.T) {
	l := NewSSELimiter()
	for i := 0; i < 5; i++ {
		assert.True(t, l.Acquire(fmt.Sprintf("10.0.0.%d", i)))
	}
	assert.Equal(t, int64(5), l.GlobalCount())
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.168.1.5:4312"
	assert.Equal(t, "192.168.1.5", clientIP(r))

	r.Header.Set("X-Real-Ip", "203.0.113.9")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}
