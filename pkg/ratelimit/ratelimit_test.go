package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/prismproxy/prism/pkg/config"
)

func newTestLimiter(rpm int) (*Limiter, *time.Time) {
	cfg := &config.Config{Backends: map[config.BackendType]config.BackendConfig{
		config.BackendOpenAI: {RequestsPerMinute: rpm},
	}}
	l := New(cfg, nil)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestCheckUnlimitedBackend(t *testing.T) {
	l, _ := newTestLimiter(0)
	res := l.Check(config.BackendOpenAI, "k1")
	assert.True(t, res.Allowed)
}

func TestWindowExhaustion(t *testing.T) {
	l, now := newTestLimiter(2)

	for i := 0; i < 2; i++ {
		res := l.Check(config.BackendOpenAI, "k1")
		assert.True(t, res.Allowed)
		l.RecordUsage(config.BackendOpenAI, "k1")
	}

	res := l.Check(config.BackendOpenAI, "k1")
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.Equal(t, "local window exhausted", res.Reason)

	// Another key of the same backend is unaffected.
	assert.True(t, l.Check(config.BackendOpenAI, "k2").Allowed)

	// The window rolls over.
	*now = now.Add(61 * time.Second)
	assert.True(t, l.Check(config.BackendOpenAI, "k1").Allowed)
}

func TestCooldown(t *testing.T) {
	l, now := newTestLimiter(0)

	l.MarkCooldown(config.BackendOpenAI, "k1", 30*time.Second)
	res := l.Check(config.BackendOpenAI, "k1")
	assert.False(t, res.Allowed)
	assert.Equal(t, "upstream cooldown", res.Reason)
	assert.InDelta(t, 30*time.Second, res.RetryAfter, float64(time.Second))

	// A shorter cooldown never shortens an existing one.
	l.MarkCooldown(config.BackendOpenAI, "k1", 5*time.Second)
	res = l.Check(config.BackendOpenAI, "k1")
	assert.InDelta(t, 30*time.Second, res.RetryAfter, float64(time.Second))

	*now = now.Add(31 * time.Second)
	assert.True(t, l.Check(config.BackendOpenAI, "k1").Allowed)
}
