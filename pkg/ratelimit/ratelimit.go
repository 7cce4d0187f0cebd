// Package ratelimit tracks per-(backend, key) usage windows and cooldowns.
// Two signals gate a key: a fixed one-minute request window configured
// locally, and upstream-driven cooldowns recorded from 429 responses.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prismproxy/prism/pkg/config"
)

// CheckResult reports whether a (backend, key) may be used now.
type CheckResult struct {
	Allowed    bool
	RetryAfter time.Duration // 0 when Allowed
	Reason     string
}

type keyState struct {
	windowStart  time.Time
	windowCount  int
	cooldownOver time.Time
}

// Limiter is safe for concurrent use. State is keyed by "backend/keyName".
type Limiter struct {
	mu     sync.Mutex
	keys   map[string]*keyState
	limits map[config.BackendType]int
	logger *slog.Logger
	now    func() time.Time
}

const window = time.Minute

func New(cfg *config.Config, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	limits := make(map[config.BackendType]int, len(cfg.Backends))
	for bt, bc := range cfg.Backends {
		if bc.RequestsPerMinute > 0 {
			limits[bt] = bc.RequestsPerMinute
		}
	}
	return &Limiter{
		keys:   make(map[string]*keyState),
		limits: limits,
		logger: logger,
		now:    time.Now,
	}
}

func stateKey(backend config.BackendType, keyName string) string {
	return fmt.Sprintf("%s/%s", backend, keyName)
}

func (l *Limiter) state(backend config.BackendType, keyName string) *keyState {
	k := stateKey(backend, keyName)
	s, ok := l.keys[k]
	if !ok {
		s = &keyState{}
		l.keys[k] = s
	}
	return s
}

// Check reports whether the key may be used. It does not consume quota;
// call RecordUsage after a successful dispatch.
func (l *Limiter) Check(backend config.BackendType, keyName string) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.state(backend, keyName)

	if now.Before(s.cooldownOver) {
		return CheckResult{
			RetryAfter: s.cooldownOver.Sub(now),
			Reason:     "upstream cooldown",
		}
	}

	limit, ok := l.limits[backend]
	if !ok {
		return CheckResult{Allowed: true}
	}
	if now.Sub(s.windowStart) >= window {
		return CheckResult{Allowed: true}
	}
	if s.windowCount < limit {
		return CheckResult{Allowed: true}
	}
	return CheckResult{
		RetryAfter: s.windowStart.Add(window).Sub(now),
		Reason:     "local window exhausted",
	}
}

// RecordUsage consumes one request from the key's current window.
func (l *Limiter) RecordUsage(backend config.BackendType, keyName string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := l.state(backend, keyName)
	if now.Sub(s.windowStart) >= window {
		s.windowStart = now
		s.windowCount = 0
	}
	s.windowCount++
}

// MarkCooldown blocks the key until now+d, as instructed by an upstream
// 429. A longer existing cooldown is kept.
func (l *Limiter) MarkCooldown(backend config.BackendType, keyName string, d time.Duration) {
	if d <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	s := l.state(backend, keyName)
	over := l.now().Add(d)
	if over.After(s.cooldownOver) {
		s.cooldownOver = over
		l.logger.Warn("key cooling down",
			"backend", backend, "key", keyName, "until", over.Format(time.RFC3339))
	}
}
