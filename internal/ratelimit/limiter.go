// Package ratelimit bounds how many tool calls one conversation may issue.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"editoragent/internal/domain"
)

// Sentinel denials, checked with errors.Is. The messages are shown to the model.
var (
	ErrSessionLimit = errors.New("session limit exceeded")
	ErrMinuteLimit  = errors.New("rate limit exceeded")
	ErrCooldown     = errors.New("cooldown active")
)

// Denial is returned by Check when a gate refuses the call.
type Denial struct {
	Reason  error
	Message string
}

func (d *Denial) Error() string { return d.Message }
func (d *Denial) Unwrap() error { return d.Reason }

// Config holds the three gate limits.
type Config struct {
	MaxPerMinute  int
	MaxPerSession int
	Cooldown      time.Duration
	Window        time.Duration
}

// DefaultConfig returns 30 calls per minute, 100 per session, 2s apart.
func DefaultConfig() Config {
	return Config{
		MaxPerMinute:  30,
		MaxPerSession: 100,
		Cooldown:      2000 * time.Millisecond,
		Window:        time.Minute,
	}
}

// FromDomain converts the persisted rate limit settings, keeping defaults for
// unset (zero) fields.
func FromDomain(c domain.RateLimitConfig) Config {
	cfg := DefaultConfig()
	if c.MaxPerMinute > 0 {
		cfg.MaxPerMinute = c.MaxPerMinute
	}
	if c.MaxPerSession > 0 {
		cfg.MaxPerSession = c.MaxPerSession
	}
	if c.CooldownMs > 0 {
		cfg.Cooldown = time.Duration(c.CooldownMs) * time.Millisecond
	}
	return cfg
}

// Status is a snapshot of the limiter's counters.
type Status struct {
	CallsLastMinute  int `json:"callsLastMinute"`
	SessionCalls     int `json:"sessionCalls"`
	RemainingMinute  int `json:"remainingMinute"`
	RemainingSession int `json:"remainingSession"`
}

// Limiter applies the session, per-minute and cooldown gates in that order.
// Limiter is safe for concurrent use.
type Limiter struct {
	cfg Config

	mu       sync.Mutex
	window   []time.Time
	session  int
	lastCall time.Time
	nowFunc  func() time.Time
}

// New returns a Limiter with cfg. Zero limits fall back to DefaultConfig; a
// zero Cooldown disables the cooldown gate.
func New(cfg Config) *Limiter {
	def := DefaultConfig()
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = def.MaxPerMinute
	}
	if cfg.MaxPerSession <= 0 {
		cfg.MaxPerSession = def.MaxPerSession
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Limiter{cfg: cfg, nowFunc: time.Now}
}

// Check reports whether a call may proceed now. It returns nil when allowed
// and a *Denial otherwise. A denied check leaves the counters untouched apart
// from pruning expired window entries.
func (l *Limiter) Check() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(l.nowFunc())
}

// Record counts one executed call.
func (l *Limiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record(l.nowFunc())
}

// Allow is Check followed by Record when allowed, under one lock.
func (l *Limiter) Allow() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.nowFunc()
	if err := l.check(now); err != nil {
		return err
	}
	l.record(now)
	return nil
}

func (l *Limiter) check(now time.Time) error {
	if l.session >= l.cfg.MaxPerSession {
		return &Denial{
			Reason:  ErrSessionLimit,
			Message: fmt.Sprintf("Session limit exceeded: maximum %d tool calls per session", l.cfg.MaxPerSession),
		}
	}
	l.prune(now)
	if len(l.window) >= l.cfg.MaxPerMinute {
		return &Denial{
			Reason:  ErrMinuteLimit,
			Message: fmt.Sprintf("Rate limit exceeded: maximum %d tool calls per minute", l.cfg.MaxPerMinute),
		}
	}
	if !l.lastCall.IsZero() && now.Sub(l.lastCall) < l.cfg.Cooldown {
		return &Denial{
			Reason:  ErrCooldown,
			Message: fmt.Sprintf("Cooldown active: please wait %dms between calls", l.cfg.Cooldown.Milliseconds()),
		}
	}
	return nil
}

func (l *Limiter) record(now time.Time) {
	l.window = append(l.window, now)
	l.session++
	l.lastCall = now
}

// Reset clears every counter.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.window = nil
	l.session = 0
	l.lastCall = time.Time{}
}

// Status returns the current counters and remaining quotas.
func (l *Limiter) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.nowFunc())
	return Status{
		CallsLastMinute:  len(l.window),
		SessionCalls:     l.session,
		RemainingMinute:  max(0, l.cfg.MaxPerMinute-len(l.window)),
		RemainingSession: max(0, l.cfg.MaxPerSession-l.session),
	}
}

// prune drops window entries older than the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}
