package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"editoragent/internal/domain"
)

// =============================================================================
// RetryConfig
// =============================================================================

// Config controls retry behaviour for external API calls.
type Config struct {
	MaxRetries     int           `json:"maxRetries"`     // Maximum number of retry attempts (0 = no retries)
	InitialBackoff time.Duration `json:"initialBackoff"` // Delay before first retry
	MaxBackoff     time.Duration `json:"maxBackoff"`     // Upper bound on backoff duration
	Multiplier     float64       `json:"multiplier"`     // Backoff multiplier (e.g. 2.0 for exponential)
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// Validate checks that all Config fields are within acceptable ranges.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("retry: MaxRetries must be >= 0")
	}
	if c.InitialBackoff <= 0 {
		return errors.New("retry: InitialBackoff must be > 0")
	}
	if c.MaxBackoff <= 0 {
		return errors.New("retry: MaxBackoff must be > 0")
	}
	if c.Multiplier < 1.0 {
		return errors.New("retry: Multiplier must be >= 1.0")
	}
	return nil
}

// =============================================================================
// Error Classification
// =============================================================================

// retryableStatusCodes are HTTP status codes that indicate a transient failure.
var retryableStatusCodes = []string{"429", "500", "502", "503", "504", "529"}

// IsRetryable returns true when err represents a transient failure that may
// succeed on retry (5xx, 429, timeout, connection refused, EOF).
// Context errors (Canceled, DeadlineExceeded) are never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are never retryable; the caller chose to cancel.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// net.Error timeout (wraps OS-level i/o timeout)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := err.Error()

	// HTTP status codes that are retryable
	for _, code := range retryableStatusCodes {
		if strings.Contains(msg, code) {
			return true
		}
	}

	// Connection-level transient failures
	if strings.Contains(msg, "connection refused") {
		return true
	}
	if strings.Contains(msg, "EOF") {
		return true
	}

	return false
}

// =============================================================================
// Transport (Decorator)
// =============================================================================

// Transport wraps a ModelStreamTransport with retry-on-transient-error logic.
// A stream is only retried while none of its output has been forwarded; once
// the caller has seen a chunk, a failure is returned as is.
type Transport struct {
	inner     domain.ModelStreamTransport
	config    Config
	sleepFunc func(time.Duration) // injectable for testing
}

// NewTransport returns a decorator that retries transient failures of inner.
// inner must not be nil.
func NewTransport(inner domain.ModelStreamTransport, cfg Config) *Transport {
	if inner == nil {
		panic("retry: inner transport must not be nil")
	}
	return &Transport{
		inner:     inner,
		config:    cfg,
		sleepFunc: time.Sleep,
	}
}

// StreamChat implements domain.ModelStreamTransport.
func (t *Transport) StreamChat(ctx context.Context, model string, turns []domain.Turn, onChunk func(string)) error {
	forwarded := false
	wrapped := func(c string) {
		if c == "" {
			return
		}
		forwarded = true
		onChunk(c)
	}
	return t.do(ctx, func() error {
		err := t.inner.StreamChat(ctx, model, turns, wrapped)
		if err != nil && forwarded {
			return permanent{err}
		}
		return err
	})
}

// CompleteChat implements domain.ModelStreamTransport.
func (t *Transport) CompleteChat(ctx context.Context, model string, turns []domain.Turn) (string, error) {
	var out string
	err := t.do(ctx, func() error {
		var err error
		out, err = t.inner.CompleteChat(ctx, model, turns)
		return err
	})
	if err != nil {
		return "", err
	}
	return out, nil
}

// permanent marks an error that must not be retried regardless of its text.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// do runs fn and retries it on transient errors with exponential backoff.
// Returns nil on the first success, or the last error after retries are exhausted.
func (t *Transport) do(ctx context.Context, fn func() error) error {
	var lastErr error
	backoff := t.config.InitialBackoff

	for attempt := 0; attempt <= t.config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var p permanent
		if errors.As(err, &p) {
			return p.err
		}
		lastErr = err

		// Don't retry non-retryable errors
		if !IsRetryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt == t.config.MaxRetries {
			break
		}

		// Sleep with exponential backoff, checking context cancellation
		t.sleepFunc(backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Increase backoff for next iteration, capped at MaxBackoff
		next := time.Duration(float64(backoff) * t.config.Multiplier)
		if next > t.config.MaxBackoff {
			next = t.config.MaxBackoff
		}
		backoff = next
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", t.config.MaxRetries+1, lastErr)
}

// FromDomain converts the millisecond-based config section. Zero fields keep
// the DefaultConfig values; MaxRetries is taken as given.
func FromDomain(rc domain.RetryConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = rc.MaxRetries
	if rc.InitialBackoff > 0 {
		cfg.InitialBackoff = time.Duration(rc.InitialBackoff) * time.Millisecond
	}
	if rc.MaxBackoff > 0 {
		cfg.MaxBackoff = time.Duration(rc.MaxBackoff) * time.Millisecond
	}
	if rc.Multiplier > 0 {
		cfg.Multiplier = float64(rc.Multiplier)
	}
	return cfg
}

// Compile-time check that Transport implements ModelStreamTransport.
var _ domain.ModelStreamTransport = (*Transport)(nil)
