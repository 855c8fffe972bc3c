package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"editoragent/internal/domain"
)

// KeyPool manages a pool of API keys with round-robin rotation and cooldown support.
// When a key receives a rate-limit (429) error, it can be marked as "cooldown" and
// subsequent calls to Next will skip it until the cooldown period expires.
// KeyPool is safe for concurrent use.
type KeyPool struct {
	keys        []string
	mu          sync.Mutex
	nextIdx     int
	cooldowns   []time.Time   // parallel to keys; zero value means no cooldown
	cooldownDur time.Duration // how long a key stays in cooldown
	nowFunc     func() time.Time
}

// NewKeyPool creates a KeyPool from the given keys with the specified cooldown duration.
// Returns an error if keys is empty or nil.
func NewKeyPool(keys []string, cooldownDur time.Duration) (*KeyPool, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("keypool: at least one key is required")
	}
	return &KeyPool{
		keys:        keys,
		cooldowns:   make([]time.Time, len(keys)),
		cooldownDur: cooldownDur,
		nowFunc:     time.Now,
	}, nil
}

// Next returns the next available key using round-robin, skipping keys in cooldown.
// Returns the key, its index, and an error if all keys are in cooldown.
func (kp *KeyPool) Next() (string, int, error) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.nowFunc()
	n := len(kp.keys)

	// Try each key starting from nextIdx, wrapping around
	for i := 0; i < n; i++ {
		idx := (kp.nextIdx + i) % n
		if kp.cooldowns[idx].IsZero() || now.After(kp.cooldowns[idx]) {
			// This key is available
			kp.nextIdx = (idx + 1) % n
			return kp.keys[idx], idx, nil
		}
	}

	return "", -1, fmt.Errorf("keypool: all %d keys are in cooldown", n)
}

// MarkCooldown puts the key at the given index into cooldown for the configured duration.
// Out-of-range indices are silently ignored.
func (kp *KeyPool) MarkCooldown(idx int) {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	if idx < 0 || idx >= len(kp.keys) {
		return
	}
	kp.cooldowns[idx] = kp.nowFunc().Add(kp.cooldownDur)
}

// Len returns the total number of keys in the pool.
func (kp *KeyPool) Len() int {
	return len(kp.keys)
}

// Available returns the number of keys not currently in cooldown.
func (kp *KeyPool) Available() int {
	kp.mu.Lock()
	defer kp.mu.Unlock()

	now := kp.nowFunc()
	count := 0
	for _, cd := range kp.cooldowns {
		if cd.IsZero() || now.After(cd) {
			count++
		}
	}
	return count
}

// =============================================================================
// Rate-limit detection
// =============================================================================

// isRateLimitError returns true when the error indicates a 429 / rate-limit response.
func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit")
}

// =============================================================================
// KeyPoolTransport (ModelStreamTransport decorator)
// =============================================================================

// KeyPoolTransport wraps one transport per API key and rotates between them
// using a KeyPool. On a rate-limit error the current key is put in cooldown
// and the request is retried once with the next available key, provided no
// output was forwarded yet.
type KeyPoolTransport struct {
	pool       *KeyPool
	transports []domain.ModelStreamTransport
}

// NewKeyPoolTransport creates a KeyPoolTransport. The pool and transports must have matching lengths.
func NewKeyPoolTransport(pool *KeyPool, transports []domain.ModelStreamTransport) (*KeyPoolTransport, error) {
	if pool == nil {
		return nil, fmt.Errorf("keypool transport: pool must not be nil")
	}
	if len(transports) == 0 {
		return nil, fmt.Errorf("keypool transport: at least one transport is required")
	}
	if pool.Len() != len(transports) {
		return nil, fmt.Errorf("keypool transport: pool size (%d) must match transports count (%d)", pool.Len(), len(transports))
	}
	return &KeyPoolTransport{pool: pool, transports: transports}, nil
}

// StreamChat implements domain.ModelStreamTransport.
func (k *KeyPoolTransport) StreamChat(ctx context.Context, model string, turns []domain.Turn, onChunk func(string)) error {
	forwarded := false
	wrapped := func(c string) {
		forwarded = forwarded || c != ""
		onChunk(c)
	}
	return k.do(ctx, func(t domain.ModelStreamTransport) (bool, error) {
		err := t.StreamChat(ctx, model, turns, wrapped)
		return !forwarded, err
	})
}

// CompleteChat implements domain.ModelStreamTransport.
func (k *KeyPoolTransport) CompleteChat(ctx context.Context, model string, turns []domain.Turn) (string, error) {
	var out string
	err := k.do(ctx, func(t domain.ModelStreamTransport) (bool, error) {
		var err error
		out, err = t.CompleteChat(ctx, model, turns)
		return true, err
	})
	return out, err
}

// do runs fn with the next key. fn reports whether a failed attempt may be
// repeated with another key.
func (k *KeyPoolTransport) do(ctx context.Context, fn func(domain.ModelStreamTransport) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, idx, err := k.pool.Next()
	if err != nil {
		return err
	}

	repeatable, callErr := fn(k.transports[idx])
	if callErr == nil || !repeatable || !isRateLimitError(callErr) {
		return callErr
	}

	k.pool.MarkCooldown(idx)

	_, idx2, err := k.pool.Next()
	if err != nil {
		return fmt.Errorf("all keys in cooldown after rate limit: %w", callErr)
	}
	_, err = fn(k.transports[idx2])
	return err
}

// Compile-time check that KeyPoolTransport implements ModelStreamTransport.
var _ domain.ModelStreamTransport = (*KeyPoolTransport)(nil)
