// Package account implements the account pool and rate limiter: an
// in-memory, reader-writer-lock-protected view over the accounts persisted
// in internal/store, exposing least-loaded account selection, usage
// recording, and rate-limit bookkeeping.
package account

import (
	"fmt"
	"sync"
	"time"

	"github.com/clawde-io/cortexd/internal/store"
)

// Pool is the enriched in-memory view over store-persisted accounts. All
// reads and writes go through the store so state survives a restart; the
// RWMutex here only serializes concurrent pool operations within the
// running process.
type Pool struct {
	mu    sync.RWMutex
	store *store.Store
}

// NewPool returns a Pool backed by st.
func NewPool(st *store.Store) *Pool {
	return &Pool{store: st}
}

// GetAvailable returns the least-loaded available account for provider:
// the one with the lowest rpm_used among accounts whose is_available flag
// is set and whose blocked_until has passed. Returns false if none qualify.
func (p *Pool) GetAvailable(provider string) (store.Account, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	accounts, err := p.store.ListAccountsForProvider(provider)
	if err != nil {
		return store.Account{}, false, fmt.Errorf("account: list for provider %s: %w", provider, err)
	}

	var best *store.Account
	now := time.Now()
	for i := range accounts {
		a := &accounts[i]
		if !a.IsAvailable {
			continue
		}
		if a.BlockedUntil.Valid && a.BlockedUntil.Time.After(now) {
			continue
		}
		if best == nil || a.RPMUsed < best.RPMUsed {
			best = a
		}
	}
	if best == nil {
		return store.Account{}, false, nil
	}
	return *best, true, nil
}

// RecordUsage increments an account's per-minute counters after a
// successful dispatch.
func (p *Pool) RecordUsage(accountID string, tokens int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.RecordUsage(accountID, tokens)
}

// MarkRateLimited sets blocked_until = now + retryAfter and clears
// availability.
func (p *Pool) MarkRateLimited(accountID string, retryAfter time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.MarkRateLimited(accountID, time.Now().Add(retryAfter))
}

// ResetWindow is the once-per-minute housekeeping pass: it resets
// per-minute counters and clears blocked_until (and re-enables
// is_available) for any account whose block has elapsed.
func (p *Pool) ResetWindow() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.ResetWindow(time.Now())
}

// RunPeriodicReset runs ResetWindow once per minute until stop closes.
// Tests should call ResetWindow directly instead of this loop.
func (p *Pool) RunPeriodicReset(stop <-chan struct{}, onError func(error)) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.ResetWindow(); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}
