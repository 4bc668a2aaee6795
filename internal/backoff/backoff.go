// Package backoff implements the fallback and exponential-backoff-plus-
// jitter retry layer that sits above internal/account's pool: ordered
// multi-provider candidate selection, and deterministic-in-tests delay
// computation.
package backoff

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/clawde-io/cortexd/internal/account"
	"github.com/clawde-io/cortexd/internal/store"
)

// Policy holds the exponential-backoff-plus-jitter parameters.
type Policy struct {
	Base           time.Duration
	Multiplier     float64
	Max            time.Duration
	JitterFraction float64

	// Rand is the jitter source. Tests supply a seeded *rand.Rand for
	// deterministic delays; a nil Rand falls back to the package-level
	// default source.
	Rand *rand.Rand
}

// Delay computes the backoff delay for attempt (0-indexed): the first
// retry is attempt 0. Delay never exceeds Max + JitterFraction*Max and is
// never negative.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base, mult, max := p.Base, p.Multiplier, p.Max
	if base <= 0 {
		base = time.Second
	}
	if mult < 1 {
		mult = 2
	}
	if max <= 0 {
		max = 2 * time.Minute
	}

	scaled := float64(base) * math.Pow(mult, float64(attempt))
	if math.IsInf(scaled, 1) || scaled > float64(max) {
		scaled = float64(max)
	}

	delay := time.Duration(scaled)
	jitter := p.jitter(delay)
	total := delay + jitter
	if total < 0 {
		return 0
	}
	return total
}

// jitter returns a uniform random offset in [-fraction/2, +fraction/2] of
// delay, using p.Rand when set so callers can make tests deterministic.
func (p Policy) jitter(delay time.Duration) time.Duration {
	fraction := p.JitterFraction
	if fraction <= 0 {
		return 0
	}
	r := p.Rand
	if r == nil {
		r = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	span := fraction * float64(delay)
	offset := (r.Float64() - 0.5) * span
	return time.Duration(offset)
}

// AccountPool is the subset of account.Pool that the fallback engine needs.
type AccountPool interface {
	GetAvailable(provider string) (store.Account, bool, error)
}

// CandidateConfig names a primary provider and an ordered list of
// alternative providers to fall back to.
type CandidateConfig struct {
	Primary      string
	Alternatives []string
}

// Engine selects accounts across providers, falling back through
// alternatives when the primary (or a prior alternative) is exhausted.
type Engine struct {
	pool AccountPool
}

// NewEngine returns a fallback Engine backed by pool.
func NewEngine(pool *account.Pool) *Engine {
	return &Engine{pool: pool}
}

// Selected is the account chosen by GetAccount, along with the provider it
// came from (which may differ from cfg.Primary after fallback).
type Selected struct {
	Provider string
	Account  store.Account
}

// GetAccount returns the first provider in [primary, alternatives...] for
// which the pool yields an account that is not currently rate-limited.
func (e *Engine) GetAccount(cfg CandidateConfig) (Selected, bool, error) {
	candidates := append([]string{cfg.Primary}, cfg.Alternatives...)
	for _, provider := range candidates {
		if provider == "" {
			continue
		}
		acc, ok, err := e.pool.GetAvailable(provider)
		if err != nil {
			return Selected{}, false, fmt.Errorf("backoff: get available for %s: %w", provider, err)
		}
		if ok {
			return Selected{Provider: provider, Account: acc}, true, nil
		}
	}
	return Selected{}, false, nil
}

// Completer records the outcome of a dispatch against the account pool
// chosen by GetAccount.
type Completer interface {
	RecordUsage(accountID string, tokens int) error
	MarkRateLimited(accountID string, retryAfter time.Duration) error
}

// RecordCompletion records a successful dispatch's token usage.
func RecordCompletion(c Completer, accountID string, tokens int) error {
	return c.RecordUsage(accountID, tokens)
}

// RecordRateLimit marks an account as rate-limited for retryAfter.
func RecordRateLimit(c Completer, accountID string, retryAfter time.Duration) error {
	return c.MarkRateLimited(accountID, retryAfter)
}
