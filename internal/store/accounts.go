package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Account is a credential reference for a named provider with rate-limit state.
type Account struct {
	ID            string
	Provider      string
	Priority      int
	RPMUsed       int
	TPMUsed       int
	TotalRequests int
	LastUsedAt    sql.NullTime
	IsAvailable   bool
	BlockedUntil  sql.NullTime
}

// CreateAccount registers a new account.
func (s *Store) CreateAccount(a Account) error {
	_, err := s.db.Exec(`
		INSERT INTO accounts (id, provider, priority, is_available) VALUES (?, ?, ?, 1)`,
		a.ID, a.Provider, a.Priority)
	if err != nil {
		return fmt.Errorf("store: create account %s: %w", a.ID, err)
	}
	return nil
}

func scanAccount(row interface{ Scan(dest ...any) error }) (Account, error) {
	var a Account
	var available int
	err := row.Scan(&a.ID, &a.Provider, &a.Priority, &a.RPMUsed, &a.TPMUsed, &a.TotalRequests,
		&a.LastUsedAt, &available, &a.BlockedUntil)
	a.IsAvailable = available != 0
	return a, err
}

const accountColumns = `id, provider, priority, rpm_used, tpm_used, total_requests, last_used_at, is_available, blocked_until`

// ListAccountsForProvider returns all accounts for a provider.
func (s *Store) ListAccountsForProvider(provider string) ([]Account, error) {
	rows, err := s.db.Query(`SELECT `+accountColumns+` FROM accounts WHERE provider = ?`, provider)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetAccount returns an account by id.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %s: %w", id, err)
	}
	return &a, nil
}

// RecordUsage increments an account's counters after a dispatched call.
func (s *Store) RecordUsage(id string, tokens int) error {
	_, err := s.db.Exec(`
		UPDATE accounts SET rpm_used = rpm_used + 1, tpm_used = tpm_used + ?,
			total_requests = total_requests + 1, last_used_at = datetime('now')
		WHERE id = ?`, tokens, id)
	if err != nil {
		return fmt.Errorf("store: record usage %s: %w", id, err)
	}
	_, err = s.db.Exec(`INSERT INTO account_events (account_id, event_type, tokens) VALUES (?, 'usage', ?)`, id, tokens)
	if err != nil {
		return fmt.Errorf("store: record usage event %s: %w", id, err)
	}
	return nil
}

// MarkRateLimited sets blocked_until and clears availability.
func (s *Store) MarkRateLimited(id string, blockedUntil time.Time) error {
	_, err := s.db.Exec(`UPDATE accounts SET is_available = 0, blocked_until = ? WHERE id = ?`, blockedUntil, id)
	if err != nil {
		return fmt.Errorf("store: mark rate limited %s: %w", id, err)
	}
	_, err = s.db.Exec(`INSERT INTO account_events (account_id, event_type) VALUES (?, 'rate_limited')`, id)
	if err != nil {
		return fmt.Errorf("store: record rate limit event %s: %w", id, err)
	}
	return nil
}

// ResetWindow clears per-minute counters and unblocks accounts whose
// blocked_until has elapsed. Intended to run once per minute.
func (s *Store) ResetWindow(now time.Time) error {
	_, err := s.db.Exec(`UPDATE accounts SET rpm_used = 0`)
	if err != nil {
		return fmt.Errorf("store: reset rpm window: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE accounts SET is_available = 1, blocked_until = NULL
		WHERE blocked_until IS NOT NULL AND blocked_until <= ?`, now)
	if err != nil {
		return fmt.Errorf("store: unblock accounts: %w", err)
	}
	return nil
}
