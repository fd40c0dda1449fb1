package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"titlepilot/internal/domain"
)

// ErrDenied means the account has no budget left for the operation today.
// Transient: the next scheduled attempt may succeed after the UTC reset.
var ErrDenied = errors.New("quota denied")

// Costs maps operation kinds to quota units.
type Costs struct {
	Write int
	Read  int
}

// Ledger tracks per-account API cost against a rolling UTC-daily budget.
// Rows are keyed on (account, calendar day), so the budget resets implicitly
// at UTC midnight with no reset job.
type Ledger struct {
	db    *sql.DB
	limit int
	costs Costs
	now   func() time.Time
}

func NewLedger(db *sql.DB, dailyLimit int, costs Costs) *Ledger {
	return &Ledger{db: db, limit: dailyLimit, costs: costs, now: time.Now}
}

func (l *Ledger) cost(op domain.Operation) int {
	switch op {
	case domain.OpWrite:
		return l.costs.Write
	case domain.OpRead:
		return l.costs.Read
	}
	return l.costs.Write
}

// Admit atomically reserves the cost of op for the account, or returns
// ErrDenied when the post-admission total would exceed the daily limit. The
// guarded upsert makes concurrent admissions for the same account safe: two
// racing calls can never both land when only one has budget remaining.
// Store errors fail closed.
func (l *Ledger) Admit(ctx context.Context, accountID string, op domain.Operation) error {
	cost := l.cost(op)
	if cost > l.limit {
		return ErrDenied
	}
	day := l.now().UTC().Format("2006-01-02")
	res, err := l.db.ExecContext(ctx, `
INSERT INTO quota_usage (account_id, day, used) VALUES (?,?,?)
ON CONFLICT(account_id, day) DO UPDATE SET used = used + excluded.used
WHERE used + excluded.used <= ?`, accountID, day, cost, l.limit)
	if err != nil {
		return fmt.Errorf("quota admit: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("quota admit: %w", err)
	}
	if n == 0 {
		return ErrDenied
	}
	return nil
}

// Status returns the account's usage for today. resetTime is the next UTC
// midnight.
func (l *Ledger) Status(ctx context.Context, accountID string) (domain.QuotaStatus, error) {
	now := l.now().UTC()
	day := now.Format("2006-01-02")
	var used int
	err := l.db.QueryRowContext(ctx, `
SELECT used FROM quota_usage WHERE account_id=? AND day=?`, accountID, day).Scan(&used)
	if err != nil && err != sql.ErrNoRows {
		return domain.QuotaStatus{}, err
	}
	remaining := l.limit - used
	if remaining < 0 {
		remaining = 0
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return domain.QuotaStatus{Used: used, Remaining: remaining, Limit: l.limit, ResetAt: midnight}, nil
}
