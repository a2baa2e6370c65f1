// Package quota tracks per-user research credits. One completed job costs
// one credit by default.
package quota

import (
	"context"
	"sync"

	"github.com/iago/research-agent/internal/errors"
)

// Ledger checks and debits user credits.
type Ledger interface {
	// Check fails with errors.ErrQuotaExceeded when user cannot afford cost.
	Check(ctx context.Context, user string, cost int) error
	// Debit charges cost to user. It never fails for lack of credits; the
	// balance may go negative when concurrent jobs finish together.
	Debit(ctx context.Context, user string, cost int) error
	Remaining(ctx context.Context, user string) (int, bool)
}

// Unlimited accepts every request.
type Unlimited struct{}

func (Unlimited) Check(context.Context, string, int) error { return nil }
func (Unlimited) Debit(context.Context, string, int) error { return nil }
func (Unlimited) Remaining(context.Context, string) (int, bool) {
	return 0, false
}

// MemoryLedger grants every user the same allowance, tracked in process.
type MemoryLedger struct {
	allowance int

	mu   sync.Mutex
	used map[string]int
}

func NewMemoryLedger(allowance int) *MemoryLedger {
	return &MemoryLedger{
		allowance: allowance,
		used:      make(map[string]int),
	}
}

func (l *MemoryLedger) Check(_ context.Context, user string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used[key(user)]+cost > l.allowance {
		return errors.WithHintf(
			errors.Mark(errors.Newf("user %q has no research credits left", key(user)), errors.ErrQuotaExceeded),
			"the allowance is %d credits", l.allowance,
		)
	}
	return nil
}

func (l *MemoryLedger) Debit(_ context.Context, user string, cost int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[key(user)] += cost
	return nil
}

func (l *MemoryLedger) Remaining(_ context.Context, user string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.allowance - l.used[key(user)], true
}

// key maps anonymous callers onto one shared bucket.
func key(user string) string {
	if user == "" {
		return "anonymous"
	}
	return user
}
