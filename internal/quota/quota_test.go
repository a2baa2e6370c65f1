package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/research-agent/internal/errors"
)

func TestMemoryLedger(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger(2)

	require.NoError(t, ledger.Check(ctx, "alice", 1))
	require.NoError(t, ledger.Debit(ctx, "alice", 1))
	require.NoError(t, ledger.Debit(ctx, "alice", 1))

	err := ledger.Check(ctx, "alice", 1)
	assert.True(t, errors.Is(err, errors.ErrQuotaExceeded))
	assert.NoError(t, ledger.Check(ctx, "bob", 1), "credits are per user")

	remaining, limited := ledger.Remaining(ctx, "alice")
	assert.True(t, limited)
	assert.Equal(t, 0, remaining)

	require.NoError(t, ledger.Debit(ctx, "", 2))
	assert.Error(t, ledger.Check(ctx, "", 1), "anonymous callers share one bucket")
}

func TestUnlimited(t *testing.T) {
	var ledger Ledger = Unlimited{}
	assert.NoError(t, ledger.Check(context.Background(), "alice", 1000))
	_, limited := ledger.Remaining(context.Background(), "alice")
	assert.False(t, limited)
}
