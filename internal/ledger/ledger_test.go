package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestReserveDeductsBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))

	r, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)
	assert.Equal(t, StatusReserved, r.Status)
	assert.Equal(t, 15, r.Credits)

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestReserveInsufficientCredits(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 10))

	_, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	var ice *InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.Equal(t, 15, ice.Required)
	assert.Equal(t, 10, ice.Available)

	// Balance untouched on a failed hold
	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 10, balance)
}

func TestReserveIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))

	r1, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)

	// Same (user, operation, job) must not deduct twice
	r2, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)
	assert.Equal(t, r1.Key, r2.Key)

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)
}

func TestSettleCompletedKeepsCharge(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))
	r, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)

	require.NoError(t, l.Settle(ctx, r.Key, StatusCompleted, ""))

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 5, balance)

	got, err := l.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.False(t, got.SettledAt.IsZero())
}

func TestSettleFailedReleasesHold(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))
	r, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)

	require.NoError(t, l.Settle(ctx, r.Key, StatusFailed, "clip generation failed"))

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20, balance)

	got, err := l.Get(ctx, r.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "clip generation failed", got.Reason)
}

func TestSettleIdempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))
	r, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)

	require.NoError(t, l.Settle(ctx, r.Key, StatusFailed, "boom"))
	// Re-settling failed as failed is a no-op, not a second release
	require.NoError(t, l.Settle(ctx, r.Key, StatusFailed, "boom"))

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20, balance)
}

func TestSettleConflict(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))
	r, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)

	require.NoError(t, l.Settle(ctx, r.Key, StatusCompleted, ""))
	err = l.Settle(ctx, r.Key, StatusFailed, "late failure")
	assert.True(t, errors.Is(err, ErrAlreadySettled))
}

func TestRefundOnlyCompleted(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Grant(ctx, "user-1", 20))
	r, err := l.Reserve(ctx, "user-1", "render", "job-1", 15)
	require.NoError(t, err)

	// Refund of an unsettled hold is forbidden
	err = l.Refund(ctx, r.Key, "operator request")
	assert.True(t, errors.Is(err, ErrNotRefundable))

	require.NoError(t, l.Settle(ctx, r.Key, StatusCompleted, ""))
	require.NoError(t, l.Refund(ctx, r.Key, "operator request"))

	balance, err := l.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 20, balance)

	// A second refund must not double-credit
	err = l.Refund(ctx, r.Key, "again")
	assert.True(t, errors.Is(err, ErrNotRefundable))
}

func TestSettleUnknownKey(t *testing.T) {
	l := newTestLedger(t)
	err := l.Settle(context.Background(), "nope", StatusCompleted, "")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestIdempotencyKeyDeterministic(t *testing.T) {
	k1 := IdempotencyKey("user-1", "render", "job-1")
	k2 := IdempotencyKey("user-1", "render", "job-1")
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, 64)
	assert.NotEqual(t, k1, IdempotencyKey("user-1", "render", "job-2"))
	assert.NotEqual(t, k1, IdempotencyKey("user-2", "render", "job-1"))
}
