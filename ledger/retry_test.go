package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestRetryPolicy_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return ErrTxConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_PermanentErrorStopsImmediately(t *testing.T) {
	permanent := Kinded(ErrConflict, "capacity")
	calls := 0
	err := fastPolicy(5).Do(context.Background(), func() error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestRetryPolicy_ExhaustedBudgetIsUnavailable(t *testing.T) {
	calls := 0
	err := fastPolicy(4).Do(context.Background(), func() error {
		calls++
		return ErrTxConflict
	})
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, ErrTxConflict)
	assert.Equal(t, 4, calls)
	assert.Equal(t, ErrUnavailable, KindOf(err))
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy(100).Do(ctx, func() error {
		calls++
		cancel()
		return ErrTxConflict
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"plain", errors.New("boom"), nil},
		{"not found", ErrListingNotFound, ErrNotFound},
		{"tx conflict", ErrTxConflict, ErrTransient},
		{"duplicate key", ErrDuplicateKey, ErrConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}
