package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedDomain "github.com/tminus-app/tminus/internal/shared/domain"
)

func newLocalLimiter(limit, burst int) *Limiter {
	return New(nil, limit, burst, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAllow_BurstThenThrottle(t *testing.T) {
	l := newLocalLimiter(10, 3)
	ctx := context.Background()

	for i := range 3 {
		assert.True(t, l.Allow(ctx, "acct-1"), "burst call %d", i)
	}
	assert.False(t, l.Allow(ctx, "acct-1"), "bucket drained")
}

func TestAllow_AccountsAreIndependent(t *testing.T) {
	l := newLocalLimiter(10, 1)
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "acct-1"))
	assert.False(t, l.Allow(ctx, "acct-1"))
	assert.True(t, l.Allow(ctx, "acct-2"), "a drained bucket only affects its own account")
}

func TestWait_BlocksUntilRefill(t *testing.T) {
	// 100 tokens/s refills a drained bucket within ~10ms.
	l := newLocalLimiter(100, 1)
	ctx := context.Background()

	require.True(t, l.Allow(ctx, "acct-1"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "acct-1"))
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_ContextExpiryIsRateLimited(t *testing.T) {
	// 1 token/s: the second call would need to wait ~1s.
	l := newLocalLimiter(1, 1)
	require.True(t, l.Allow(context.Background(), "acct-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := l.Wait(ctx, "acct-1")
	assert.True(t, sharedDomain.HasCode(err, sharedDomain.CodeRateLimited))
}

func TestNew_DefaultsBurstToLimit(t *testing.T) {
	l := New(nil, 5, 0, nil)
	assert.Equal(t, 5, l.burst)

	l = New(nil, 0, 0, nil)
	assert.Equal(t, 10, l.limit)
}
