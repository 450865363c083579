package redislock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedToken() string { return "tok-1" }

func TestLock_AcquireAndRelease(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := New(client, 5*time.Second, withTokenSource(fixedToken))

	mock.ExpectSetNX(DefaultPrefix+"student:stu-1", "tok-1", 5*time.Second).SetVal(true)
	mock.ExpectEval(releaseScript, []string{DefaultPrefix + "student:stu-1"}, "tok-1").SetVal(int64(1))

	release, err := locker.Lock(context.Background(), "student:stu-1")
	require.NoError(t, err)
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLock_RetriesUntilFree(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := New(client, time.Second,
		withTokenSource(fixedToken),
		WithPrefix("t:"),
		WithRetryInterval(time.Millisecond),
		WithRefreshInterval(0),
	)

	mock.ExpectSetNX("t:k", "tok-1", time.Second).SetVal(false)
	mock.ExpectSetNX("t:k", "tok-1", time.Second).SetVal(false)
	mock.ExpectSetNX("t:k", "tok-1", time.Second).SetVal(true)

	release, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)
	require.NotNil(t, release)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLock_ContextCancelledWhileWaiting(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := New(client, time.Second,
		withTokenSource(fixedToken),
		WithPrefix("t:"),
		WithRetryInterval(time.Hour),
	)

	mock.ExpectSetNX("t:k", "tok-1", time.Second).SetVal(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := locker.Lock(ctx, "k")

	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLock_RedisError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := New(client, time.Second, withTokenSource(fixedToken), WithPrefix("t:"))

	mock.ExpectSetNX("t:k", "tok-1", time.Second).SetErr(errors.New("connection refused"))

	_, err := locker.Lock(context.Background(), "k")

	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotAcquired)
}

func TestLock_RefreshExtendsOwnedKey(t *testing.T) {
	client, mock := redismock.NewClientMock()
	locker := New(client, 5*time.Second, withTokenSource(fixedToken), WithPrefix("t:"))

	mock.ExpectEval(refreshScript, []string{"t:k"}, "tok-1", int64(5000)).SetVal(int64(1))
	mock.ExpectEval(refreshScript, []string{"t:k"}, "tok-1", int64(5000)).SetVal(int64(0))

	held, err := locker.extend("t:k", "tok-1")
	require.NoError(t, err)
	assert.True(t, held)

	held, err = locker.extend("t:k", "tok-1")
	require.NoError(t, err)
	assert.False(t, held, "key owned by someone else")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLock_HeldPastTTL_IsRefreshedUntilLost(t *testing.T) {
	// GIVEN: A lock whose refresh interval is far below the unit duration
	// WHEN: The first refresh succeeds and the second finds the key gone
	// THEN: Refreshing stops, and release still runs exactly once

	client, mock := redismock.NewClientMock()
	locker := New(client, time.Second,
		withTokenSource(fixedToken),
		WithPrefix("t:"),
		WithRefreshInterval(5*time.Millisecond),
	)

	mock.ExpectSetNX("t:k", "tok-1", time.Second).SetVal(true)
	mock.ExpectEval(refreshScript, []string{"t:k"}, "tok-1", int64(1000)).SetVal(int64(1))
	mock.ExpectEval(refreshScript, []string{"t:k"}, "tok-1", int64(1000)).SetVal(int64(0))

	release, err := locker.Lock(context.Background(), "k")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return mock.ExpectationsWereMet() == nil
	}, time.Second, 5*time.Millisecond)

	mock.ExpectEval(releaseScript, []string{"t:k"}, "tok-1").SetVal(int64(0))
	release()
	release()

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_DefaultRefreshIsThirdOfTTL(t *testing.T) {
	client, _ := redismock.NewClientMock()

	assert.Equal(t, 3*time.Second, New(client, 9*time.Second).refresh)
	assert.Zero(t, New(client, 9*time.Second, WithRefreshInterval(0)).refresh)
}
