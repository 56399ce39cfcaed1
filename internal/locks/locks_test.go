package locks

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&Lock{}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM locks")
	})
	return NewService(db, 30*time.Second)
}

func TestAcquireGrantsExclusiveLease(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	lock, err := svc.Acquire(ctx, "005930", "w1", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "005930", lock.ResourceKey)
	assert.Equal(t, "w1", lock.HolderID)
	assert.True(t, lock.ExpiresAt.After(time.Now()))

	_, err = svc.Acquire(ctx, "005930", "w2", 30*time.Second)
	assert.ErrorIs(t, err, ErrLockDenied)
}

func TestAcquireByCurrentHolderExtends(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Acquire(ctx, "000660", "w1", time.Second)
	require.NoError(t, err)

	again, err := svc.Acquire(ctx, "000660", "w1", time.Minute)
	require.NoError(t, err)
	assert.True(t, again.ExpiresAt.After(first.ExpiresAt))
	assert.Greater(t, again.LeaseVersion, first.LeaseVersion)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Scenario from the coordination design: w1 takes a 30s lease, w2 is
	// denied, the clock advances past expiry, cleanup runs, w2 succeeds.
	_, err := svc.Acquire(ctx, "005930", "w1", 30*time.Second)
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "005930", "w2", 30*time.Second)
	require.ErrorIs(t, err, ErrLockDenied)

	base := time.Now()
	svc.now = func() time.Time { return base.Add(31 * time.Second) }

	count, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	lock, err := svc.Acquire(ctx, "005930", "w2", 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "w2", lock.HolderID)
}

func TestTakeoverWithoutCleanup(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "035420", "w1", 10*time.Second)
	require.NoError(t, err)

	base := time.Now()
	svc.now = func() time.Time { return base.Add(11 * time.Second) }

	// Even without a sweep, an expired lease is taken over in place.
	lock, err := svc.Acquire(ctx, "035420", "w2", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "w2", lock.HolderID)
	assert.EqualValues(t, 2, lock.LeaseVersion)
}

func TestRenewByNonHolderDeniedWithoutMutation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	held, err := svc.Acquire(ctx, "005380", "w1", 30*time.Second)
	require.NoError(t, err)

	_, err = svc.Renew(ctx, "005380", "w2", time.Hour)
	assert.ErrorIs(t, err, ErrNotHolder)

	after, err := svc.Get(ctx, "005380")
	require.NoError(t, err)
	assert.Equal(t, "w1", after.HolderID)
	assert.Equal(t, held.LeaseVersion, after.LeaseVersion)
	assert.WithinDuration(t, held.ExpiresAt, after.ExpiresAt, time.Millisecond)
}

func TestHeartbeatRefreshesLease(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "066570", "w1", time.Second)
	require.NoError(t, err)

	ok, err := svc.Heartbeat(ctx, "066570", "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	lock, err := svc.Get(ctx, "066570")
	require.NoError(t, err)
	assert.True(t, lock.ExpiresAt.After(time.Now().Add(20*time.Second)))

	ok, err = svc.Heartbeat(ctx, "066570", "w2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "068270", "w1", 30*time.Second)
	require.NoError(t, err)

	released, err := svc.Release(ctx, "068270", "w1")
	require.NoError(t, err)
	assert.True(t, released)

	released, err = svc.Release(ctx, "068270", "w1")
	require.NoError(t, err)
	assert.False(t, released)

	// Releasing someone else's lease is a no-op, not an error.
	_, err = svc.Acquire(ctx, "068270", "w2", 30*time.Second)
	require.NoError(t, err)
	released, err = svc.Release(ctx, "068270", "w1")
	require.NoError(t, err)
	assert.False(t, released)
}

func TestCleanupRemovesExactlyExpired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "OLD-1", "w1", time.Second)
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, "OLD-2", "w1", 2*time.Second)
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, "LIVE-1", "w2", time.Hour)
	require.NoError(t, err)

	base := time.Now()
	svc.now = func() time.Time { return base.Add(5 * time.Second) }

	count, err := svc.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	remaining, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "LIVE-1", remaining[0].ResourceKey)
}

func TestReleaseAllHeldBy(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	for _, key := range []string{"AAA", "BBB", "CCC"} {
		_, err := svc.Acquire(ctx, key, "w1", time.Minute)
		require.NoError(t, err)
	}
	_, err := svc.Acquire(ctx, "DDD", "w2", time.Minute)
	require.NoError(t, err)

	released, err := svc.ReleaseAllHeldBy(ctx, "w1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"AAA", "BBB", "CCC"}, released)

	remaining, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "DDD", remaining[0].ResourceKey)
}

func TestConcurrentAcquireSingleWinner(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	const holders = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)

	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			holder := fmt.Sprintf("w%d", n)
			lock, err := svc.Acquire(ctx, "RACE", holder, time.Minute)
			if err != nil {
				return
			}
			mu.Lock()
			wins = append(wins, lock.HolderID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one of %d racing holders may win", holders)

	lock, err := svc.Get(ctx, "RACE")
	require.NoError(t, err)
	assert.Equal(t, wins[0], lock.HolderID)
}

func TestHeldSymbolsExcludesExpired(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Acquire(ctx, "LIVE", "w1", time.Hour)
	require.NoError(t, err)
	_, err = svc.Acquire(ctx, "LAPSED", "w1", time.Second)
	require.NoError(t, err)

	base := time.Now()
	svc.now = func() time.Time { return base.Add(10 * time.Second) }

	held, err := svc.HeldSymbols(ctx)
	require.NoError(t, err)
	assert.True(t, held["LIVE"])
	assert.False(t, held["LAPSED"])
}
