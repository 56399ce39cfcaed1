package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Themath93/stock-manager-sub000/internal/locks"
)

func newTestServices(t *testing.T) (*Service, *locks.Service) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&WorkerRecord{}, &locks.Lock{}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM workers")
		db.Exec("DELETE FROM locks")
	})
	lockService := locks.NewService(db, 30*time.Second)
	return NewService(db, lockService), lockService
}

func TestRegisterStartsIdle(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	record, err := svc.Register(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, record.Status)
	assert.Empty(t, record.HeldSymbol)

	// Re-registering after a restart refreshes rather than duplicates.
	again, err := svc.Register(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, again.Status)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestConcurrentRegisterSameWorker(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	// Racing registrations of the same ID must all land on one row; none
	// may surface a duplicate-key error out of a lookup-then-create race.
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Register(ctx, "w-race")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, StatusIdle, all[0].Status)
}

func TestTransitionValidatesEdges(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "w1")
	require.NoError(t, err)

	// IDLE cannot jump straight to HOLDING.
	_, err = svc.Transition(ctx, "w1", StatusHolding)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	record, err := svc.Transition(ctx, "w1", StatusScanning)
	require.NoError(t, err)
	assert.Equal(t, StatusScanning, record.Status)

	record, err = svc.Transition(ctx, "w1", StatusHolding)
	require.NoError(t, err)
	assert.Equal(t, StatusHolding, record.Status)

	record, err = svc.Transition(ctx, "w1", StatusScanning)
	require.NoError(t, err)
	assert.Equal(t, StatusScanning, record.Status)

	// EXITING is reachable from anywhere and is terminal.
	record, err = svc.Transition(ctx, "w1", StatusExiting)
	require.NoError(t, err)
	assert.Equal(t, StatusExiting, record.Status)

	_, err = svc.Transition(ctx, "w1", StatusIdle)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionClearsHeldSymbolOutsideHolding(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "w1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "w1", StatusScanning)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "w1", StatusHolding)
	require.NoError(t, err)
	require.NoError(t, svc.SetHeldSymbol(ctx, "w1", "BBB"))

	record, err := svc.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "BBB", record.HeldSymbol)

	record, err = svc.Transition(ctx, "w1", StatusScanning)
	require.NoError(t, err)
	assert.Empty(t, record.HeldSymbol)
}

func TestHeartbeatRefusesCrashedWorker(t *testing.T) {
	svc, _ := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "w1")
	require.NoError(t, err)

	alive, err := svc.Heartbeat(ctx, "w1")
	require.NoError(t, err)
	assert.True(t, alive)

	base := time.Now()
	svc.now = func() time.Time { return base.Add(time.Hour) }
	_, err = svc.CleanupStaleWorkers(ctx, time.Minute)
	require.NoError(t, err)

	alive, err = svc.Heartbeat(ctx, "w1")
	require.NoError(t, err)
	assert.False(t, alive, "a worker declared crashed must not heartbeat back to life")
}

func TestStaleSweepCrashesWorkerAndReleasesLocks(t *testing.T) {
	svc, lockService := newTestServices(t)
	ctx := context.Background()

	// w1 holds "BBB" and then goes silent.
	_, err := svc.Register(ctx, "w1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "w1", StatusScanning)
	require.NoError(t, err)
	_, err = lockService.Acquire(ctx, "BBB", "w1", time.Hour)
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "w1", StatusHolding)
	require.NoError(t, err)
	require.NoError(t, svc.SetHeldSymbol(ctx, "w1", "BBB"))

	// w2 keeps heartbeating and must survive the sweep.
	_, err = svc.Register(ctx, "w2")
	require.NoError(t, err)

	base := time.Now()
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	alive, err := svc.Heartbeat(ctx, "w2")
	require.NoError(t, err)
	require.True(t, alive)

	crashed, err := svc.CleanupStaleWorkers(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, crashed)

	record, err := svc.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, StatusCrashed, record.Status)
	assert.Empty(t, record.HeldSymbol)

	record, err = svc.Get(ctx, "w2")
	require.NoError(t, err)
	assert.NotEqual(t, StatusCrashed, record.Status)

	// The crashed worker's lock is released immediately, not left to its
	// own TTL: w2 can acquire right away.
	lock, err := lockService.Acquire(ctx, "BBB", "w2", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "w2", lock.HolderID)
}

func TestShutdownReleasesLocksAndDeregisters(t *testing.T) {
	svc, lockService := newTestServices(t)
	ctx := context.Background()

	_, err := svc.Register(ctx, "w1")
	require.NoError(t, err)
	_, err = svc.Transition(ctx, "w1", StatusScanning)
	require.NoError(t, err)
	_, err = lockService.Acquire(ctx, "AAA", "w1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(ctx, "w1"))

	_, err = svc.Get(ctx, "w1")
	assert.ErrorIs(t, err, ErrWorkerNotFound)

	lock, err := lockService.Get(ctx, "AAA")
	require.NoError(t, err)
	assert.Nil(t, lock)

	// Shutting down an already-removed worker is a no-op.
	require.NoError(t, svc.Shutdown(ctx, "w1"))
}
