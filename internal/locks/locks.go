package locks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	// ErrLockDenied means another holder owns a live lease on the resource.
	// Contention is expected; callers pick another candidate.
	ErrLockDenied = errors.New("lock held by another holder")

	// ErrNotHolder means the caller tried to renew or heartbeat a lease it no
	// longer owns. The caller must treat the lock as lost and abort whatever
	// the lock was protecting.
	ErrNotHolder = errors.New("lock not held by caller")
)

// Service grants, renews and reclaims exclusive symbol leases. All mutations
// are single conditional writes against the lock store, so correctness does
// not depend on any in-process state.
type Service struct {
	db           *Database
	heartbeatTTL time.Duration
	now          func() time.Time
}

// NewService creates a lock service. heartbeatTTL is the lease extension
// applied by Heartbeat; it should be at least 3x the heartbeat interval so a
// transiently delayed worker does not lose its lease.
func NewService(gormDB *gorm.DB, heartbeatTTL time.Duration) *Service {
	return &Service{
		db:           NewDatabase(gormDB),
		heartbeatTTL: heartbeatTTL,
		now:          time.Now,
	}
}

// Acquire claims an exclusive lease on resourceKey for holderID, valid for
// ttl. It never blocks on contention: a live lease owned by someone else
// returns ErrLockDenied immediately. Re-acquiring a lease the caller already
// holds extends it.
func (s *Service) Acquire(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	expiresAt := now.Add(ttl)

	// First try to take over a row whose lease already lapsed.
	taken, err := s.db.TakeOverExpired(resourceKey, holderID, now, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("lock takeover failed: %w", err)
	}
	if taken {
		log.Debug().Str("resource_key", resourceKey).Str("holder_id", holderID).Msg("acquired lock from expired lease")
		return s.db.GetLock(resourceKey)
	}

	// No expired row: try a fresh insert. The unique index on resource_key
	// is the arbiter when two workers race here.
	lock := &Lock{
		ResourceKey:     resourceKey,
		HolderID:        holderID,
		AcquiredAt:      now,
		ExpiresAt:       expiresAt,
		LastHeartbeatAt: now,
		LeaseVersion:    1,
	}
	err = s.db.InsertLock(lock)
	if err == nil {
		return lock, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("lock insert failed: %w", err)
	}

	// A live row exists. If we already own it, treat acquire as a renewal.
	extended, extErr := s.db.ExtendLease(resourceKey, holderID, now, expiresAt)
	if extErr != nil {
		return nil, fmt.Errorf("lock re-acquire failed: %w", extErr)
	}
	if extended {
		return s.db.GetLock(resourceKey)
	}
	return nil, ErrLockDenied
}

// Renew extends the caller's live lease by ttl. ErrNotHolder means the lease
// expired and may already belong to someone else; the caller has lost the
// lock and must stop acting on it.
func (s *Service) Renew(ctx context.Context, resourceKey, holderID string, ttl time.Duration) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	extended, err := s.db.ExtendLease(resourceKey, holderID, now, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("lock renew failed: %w", err)
	}
	if !extended {
		return nil, ErrNotHolder
	}
	return s.db.GetLock(resourceKey)
}

// Heartbeat is a lightweight renewal with the service's configured
// heartbeat TTL. Returns false (without error) when the caller no longer
// holds the lease.
func (s *Service) Heartbeat(ctx context.Context, resourceKey, holderID string) (bool, error) {
	_, err := s.Renew(ctx, resourceKey, holderID, s.heartbeatTTL)
	if errors.Is(err, ErrNotHolder) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release deletes the caller's lease. Idempotent: releasing a lease that is
// already gone, expired or re-owned is not an error.
func (s *Service) Release(ctx context.Context, resourceKey, holderID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	released, err := s.db.DeleteOwned(resourceKey, holderID)
	if err != nil {
		return false, fmt.Errorf("lock release failed: %w", err)
	}
	if released {
		log.Debug().Str("resource_key", resourceKey).Str("holder_id", holderID).Msg("released lock")
	}
	return released, nil
}

// ReleaseAllHeldBy force-releases every lease owned by holderID. Used by the
// stale-worker sweep and by orderly shutdown.
func (s *Service) ReleaseAllHeldBy(ctx context.Context, holderID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.db.DeleteAllHeldBy(holderID)
	if err != nil {
		return keys, fmt.Errorf("bulk lock release failed: %w", err)
	}
	return keys, nil
}

// CleanupExpired reclaims every lease past its TTL and returns the count.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count, err := s.db.DeleteExpired(s.now())
	if err != nil {
		return 0, fmt.Errorf("lock cleanup failed: %w", err)
	}
	if count > 0 {
		log.Info().Int64("reclaimed", count).Msg("cleaned up expired locks")
	}
	return count, nil
}

// Get returns the current lease row for a resource, or nil when unheld.
func (s *Service) Get(ctx context.Context, resourceKey string) (*Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.GetLock(resourceKey)
}

// List returns every lease row, held or expired-but-unreclaimed.
func (s *Service) List(ctx context.Context) ([]Lock, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListLocks()
}

// HeldSymbols returns the set of symbols with a live lease, for excluding
// already-claimed candidates before attempting an acquire.
func (s *Service) HeldSymbols(ctx context.Context) (map[string]bool, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	now := s.now()
	held := make(map[string]bool, len(all))
	for i := range all {
		if !all[i].ExpiredAt(now) {
			held[all[i].ResourceKey] = true
		}
	}
	return held, nil
}
