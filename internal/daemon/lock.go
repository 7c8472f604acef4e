package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"dedupfs/internal/common"
	"dedupfs/internal/util"
)

// CatalogLock is an exclusive advisory lock next to a catalog file. It
// keeps a second process from mutating the same catalog.
type CatalogLock struct {
	lock *flock.Flock
}

// LockPath returns the lock file used for the catalog at catalogPath.
func LockPath(catalogPath string) string {
	return catalogPath + ".lock"
}

// AcquireCatalogLock takes the lock without blocking. It fails with
// common.ErrCatalogInUse when another process holds it.
func AcquireCatalogLock(catalogPath string) (*CatalogLock, error) {
	l := flock.New(LockPath(catalogPath))
	locked, err := l.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", catalogPath, common.ErrCatalogInUse)
	}
	return &CatalogLock{lock: l}, nil
}

// WaitCatalogLock retries AcquireCatalogLock until it succeeds or timeout
// elapses. It fails with common.ErrCatalogInUse on timeout.
func WaitCatalogLock(ctx context.Context, catalogPath string, timeout time.Duration) (*CatalogLock, error) {
	var lock *CatalogLock
	var lastErr error
	err := util.PollUntil(ctx, util.PollConfig{Timeout: timeout, Interval: 100 * time.Millisecond}, func() bool {
		lock, lastErr = AcquireCatalogLock(catalogPath)
		return lastErr == nil || !errors.Is(lastErr, common.ErrCatalogInUse)
	})
	if lastErr != nil {
		return nil, lastErr
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", catalogPath, common.ErrCatalogInUse)
	}
	return lock, nil
}

// Release drops the lock.
func (l *CatalogLock) Release() error {
	if l == nil || l.lock == nil {
		return nil
	}
	return l.lock.Unlock()
}
