package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/common"
)

func TestCatalogLock(t *testing.T) {
	t.Parallel()
	catalog := filepath.Join(t.TempDir(), "catalog.db")

	lock, err := AcquireCatalogLock(catalog)
	require.NoError(t, err)

	_, err = AcquireCatalogLock(catalog)
	assert.ErrorIs(t, err, common.ErrCatalogInUse)

	require.NoError(t, lock.Release())

	again, err := AcquireCatalogLock(catalog)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestCatalogLock_NilRelease(t *testing.T) {
	t.Parallel()
	var lock *CatalogLock
	assert.NoError(t, lock.Release())
}

func TestWaitCatalogLock(t *testing.T) {
	t.Parallel()
	catalog := filepath.Join(t.TempDir(), "catalog.db")

	held, err := AcquireCatalogLock(catalog)
	require.NoError(t, err)

	_, err = WaitCatalogLock(context.Background(), catalog, 150*time.Millisecond)
	assert.ErrorIs(t, err, common.ErrCatalogInUse)

	go func() {
		time.Sleep(100 * time.Millisecond)
		held.Release()
	}()
	lock, err := WaitCatalogLock(context.Background(), catalog, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
}
