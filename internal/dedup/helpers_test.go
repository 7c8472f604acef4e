package dedup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"dedupfs/internal/hasher"
	"dedupfs/internal/storage"
)

type fixture struct {
	root    string
	catalog *storage.Catalog
	hasher  *hasher.Hasher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	cat, err := storage.Create(filepath.Join(t.TempDir(), "catalog.db"), storage.Options{Algorithm: "sha1"})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return &fixture{root: root, catalog: cat, hasher: hasher.New(hasher.SHA1)}
}

func (f *fixture) path(rel string) string {
	return filepath.Join(f.root, rel)
}

// write creates rel under the fixture root with content and returns its
// absolute path.
func (f *fixture) write(t *testing.T, rel, content string) string {
	t.Helper()
	p := f.path(rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

// track hashes each path and records it in the catalog.
func (f *fixture) track(t *testing.T, paths ...string) {
	t.Helper()
	ctx := context.Background()
	for _, p := range paths {
		sum, err := f.hasher.Digest(p)
		require.NoError(t, err)
		require.NoError(t, f.catalog.Upsert(ctx, p, sum, false))
	}
}

func (f *fixture) entry(t *testing.T, p string) storage.Entry {
	t.Helper()
	e, err := f.catalog.Get(context.Background(), p)
	require.NoError(t, err)
	return e
}

func sameInode(t *testing.T, a, b string) bool {
	t.Helper()
	ia, err := os.Stat(a)
	require.NoError(t, err)
	ib, err := os.Stat(b)
	require.NoError(t, err)
	return os.SameFile(ia, ib)
}
