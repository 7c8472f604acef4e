package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/cache"
	"dedupfs/internal/common"
	"dedupfs/internal/hasher"
	"dedupfs/internal/storage"
)

func testCatalog(t *testing.T) *storage.Catalog {
	t.Helper()
	cat, err := storage.Create(filepath.Join(t.TempDir(), "catalog.db"), storage.Options{Algorithm: "sha1"})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	return cat
}

func writeFile(t *testing.T, path, content string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func sameInode(t *testing.T, a, b string) bool {
	t.Helper()
	ia, err := os.Stat(a)
	require.NoError(t, err)
	ib, err := os.Stat(b)
	require.NoError(t, err)
	return os.SameFile(ia, ib)
}

func TestIngestOne(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	path := writeFile(t, filepath.Join(t.TempDir(), "hello.txt"), "hello world\n")
	require.NoError(t, p.IngestOne(ctx, path))

	entry, err := cat.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "22596363b3de40b06f981fb85d82312e8c0ed511", entry.Checksum)
	assert.False(t, entry.IsSymlink)

	// Re-ingest after a change replaces the checksum.
	writeFile(t, path, "")
	require.NoError(t, p.IngestOne(ctx, path))
	entry, err = cat.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, "da39a3ee5e6b4b0d3255bfef95601890afd80709", entry.Checksum)
}

func TestIngestOne_DigestCache(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	dc := cache.NewDigestCache(0, 0)
	p, err := New(cat, Options{Cache: dc})
	require.NoError(t, err)

	path := writeFile(t, filepath.Join(t.TempDir(), "old.txt"), "hello world\n")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	require.NoError(t, p.IngestOne(ctx, path))
	require.NoError(t, p.IngestOne(ctx, path))
	if !cache.Disabled {
		assert.Equal(t, uint64(1), dc.Stats().Hits)
	}

	// A new mtime misses and is rehashed.
	writeFile(t, path, "changed")
	require.NoError(t, p.IngestOne(ctx, path))
	entry, err := cat.Get(ctx, path)
	require.NoError(t, err)
	assert.NotEqual(t, "22596363b3de40b06f981fb85d82312e8c0ed511", entry.Checksum)

	_, err = p.RemoveEntry(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 0, dc.Stats().Size)
}

func TestIngestOne_Missing(t *testing.T) {
	t.Parallel()
	p, err := New(testCatalog(t), Options{})
	require.NoError(t, err)

	err = p.IngestOne(context.Background(), filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestIngestOne_BrokenSymlink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	require.NoError(t, os.Symlink(filepath.Join(dir, "target"), link))

	p, err := New(testCatalog(t), Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, p.IngestOne(context.Background(), link), common.ErrNotFound)
}

func TestIngestOne_HardlinkOnIngest(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(cat, Options{HardlinkOnIngest: true})
	require.NoError(t, err)

	a := writeFile(t, filepath.Join(dir, "a"), "identical")
	b := writeFile(t, filepath.Join(dir, "nested", "b"), "identical")
	require.NoError(t, p.IngestOne(ctx, a))
	require.NoError(t, p.IngestOne(ctx, b))

	assert.True(t, sameInode(t, a, b))
	ea, err := cat.Get(ctx, a)
	require.NoError(t, err)
	eb, err := cat.Get(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, ea.Checksum, eb.Checksum)
	assert.False(t, ea.IsSymlink)
	assert.False(t, eb.IsSymlink)
}

func TestIngestOne_KeepsSymlinkFlag(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	target := writeFile(t, filepath.Join(dir, "target"), "data")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))
	require.NoError(t, cat.Upsert(ctx, link, "stale", true))

	require.NoError(t, p.IngestOne(ctx, link))
	entry, err := cat.Get(ctx, link)
	require.NoError(t, err)
	assert.True(t, entry.IsSymlink)
	assert.NotEqual(t, "stale", entry.Checksum)

	// Once a regular file replaces the link the flag is cleared.
	require.NoError(t, os.Remove(link))
	writeFile(t, link, "data")
	require.NoError(t, p.IngestOne(ctx, link))
	entry, err = cat.Get(ctx, link)
	require.NoError(t, err)
	assert.False(t, entry.IsSymlink)
}

func TestIngestOne_ThirdPartySymlinkTrackedAsRegular(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	target := writeFile(t, filepath.Join(dir, "target"), "data")
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	require.NoError(t, p.IngestOne(ctx, link))
	entry, err := cat.Get(ctx, link)
	require.NoError(t, err)
	assert.False(t, entry.IsSymlink)
}

func TestIngestTree(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	root := t.TempDir()

	writeFile(t, filepath.Join(root, "a.txt"), "one")
	writeFile(t, filepath.Join(root, "sub", "b.txt"), "two")
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.txt"), "three")
	require.NoError(t, os.Symlink(filepath.Join(root, "a.txt"), filepath.Join(root, "link")))

	p, err := New(cat, Options{})
	require.NoError(t, err)

	var seen []string
	stats, err := p.IngestTree(ctx, root, TreeOptions{OnFile: func(path string, _ Stats) {
		seen = append(seen, path)
	}})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Ingested)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Failed)
	assert.Equal(t, int64(len("one")+len("two")+len("three")), stats.Bytes)
	assert.Len(t, seen, 3)

	entries, err := cat.List(ctx, root)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestIngestTree_HardlinksDuplicates(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	root := t.TempDir()

	a := writeFile(t, filepath.Join(root, "a"), "dup")
	b := writeFile(t, filepath.Join(root, "x", "b"), "dup")
	c := writeFile(t, filepath.Join(root, "y", "c"), "dup")

	p, err := New(cat, Options{HardlinkOnIngest: true})
	require.NoError(t, err)

	stats, err := p.IngestTree(ctx, root, TreeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Ingested)
	assert.True(t, sameInode(t, a, b))
	assert.True(t, sameInode(t, a, c))
}

func TestIngestTree_ExcludesCatalogAndPatterns(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	cat, err := storage.Create(filepath.Join(root, "catalog.db"), storage.Options{Algorithm: "sha1"})
	require.NoError(t, err)
	defer cat.Close()
	ctx := context.Background()

	writeFile(t, filepath.Join(root, "keep.txt"), "k")
	writeFile(t, filepath.Join(root, "skip.log"), "s")
	writeFile(t, filepath.Join(root, "build", "out.bin"), "b")
	writeFile(t, filepath.Join(root, "quarantine", "old"), "q")

	filter := NewFilter(FilterOptions{
		Root:     root,
		Excludes: []string{"*.log", "build/"},
		Paths:    []string{filepath.Join(root, "quarantine")},
	}, nil)
	p, err := New(cat, Options{Filter: filter})
	require.NoError(t, err)

	stats, err := p.IngestTree(ctx, root, TreeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Ingested)

	entries, err := cat.List(ctx, root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, filepath.Join(root, "keep.txt"), entries[0].Path)
}

func TestIngestTree_NotADirectory(t *testing.T) {
	t.Parallel()
	p, err := New(testCatalog(t), Options{})
	require.NoError(t, err)
	file := writeFile(t, filepath.Join(t.TempDir(), "f"), "x")

	_, err = p.IngestTree(context.Background(), file, TreeOptions{})
	assert.ErrorIs(t, err, common.ErrNotFound)
	assert.ErrorIs(t, err, common.ErrNotDir)
}

func TestIngestTree_Cancelled(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a"), "1")

	p, err := New(cat, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.IngestTree(ctx, root, TreeOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRemoveEntry(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	path := writeFile(t, filepath.Join(t.TempDir(), "f"), "x")
	require.NoError(t, p.IngestOne(ctx, path))

	removed, err := p.RemoveEntry(ctx, path)
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = p.RemoveEntry(ctx, path)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestAdapterHooks(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	dir := t.TempDir()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	path := writeFile(t, filepath.Join(dir, "f"), "x")
	p.OnFileClosedAfterWrite(path)
	_, err = cat.Get(ctx, path)
	require.NoError(t, err)

	renamed := filepath.Join(dir, "g")
	require.NoError(t, os.Rename(path, renamed))
	p.OnFileRenamed(path, renamed)
	_, err = cat.Get(ctx, path)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = cat.Get(ctx, renamed)
	require.NoError(t, err)

	require.NoError(t, os.Remove(renamed))
	p.OnFileRemoved(renamed)
	_, err = cat.Get(ctx, renamed)
	assert.ErrorIs(t, err, common.ErrNotFound)

	// A vanished file never panics or surfaces an error.
	p.OnFileClosedAfterWrite(filepath.Join(dir, "gone"))
}

func TestNew_AlgorithmMismatch(t *testing.T) {
	t.Parallel()
	_, err := New(testCatalog(t), Options{Hasher: hasher.New(hasher.SHA256)})
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestOnFileRenamed_Directory(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	root := t.TempDir()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "old", "a"), "1")
	writeFile(t, filepath.Join(root, "old", "sub", "b"), "2")
	_, err = p.IngestTree(ctx, root, TreeOptions{})
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(root, "old"), filepath.Join(root, "new")))
	p.OnFileRenamed(filepath.Join(root, "old"), filepath.Join(root, "new"))

	entries, err := cat.List(ctx, filepath.Join(root, "old"))
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = cat.List(ctx, filepath.Join(root, "new"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNew_DoesNotModifyFilter(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	filter := NewFilter(FilterOptions{Root: t.TempDir()}, nil)

	_, err := New(cat, Options{Filter: filter})
	require.NoError(t, err)
	assert.False(t, filter.Excluded(cat.Path(), false))
}

func TestOnFileRemoved_Directory(t *testing.T) {
	t.Parallel()
	cat := testCatalog(t)
	ctx := context.Background()
	root := t.TempDir()
	p, err := New(cat, Options{})
	require.NoError(t, err)

	writeFile(t, filepath.Join(root, "gone", "a"), "1")
	writeFile(t, filepath.Join(root, "gone", "sub", "b"), "2")
	kept := writeFile(t, filepath.Join(root, "gone-not", "c"), "3")
	_, err = p.IngestTree(ctx, root, TreeOptions{})
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(filepath.Join(root, "gone")))
	p.OnFileRemoved(filepath.Join(root, "gone"))

	entries, err := cat.List(ctx, root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, kept, entries[0].Path)
}
