package daemon

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/common"
	"dedupfs/internal/ingest"
	"dedupfs/internal/storage"
	"dedupfs/internal/vfs"
)

type recorder struct {
	mu      sync.Mutex
	written []string
	removed []string
	renamed [][2]string
}

func (r *recorder) OnFileClosedAfterWrite(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, path)
}

func (r *recorder) OnFileRemoved(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, path)
}

func (r *recorder) OnFileRenamed(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renamed = append(r.renamed, [2]string{from, to})
}

func (r *recorder) Written() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.written...)
}

func (r *recorder) Removed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.removed...)
}

func startWatcher(t *testing.T, root string, filter *ingest.Filter) *recorder {
	t.Helper()
	rec := &recorder{}
	runWatcher(t, root, rec, filter)
	return rec
}

func runWatcher(t *testing.T, root string, notifier vfs.Notifier, filter *ingest.Filter) {
	t.Helper()
	w, err := NewWatcher(root, notifier, WatcherOptions{Settle: 50 * time.Millisecond, Filter: filter})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		w.Close()
	})
}

func TestWatcher_WriteAndRemove(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root, nil)
	g := NewWithT(t)

	path := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	g.Eventually(rec.Written).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(ContainElement(path))

	require.NoError(t, os.Remove(path))
	g.Eventually(rec.Removed).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(ContainElement(path))
}

func TestWatcher_NewDirectory(t *testing.T) {
	root := t.TempDir()
	rec := startWatcher(t, root, nil)
	g := NewWithT(t)

	sub := filepath.Join(root, "sub")
	require.NoError(t, os.Mkdir(sub, 0755))
	nested := filepath.Join(sub, "nested.txt")
	require.NoError(t, os.WriteFile(nested, []byte("x"), 0644))

	g.Eventually(rec.Written).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(ContainElement(nested))

	// The new directory is watched too.
	later := filepath.Join(sub, "later.txt")
	require.NoError(t, os.WriteFile(later, []byte("y"), 0644))
	g.Eventually(rec.Written).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(ContainElement(later))
}

func TestWatcher_Excluded(t *testing.T) {
	root := t.TempDir()
	filter := ingest.NewFilter(ingest.FilterOptions{Root: root, Excludes: []string{"*.swp"}}, nil)
	rec := startWatcher(t, root, filter)
	g := NewWithT(t)

	swap := filepath.Join(root, "edit.swp")
	kept := filepath.Join(root, "kept.txt")
	require.NoError(t, os.WriteFile(swap, []byte("tmp"), 0644))
	require.NoError(t, os.WriteFile(kept, []byte("data"), 0644))

	g.Eventually(rec.Written).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(ContainElement(kept))
	g.Consistently(rec.Written).WithTimeout(200 * time.Millisecond).WithPolling(20 * time.Millisecond).ShouldNot(ContainElement(swap))
}

func TestWatcher_RequiresDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "missing"), &recorder{}, WatcherOptions{})
	require.Error(t, err)
}

func TestWatcher_DirectoryRenameDropsRows(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()
	cat, err := storage.Create(filepath.Join(t.TempDir(), "catalog.db"), storage.Options{Algorithm: "sha1"})
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })
	p, err := ingest.New(cat, ingest.Options{})
	require.NoError(t, err)

	old := filepath.Join(root, "old")
	require.NoError(t, os.MkdirAll(filepath.Join(old, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(old, "f.txt"), []byte("one"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(old, "sub", "g.txt"), []byte("two"), 0644))
	_, err = p.IngestTree(ctx, root, ingest.TreeOptions{})
	require.NoError(t, err)

	runWatcher(t, root, p, nil)
	g := NewWithT(t)

	require.NoError(t, os.Rename(old, filepath.Join(root, "new")))
	g.Eventually(func() ([]storage.Entry, error) {
		return cat.List(ctx, old)
	}).WithTimeout(2 * time.Second).WithPolling(20 * time.Millisecond).Should(BeEmpty())

	_, err = cat.Get(ctx, filepath.Join(old, "sub", "g.txt"))
	require.ErrorIs(t, err, common.ErrNotFound)
}
