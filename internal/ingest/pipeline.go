// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ingest keeps the catalog current: it hashes files and upserts
// their rows, one path at a time or a whole tree in a single transaction,
// and optionally hardlinks each new file to an existing duplicate.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"dedupfs/internal/cache"
	"dedupfs/internal/common"
	"dedupfs/internal/dedup"
	"dedupfs/internal/hasher"
	"dedupfs/internal/storage"
	"dedupfs/internal/util"
)

// Options configures a Pipeline.
type Options struct {
	// Hasher computes digests; nil uses the catalog's algorithm.
	Hasher *hasher.Hasher
	// Engine, when set together with HardlinkOnIngest, consolidates each
	// ingested file in the same transaction as its upsert.
	Engine           *dedup.Engine
	HardlinkOnIngest bool
	// Filter excludes paths from ingest; nil excludes nothing.
	Filter *Filter
	// Cache skips rehashing files whose stamp is unchanged; nil disables it.
	Cache  *cache.DigestCache
	Logger log.FieldLogger
}

// Stats counts what a tree ingest did.
type Stats struct {
	Ingested int
	Skipped  int
	Failed   int
	Linked   int
	Bytes    int64
}

// TreeOptions configures IngestTree.
type TreeOptions struct {
	// OnFile is called after every regular file visited, with the running
	// totals.
	OnFile func(path string, stats Stats)
}

// Pipeline hashes files into a catalog.
type Pipeline struct {
	catalog  *storage.Catalog
	hasher   *hasher.Hasher
	engine   *dedup.Engine
	hardlink bool
	filter   *Filter
	cache    *cache.DigestCache
	log      log.FieldLogger

	// serializes adapter callbacks
	mu sync.Mutex
}

// New creates a pipeline writing into catalog.
func New(catalog *storage.Catalog, opts Options) (*Pipeline, error) {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	h := opts.Hasher
	if h == nil {
		alg, err := hasher.ParseAlgorithm(catalog.Algorithm())
		if err != nil {
			return nil, err
		}
		h = hasher.New(alg)
	}
	if string(h.Algorithm()) != catalog.Algorithm() {
		return nil, common.Conflict("ingest", catalog.Path(),
			fmt.Errorf("hasher algorithm %s does not match catalog algorithm %s", h.Algorithm(), catalog.Algorithm()))
	}
	// The caller's filter may be shared (the watcher uses it too).
	var catalogFiles []string
	if abs, err := filepath.Abs(catalog.Path()); err == nil {
		catalogFiles = CatalogPaths(abs)
	}
	filter := opts.Filter.WithPaths(catalogFiles...)
	engine := opts.Engine
	if opts.HardlinkOnIngest && engine == nil {
		engine = dedup.NewEngine(catalog, dedup.Options{Logger: opts.Logger})
	}
	return &Pipeline{
		catalog:  catalog,
		hasher:   h,
		engine:   engine,
		hardlink: opts.HardlinkOnIngest,
		filter:   filter,
		cache:    opts.Cache,
		log:      opts.Logger,
	}, nil
}

// IngestOne hashes path and records it. It fails with common.ErrNotFound if
// path disappeared before it could be hashed.
func (p *Pipeline) IngestOne(ctx context.Context, path string) error {
	abs, err := common.AbsPath(path)
	if err != nil {
		return err
	}
	return util.Retry(ctx, func() error {
		return p.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
			_, err := p.ingest(ctx, tx, abs)
			return err
		})
	}, util.DatabaseRetryOptions(ctx)...)
}

// ingest hashes one file and upserts its row inside tx. The symlink flag is
// only ever set by dedup; an existing flag survives while the path is still
// a symlink.
func (p *Pipeline) ingest(ctx context.Context, tx *storage.Tx, path string) (dedup.HardlinkReport, error) {
	var report dedup.HardlinkReport

	sum, err := p.digest(path)
	if err != nil {
		return report, err
	}

	isSymlink := false
	prev, err := tx.Get(ctx, path)
	switch {
	case err == nil && prev.IsSymlink:
		if isSymlink, err = hasher.IsSymlinkAt(path); err != nil {
			return report, common.NotFound("ingest", path, err)
		}
	case err != nil && !errors.Is(err, common.ErrNotFound):
		return report, err
	}

	if err := tx.Upsert(ctx, path, sum, isSymlink); err != nil {
		return report, err
	}
	p.log.Debugf("[Ingest] %s %s", sum, path)

	if p.hardlink && !isSymlink {
		report, err = p.engine.Consolidate(ctx, tx, path)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

// digest hashes path unless the cache holds a digest for its current stamp.
func (p *Pipeline) digest(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", common.NotFound("digest", path, err)
	}
	stamp := cache.StampOf(info)
	if sum, ok := p.cache.Get(path, stamp); ok {
		return sum, nil
	}
	sum, err := p.hasher.Digest(path)
	if err != nil {
		return "", err
	}
	p.cache.Set(path, stamp, sum)
	return sum, nil
}

// IngestTree ingests every regular file below root in one transaction.
// Failures on single files are logged and counted; only a catalog failure
// or cancellation aborts the walk.
func (p *Pipeline) IngestTree(ctx context.Context, root string, opts TreeOptions) (Stats, error) {
	var stats Stats

	root, err := common.AbsPath(root)
	if err != nil {
		return stats, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return stats, common.NotFound("ingest tree", root, err)
	}
	if !info.IsDir() {
		return stats, common.NotFound("ingest tree", root, common.ErrNotDir)
	}

	p.log.Infof("[Ingest] walking %s (algorithm=%s, hardlink=%t)", root, p.hasher.Algorithm(), p.hardlink)
	err = p.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		return filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if walkErr != nil {
				p.log.Warnf("[Ingest] cannot read %s: %v", path, walkErr)
				stats.Failed++
				return nil
			}
			if d.IsDir() {
				if path != root && p.filter.Excluded(path, true) {
					return filepath.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() || p.filter.Excluded(path, false) {
				stats.Skipped++
				return nil
			}

			report, err := p.ingest(ctx, tx, path)
			switch {
			case errors.Is(err, common.ErrStorage):
				return err
			case err != nil:
				p.log.Warnf("[Ingest] skipping %s: %v", path, err)
				stats.Failed++
			default:
				stats.Ingested++
				stats.Linked += len(report.Links)
				if fi, err := d.Info(); err == nil {
					stats.Bytes += fi.Size()
				}
			}
			if opts.OnFile != nil {
				opts.OnFile(path, stats)
			}
			return nil
		})
	})
	if err != nil {
		p.log.Errorf("[Ingest] walk of %s aborted: %v", root, err)
		return stats, err
	}
	p.log.Infof("[Ingest] %s: %d ingested, %d linked, %d skipped, %d failed",
		root, stats.Ingested, stats.Linked, stats.Skipped, stats.Failed)
	return stats, nil
}

// RemoveEntry drops path's row. It reports whether a row existed.
func (p *Pipeline) RemoveEntry(ctx context.Context, path string) (bool, error) {
	abs, err := common.AbsPath(path)
	if err != nil {
		return false, err
	}
	p.cache.InvalidatePath(abs)
	return p.catalog.Remove(ctx, abs)
}

// OnFileClosedAfterWrite ingests path after a writer closed it. Errors are
// logged, never returned, so the calling filesystem layer is unaffected.
func (p *Pipeline) OnFileClosedAfterWrite(path string) {
	if p.filter.Excluded(path, false) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.IngestOne(context.Background(), path); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			p.log.Debugf("[Ingest] %s vanished before hashing: %v", path, err)
			return
		}
		p.log.Warnf("[Ingest] failed to ingest %s: %v", path, err)
	}
}

// OnFileRemoved drops the rows of path and of everything below it, so a
// removed directory takes its files' rows with it.
func (p *Pipeline) OnFileRemoved(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed, err := p.removeTree(context.Background(), path)
	if err != nil {
		p.log.Warnf("[Ingest] failed to remove %s: %v", path, err)
		return
	}
	if removed > 0 {
		p.log.Debugf("[Ingest] removed %d row(s) at %s", removed, path)
	}
}

// removeTree deletes the rows at or below path in one transaction.
func (p *Pipeline) removeTree(ctx context.Context, path string) (int, error) {
	abs, err := common.AbsPath(path)
	if err != nil {
		return 0, err
	}
	p.cache.InvalidatePrefix(abs)

	var removed int
	err = util.Retry(ctx, func() error {
		removed = 0
		return p.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
			entries, err := tx.List(ctx, abs)
			if err != nil {
				return err
			}
			for _, e := range entries {
				ok, err := tx.Remove(ctx, e.Path)
				if err != nil {
					return err
				}
				if ok {
					removed++
				}
			}
			return nil
		})
	}, util.DatabaseRetryOptions(ctx)...)
	return removed, err
}

// OnFileRenamed treats a rename as removal of from followed by ingest of
// to. A renamed directory drops every row below from and ingests the tree
// now at to.
func (p *Pipeline) OnFileRenamed(from, to string) {
	info, err := os.Lstat(to)
	if err != nil || !info.IsDir() {
		p.OnFileRemoved(from)
		p.OnFileClosedAfterWrite(to)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ctx := context.Background()

	if _, err := p.removeTree(ctx, from); err != nil {
		p.log.Warnf("[Ingest] failed to remove %s after rename: %v", from, err)
	}
	if p.filter.Excluded(to, true) {
		return
	}
	if _, err := p.IngestTree(ctx, to, TreeOptions{}); err != nil {
		p.log.Warnf("[Ingest] failed to ingest renamed directory %s: %v", to, err)
	}
}
