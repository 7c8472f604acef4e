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

package dedup

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/google/renameio"

	"dedupfs/internal/common"
	"dedupfs/internal/storage"
)

// DedupOptions configures a move-and-symlink consolidation.
type DedupOptions struct {
	// QuarantineDir receives the moved dependents. It must not exist or be
	// empty.
	QuarantineDir string
	// SymlinkBack leaves a symlink to the canonical file at each dependent's
	// old location and keeps its row flagged as a symlink. Without it the
	// dependent's row is dropped.
	SymlinkBack bool
	DryRun      bool
}

// MoveAction is one dependent moved into quarantine.
type MoveAction struct {
	Canonical string
	From      string
	To        string
}

// DedupReport summarizes a move-and-symlink consolidation.
type DedupReport struct {
	Groups    int
	Moves     []MoveAction
	Symlinked int
	Forgotten int
	Skipped   int
}

// Dedup moves every dependent of every duplicate group into
// opts.QuarantineDir, keeping the canonical file of each group in place.
//
// Groups are discovered in a read transaction and processed in a second
// one. A failure aborts the remaining groups and rolls back the catalog
// changes of the second transaction; files already moved stay moved.
func (e *Engine) Dedup(ctx context.Context, opts DedupOptions) (DedupReport, error) {
	var report DedupReport

	qdir, err := common.AbsPath(opts.QuarantineDir)
	if err != nil {
		return report, err
	}
	if err := checkQuarantine(qdir); err != nil {
		return report, err
	}

	var groups []storage.ChecksumGroup
	err = e.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		pairs, err := tx.DuplicateGroups(ctx, opts.SymlinkBack)
		if err != nil {
			return err
		}
		groups = storage.GroupPairs(pairs)
		return nil
	})
	if err != nil {
		return report, err
	}
	if len(groups) == 0 {
		e.log.Infof("[Dedup] no duplicate groups")
		return report, nil
	}
	e.log.Infof("[Dedup] %d duplicate groups into %s (symlink-back=%t, policy=%s, dry-run=%t)",
		len(groups), qdir, opts.SymlinkBack, e.policy, opts.DryRun)

	err = e.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		for _, group := range groups {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.dedupGroup(ctx, tx, qdir, group, opts, &report); err != nil {
				e.log.Errorf("[Dedup] group %s aborted: %v", group.Checksum, err)
				return err
			}
		}
		return nil
	})
	return report, err
}

// checkQuarantine fails with common.ErrConflict unless dir is absent or an
// empty directory.
func checkQuarantine(dir string) error {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat quarantine directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return common.Conflict("dedup", dir, common.ErrNotDir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read quarantine directory %s: %w", dir, err)
	}
	if len(entries) > 0 {
		return common.Conflict("dedup", dir, fmt.Errorf("quarantine directory is not empty (%d entries)", len(entries)))
	}
	return nil
}

func (e *Engine) dedupGroup(ctx context.Context, tx *storage.Tx, qdir string, group storage.ChecksumGroup, opts DedupOptions, report *DedupReport) error {
	members := e.existing(group.Paths)
	report.Skipped += len(group.Paths) - len(members)
	if len(members) < 2 {
		return nil
	}
	ordered := e.policy.Order(members)
	canonical := ordered[0]
	report.Groups++

	for _, dependent := range ordered[1:] {
		same, err := e.sameContent(canonical, dependent)
		if err != nil {
			return err
		}
		if !same {
			e.log.Warnf("[Dedup] skipping %s: content differs from %s", dependent, canonical)
			report.Skipped++
			continue
		}

		dest, err := common.QuarantinePath(qdir, dependent)
		if err != nil {
			return err
		}
		action := MoveAction{Canonical: canonical, From: dependent, To: dest}

		if opts.DryRun {
			e.log.Infof("[Dedup] would move %s -> %s", dependent, dest)
			report.Moves = append(report.Moves, action)
			continue
		}

		e.log.Infof("[Dedup] moving %s -> %s", dependent, dest)
		if err := common.MoveFile(dependent, dest); err != nil {
			return err
		}
		e.log.Infof("[Dedup] moved %s -> %s", dependent, dest)
		report.Moves = append(report.Moves, action)

		if opts.SymlinkBack {
			if err := e.symlinkBack(ctx, tx, canonical, dependent); err != nil {
				return err
			}
			report.Symlinked++
			continue
		}
		if err := e.forget(ctx, tx, dependent); err != nil {
			return err
		}
		report.Forgotten++
	}
	return nil
}

// symlinkBack puts a symlink to canonical at dependent's old location and
// flags its row.
func (e *Engine) symlinkBack(ctx context.Context, tx *storage.Tx, canonical, dependent string) error {
	e.log.Infof("[Dedup] symlinking %s -> %s", dependent, canonical)
	if err := renameio.Symlink(canonical, dependent); err != nil {
		e.log.Errorf("[Dedup] symlink %s -> %s failed: %v", dependent, canonical, err)
		return common.Link("symlink", dependent, err)
	}
	if err := tx.MarkSymlink(ctx, dependent); err != nil {
		return err
	}
	e.log.Infof("[Dedup] symlinked %s -> %s", dependent, canonical)
	return nil
}

// forget drops dependent's row and removes its old directory if that left
// it empty.
func (e *Engine) forget(ctx context.Context, tx *storage.Tx, dependent string) error {
	if _, err := tx.Remove(ctx, dependent); err != nil {
		return err
	}
	e.log.Infof("[Dedup] forgot %s", dependent)
	removed, err := common.RemoveEmptyParent(dependent)
	if err != nil {
		e.log.Warnf("[Dedup] could not remove empty parent of %s: %v", dependent, err)
	} else if removed {
		e.log.Debugf("[Dedup] removed empty directory of %s", dependent)
	}
	return nil
}
