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
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"dedupfs/internal/common"
	"dedupfs/internal/storage"
)

// LinkAction is one dependent replaced by a hard link to its canonical file.
type LinkAction struct {
	Canonical string
	Dependent string
	Size      int64
}

// HardlinkReport summarizes an in-place consolidation.
type HardlinkReport struct {
	Groups  int
	Links   []LinkAction
	Skipped int
}

// Bytes returns the total size of the relinked dependents.
func (r HardlinkReport) Bytes() int64 {
	var n int64
	for _, l := range r.Links {
		n += l.Size
	}
	return n
}

func (r *HardlinkReport) merge(o HardlinkReport) {
	r.Groups += o.Groups
	r.Links = append(r.Links, o.Links...)
	r.Skipped += o.Skipped
}

// HardlinkOptions configures HardlinkAll.
type HardlinkOptions struct {
	DryRun bool
}

// Consolidate hardlinks path's duplicates in place. It runs inside the
// caller's transaction so ingest can upsert and consolidate atomically.
//
// The candidates are the other non-symlink rows with path's checksum whose
// inode differs from path's. With no candidate the call is a no-op. The
// policy picks the canonical file among the candidates, and every group
// member not already sharing its inode is replaced by a hard link to it.
func (e *Engine) Consolidate(ctx context.Context, tx *storage.Tx, path string) (HardlinkReport, error) {
	var report HardlinkReport

	entry, err := tx.Get(ctx, path)
	if err != nil {
		return report, err
	}
	if entry.IsSymlink {
		return report, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return report, common.NotFound("consolidate", path, err)
	}

	others, err := tx.PathsForChecksum(ctx, entry.Checksum, path)
	if err != nil {
		return report, err
	}
	var candidates []string
	for _, other := range others {
		oinfo, err := os.Stat(other)
		if err != nil {
			e.log.Debugf("[Dedup] ignoring candidate %s: %v", other, err)
			continue
		}
		if os.SameFile(info, oinfo) {
			continue
		}
		candidates = append(candidates, other)
	}
	if len(candidates) == 0 {
		e.log.Debugf("[Dedup] %s has no duplicate on another inode", path)
		return report, nil
	}

	canonical := e.policy.Order(candidates)[0]
	report.Groups = 1
	err = e.linkGroup(canonical, append([]string{path}, others...), false, &report)
	return report, err
}

// HardlinkAll runs in-place consolidation over every duplicate group in the
// catalog. Groups are discovered in one read transaction; links are then
// created group by group. The first failure stops the pass.
func (e *Engine) HardlinkAll(ctx context.Context, opts HardlinkOptions) (HardlinkReport, error) {
	var report HardlinkReport

	var groups []storage.ChecksumGroup
	err := e.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		pairs, err := tx.DuplicateGroups(ctx, false)
		if err != nil {
			return err
		}
		groups = storage.GroupPairs(pairs)
		return nil
	})
	if err != nil {
		return report, err
	}
	e.log.Infof("[Dedup] hardlink pass: %d duplicate groups (policy=%s, dry-run=%t)", len(groups), e.policy, opts.DryRun)

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		members := e.existing(group.Paths)
		if len(members) < 2 {
			report.Skipped += len(group.Paths) - len(members)
			continue
		}
		canonical := e.policy.Order(members)[0]

		var gr HardlinkReport
		gr.Skipped = len(group.Paths) - len(members)
		gr.Groups = 1
		err := e.linkGroup(canonical, members, opts.DryRun, &gr)
		report.merge(gr)
		if err != nil {
			e.log.Errorf("[Dedup] group %s aborted: %v", group.Checksum, err)
			return report, err
		}
	}
	return report, nil
}

// linkGroup replaces every member not sharing canonical's inode with a hard
// link to canonical. Missing members are skipped.
func (e *Engine) linkGroup(canonical string, members []string, dryRun bool, report *HardlinkReport) error {
	cinfo, err := os.Stat(canonical)
	if err != nil {
		return common.NotFound("hardlink", canonical, err)
	}

	for _, member := range members {
		if member == canonical {
			continue
		}
		info, err := os.Stat(member)
		if err != nil {
			e.log.Warnf("[Dedup] skipping %s: %v", member, err)
			report.Skipped++
			continue
		}
		if os.SameFile(cinfo, info) {
			continue
		}
		same, err := e.sameContent(canonical, member)
		if err != nil {
			return err
		}
		if !same {
			e.log.Warnf("[Dedup] skipping %s: content differs from %s", member, canonical)
			report.Skipped++
			continue
		}

		action := LinkAction{Canonical: canonical, Dependent: member, Size: info.Size()}
		if dryRun {
			e.log.Infof("[Dedup] would link %s -> %s", member, canonical)
			report.Links = append(report.Links, action)
			continue
		}
		if err := e.replaceWithLink(canonical, member); err != nil {
			return err
		}
		report.Links = append(report.Links, action)
	}
	return nil
}

// replaceWithLink makes dependent a hard link to canonical. The link is
// created under a temporary name next to dependent and renamed over it, so
// dependent is never observed missing.
func (e *Engine) replaceWithLink(canonical, dependent string) error {
	dir := filepath.Dir(dependent)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create parent of %s: %w", dependent, err)
	}
	tmp := filepath.Join(dir, fmt.Sprintf(".%s.dedupfs-%s", filepath.Base(dependent), uuid.NewString()))

	e.log.Infof("[Dedup] linking %s -> %s", dependent, canonical)
	if err := os.Link(canonical, tmp); err != nil {
		e.log.Errorf("[Dedup] link %s -> %s failed: %v", dependent, canonical, err)
		return common.Link("hardlink", dependent, err)
	}
	if info, err := os.Lstat(dependent); err == nil && info.IsDir() {
		if err := os.RemoveAll(dependent); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("remove directory %s: %w", dependent, err)
		}
	}
	if err := os.Rename(tmp, dependent); err != nil {
		os.Remove(tmp)
		e.log.Errorf("[Dedup] replace %s failed: %v", dependent, err)
		return common.Link("replace", dependent, err)
	}
	e.log.Infof("[Dedup] linked %s -> %s", dependent, canonical)
	return nil
}
