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
	"io/fs"
	"os"

	"dedupfs/internal/storage"
)

// VacuumOptions configures Vacuum.
type VacuumOptions struct {
	DryRun bool
}

// VacuumReport lists what a vacuum pass found.
type VacuumReport struct {
	Scanned int
	Removed []string
}

// Vacuum deletes every catalog row whose file no longer exists. Existence
// follows symlinks, so a symlink-back row whose canonical file is gone is
// removed too. Paths are collected in one transaction and deleted as a set
// in a second one.
func (e *Engine) Vacuum(ctx context.Context, opts VacuumOptions) (VacuumReport, error) {
	var report VacuumReport

	err := e.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		for path, err := range tx.AllPaths(ctx) {
			if err != nil {
				return err
			}
			report.Scanned++
			_, statErr := os.Stat(path)
			switch {
			case statErr == nil:
			case errors.Is(statErr, fs.ErrNotExist):
				report.Removed = append(report.Removed, path)
			default:
				e.log.Warnf("[Vacuum] keeping %s: %v", path, statErr)
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}
	e.log.Infof("[Vacuum] %d of %d rows point at missing files", len(report.Removed), report.Scanned)

	if opts.DryRun || len(report.Removed) == 0 {
		for _, path := range report.Removed {
			e.log.Infof("[Vacuum] would remove %s", path)
		}
		return report, nil
	}

	err = e.catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
		for _, path := range report.Removed {
			if _, err := tx.Remove(ctx, path); err != nil {
				return err
			}
			e.log.Infof("[Vacuum] removed %s", path)
		}
		return nil
	})
	if err != nil {
		return VacuumReport{Scanned: report.Scanned}, err
	}
	return report, nil
}
