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

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"dedupfs/internal/daemon"
	"dedupfs/internal/dedup"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Drop catalog rows for files that no longer exist",
	Long: `Delete every catalog row whose file is gone.

Existence follows symlinks: a symlink left by 'dedup --symlink-back' whose
canonical file was deleted counts as missing. Run vacuum before dedup so
that stale rows do not form duplicate groups.

Examples:
  dedupfs vacuum
  dedupfs vacuum --dry-run`,
	Args: cobra.NoArgs,
	RunE: runVacuum,
}

var vacuumDryRun bool

func init() {
	vacuumCmd.Flags().BoolVarP(&vacuumDryRun, "dry-run", "n", false, "Report missing files without removing rows")
	rootCmd.AddCommand(vacuumCmd)
}

func runVacuum(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, daemon.SessionOptions{ReadOnly: vacuumDryRun})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := s.Engine.Vacuum(ctx, dedup.VacuumOptions{DryRun: vacuumDryRun})
	if err != nil {
		return err
	}
	for _, path := range report.Removed {
		fmt.Printf("  %s %s\n", yellow("missing"), path)
	}
	fmt.Printf("%s%s %d of %d row(s)\n", dryRunPrefix(vacuumDryRun), green("Vacuumed"), len(report.Removed), report.Scanned)
	return nil
}
