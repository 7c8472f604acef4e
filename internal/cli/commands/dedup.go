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

	"dedupfs/internal/common"
	"dedupfs/internal/daemon"
	"dedupfs/internal/dedup"
)

var dedupCmd = &cobra.Command{
	Use:   "dedup <quarantine-dir>",
	Short: "Move duplicate files into a quarantine directory",
	Long: `Consolidate every duplicate group by keeping one canonical file in place
and moving the others into a quarantine directory.

The quarantine directory must not exist or be empty. Each moved file keeps
its path relative to the deepest directory it shares with the quarantine
directory, so nothing collides.

With --symlink-back a symlink to the canonical file replaces each moved
file and stays in the catalog. Without it the moved file is forgotten and
its old directory is removed if it became empty.

The canonical file is picked by the canonical policy (--policy):
  lexical   first path in byte order (default)
  oldest    earliest modification time
  shortest  shortest path

Files moved before an error are not moved back. Every move is logged.

Examples:
  # Preview
  dedupfs dedup ~/quarantine --dry-run

  # Move duplicates away, leave symlinks behind
  dedupfs dedup ~/quarantine --symlink-back

  # Keep the oldest copy, compare bytes before moving
  dedupfs dedup ~/quarantine --policy oldest --verify`,
	Args: cobra.ExactArgs(1),
	RunE: runDedup,
}

var (
	dedupSymlinkBack bool
	dedupDryRun      bool
)

func init() {
	dedupCmd.Flags().BoolVarP(&dedupSymlinkBack, "symlink-back", "s", false, "Leave a symlink to the canonical file at each moved path")
	dedupCmd.Flags().BoolVarP(&dedupDryRun, "dry-run", "n", false, "Show planned moves without changing anything")
	rootCmd.AddCommand(dedupCmd)
}

func runDedup(cmd *cobra.Command, args []string) error {
	quarantine, err := common.AbsPath(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(cmd, daemon.SessionOptions{ReadOnly: dedupDryRun})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := s.Engine.Dedup(ctx, dedup.DedupOptions{
		QuarantineDir: quarantine,
		SymlinkBack:   dedupSymlinkBack,
		DryRun:        dedupDryRun,
	})
	for _, m := range report.Moves {
		fmt.Printf("  %s -> %s\n", m.From, m.To)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s%s %d group(s), moved %d file(s)\n", dryRunPrefix(dedupDryRun), green("Deduplicated"), report.Groups, len(report.Moves))
	if report.Symlinked > 0 {
		fmt.Printf("  symlinked back: %d\n", report.Symlinked)
	}
	if report.Forgotten > 0 {
		fmt.Printf("  forgotten:      %d\n", report.Forgotten)
	}
	if report.Skipped > 0 {
		fmt.Printf("  %s %d (see log)\n", yellow("skipped:"), report.Skipped)
	}
	return nil
}
