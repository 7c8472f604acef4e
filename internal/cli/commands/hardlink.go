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

var hardlinkCmd = &cobra.Command{
	Use:   "hardlink",
	Short: "Replace duplicate files with hardlinks",
	Long: `Consolidate every duplicate group in place: each member that does not
already share the canonical file's inode is replaced by a hardlink to it.

The catalog is not changed; every member keeps its row. All members of a
group must live on one filesystem.

Examples:
  dedupfs hardlink --dry-run
  dedupfs hardlink --policy oldest`,
	Args: cobra.NoArgs,
	RunE: runHardlink,
}

var hardlinkDryRun bool

func init() {
	hardlinkCmd.Flags().BoolVarP(&hardlinkDryRun, "dry-run", "n", false, "Show planned links without changing anything")
	rootCmd.AddCommand(hardlinkCmd)
}

func runHardlink(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, daemon.SessionOptions{ReadOnly: hardlinkDryRun})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	report, err := s.Engine.HardlinkAll(ctx, dedup.HardlinkOptions{DryRun: hardlinkDryRun})
	for _, l := range report.Links {
		fmt.Printf("  %s => %s\n", l.Dependent, l.Canonical)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s%s %d file(s) in %d group(s), %s reclaimed\n", dryRunPrefix(hardlinkDryRun),
		green("Linked"), len(report.Links), report.Groups, formatBytes(report.Bytes()))
	if report.Skipped > 0 {
		fmt.Printf("  %s %d (see log)\n", yellow("skipped:"), report.Skipped)
	}
	return nil
}
