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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"dedupfs/internal/common"
	"dedupfs/internal/daemon"
	"dedupfs/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <path>...",
	Short: "Hash files into the catalog",
	Long: `Hash files and record their checksums in the catalog.

Directories are walked recursively in a single transaction. Files that
cannot be read are reported and skipped; the walk continues. Catalog files
and excluded patterns are never ingested.

With --hardlink (or hardlink_on_ingest in settings.yaml) every ingested file
that duplicates an already catalogued file is replaced by a hardlink to it.

Examples:
  # Ingest a directory tree
  dedupfs ingest ~/photos

  # Ingest and hardlink duplicates as they are found
  dedupfs ingest ~/photos --hardlink

  # Skip editor backups and honor .gitignore files
  dedupfs ingest ~/src --exclude '*~' --gitignore`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var (
	ingestHardlink  bool
	ingestExcludes  []string
	ingestGitignore bool
)

func init() {
	ingestCmd.Flags().BoolVar(&ingestHardlink, "hardlink", false, "Hardlink duplicates while ingesting")
	ingestCmd.Flags().StringArrayVarP(&ingestExcludes, "exclude", "e", nil, "Exclude pattern (gitignore syntax, repeatable)")
	ingestCmd.Flags().BoolVar(&ingestGitignore, "gitignore", false, "Honor .gitignore files below the root")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if cmd.Flags().Changed("hardlink") {
		settings.HardlinkOnIngest = ingestHardlink
	}
	if cmd.Flags().Changed("gitignore") {
		settings.Gitignore = ingestGitignore
	}
	settings.Excludes = append(settings.Excludes, ingestExcludes...)

	ctx, cancel := signalContext()
	defer cancel()

	var total ingest.Stats
	for _, arg := range args {
		root, err := common.AbsPath(arg)
		if err != nil {
			return err
		}
		info, err := os.Stat(root)
		if err != nil {
			return fmt.Errorf("cannot ingest %s: %w", arg, err)
		}

		if !info.IsDir() {
			if err := ingestFile(ctx, cmd, root); err != nil {
				return err
			}
			total.Ingested++
			total.Bytes += info.Size()
			continue
		}

		stats, err := ingestDir(ctx, cmd, root)
		total.Ingested += stats.Ingested
		total.Skipped += stats.Skipped
		total.Failed += stats.Failed
		total.Linked += stats.Linked
		total.Bytes += stats.Bytes
		if err != nil {
			return err
		}
	}

	fmt.Printf("%s %d file(s), %s\n", green("Ingested"), total.Ingested, formatBytes(total.Bytes))
	if total.Linked > 0 {
		fmt.Printf("  hardlinked: %d\n", total.Linked)
	}
	if total.Skipped > 0 {
		fmt.Printf("  skipped:    %d\n", total.Skipped)
	}
	if total.Failed > 0 {
		fmt.Printf("  %s %d (see log)\n", yellow("failed:"), total.Failed)
	}
	return nil
}

func ingestFile(ctx context.Context, cmd *cobra.Command, path string) error {
	s, err := openSession(cmd, daemon.SessionOptions{Root: filepath.Dir(path)})
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Pipeline.IngestOne(ctx, path)
}

func ingestDir(ctx context.Context, cmd *cobra.Command, root string) (ingest.Stats, error) {
	s, err := openSession(cmd, daemon.SessionOptions{Root: root})
	if err != nil {
		return ingest.Stats{}, err
	}
	defer s.Close()

	var opts ingest.TreeOptions
	if !flagQuiet {
		bar := progressbar.NewOptions64(-1,
			progressbar.OptionSetDescription("Ingesting "+root),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowBytes(false),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionOnCompletion(func() {
				fmt.Fprint(os.Stderr, "\n")
			}),
		)
		defer bar.Finish()
		opts.OnFile = func(path string, stats ingest.Stats) {
			bar.Add(1)
		}
	}
	return s.Pipeline.IngestTree(ctx, root, opts)
}
