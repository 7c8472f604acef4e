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
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dedupfs/internal/common"
	"dedupfs/internal/daemon"
	"dedupfs/internal/ingest"
)

var watchCmd = &cobra.Command{
	Use:   "watch <root>",
	Short: "Keep the catalog in sync with a directory",
	Long: `Watch <root> for changes and update the catalog as they happen.

A file is ingested once it has seen no writes for the settle interval.
Deleted and renamed-away files are removed from the catalog. New
directories are watched and their files ingested.

The watcher runs in the foreground until interrupted. The catalog stays
locked while it runs.

Examples:
  dedupfs watch ~/downloads
  dedupfs watch ~/downloads --scan --settle 2s`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

var (
	watchSettle time.Duration
	watchScan   bool
)

func init() {
	watchCmd.Flags().DurationVar(&watchSettle, "settle", daemon.DefaultSettle, "Quiet period before a written file is ingested")
	watchCmd.Flags().BoolVar(&watchScan, "scan", false, "Ingest the tree before watching")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	root, err := common.AbsPath(args[0])
	if err != nil {
		return err
	}

	s, err := openSession(cmd, daemon.SessionOptions{Root: root})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if watchScan {
		if _, err := s.Pipeline.IngestTree(ctx, root, ingest.TreeOptions{}); err != nil {
			return err
		}
	}

	filter := ingest.NewFilter(ingest.FilterOptions{
		Root:      root,
		Excludes:  settings.Excludes,
		Gitignore: settings.Gitignore,
		Paths:     ingest.CatalogPaths(settings.CatalogPath()),
	}, log.StandardLogger())
	w, err := daemon.NewWatcher(root, s.Pipeline, daemon.WatcherOptions{
		Settle: watchSettle,
		Filter: filter,
		Logger: log.StandardLogger(),
	})
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Printf("Watching %s (Ctrl-C to stop)\n", bold(root))
	return w.Run(ctx)
}
