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

	"github.com/spf13/cobra"

	"dedupfs/internal/common"
	"dedupfs/internal/daemon"
	"dedupfs/internal/storage"
)

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List catalogued files",
	Long: `List catalog entries, optionally limited to a directory prefix.

Each line shows the checksum, a marker for rows that were replaced by a
symlink during dedup ("L"), and the path.

With --duplicates, only duplicate groups are shown: every checksum shared
by two or more regular (non-symlink) rows, with its members.

Examples:
  dedupfs ls
  dedupfs ls ~/photos/2023
  dedupfs ls --duplicates
  dedupfs ls --count`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLs,
}

var (
	lsDuplicates bool
	lsCount      bool
)

func init() {
	lsCmd.Flags().BoolVarP(&lsDuplicates, "duplicates", "d", false, "Show duplicate groups only")
	lsCmd.Flags().BoolVarP(&lsCount, "count", "c", false, "Print only the number of catalogued files")
	rootCmd.AddCommand(lsCmd)
}

func runLs(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, daemon.SessionOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer s.Close()
	ctx := context.Background()
	out := cmd.OutOrStdout()

	if lsCount {
		var n int
		err := s.Catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
			var err error
			n, err = tx.Count(ctx)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, n)
		return nil
	}

	if lsDuplicates {
		var groups []storage.ChecksumGroup
		err := s.Catalog.WithTransaction(ctx, func(ctx context.Context, tx *storage.Tx) error {
			pairs, err := tx.DuplicateGroups(ctx, true)
			if err != nil {
				return err
			}
			groups = storage.GroupPairs(pairs)
			return nil
		})
		if err != nil {
			return err
		}
		for _, g := range groups {
			fmt.Fprintf(out, "%s (%d)\n", cyan(g.Checksum), len(g.Paths))
			for _, p := range g.Paths {
				fmt.Fprintf(out, "  %s\n", p)
			}
		}
		return nil
	}

	prefix := ""
	if len(args) > 0 {
		if prefix, err = common.AbsPath(args[0]); err != nil {
			return err
		}
	}
	entries, err := s.Catalog.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, e := range entries {
		marker := " "
		if e.IsSymlink {
			marker = "L"
		}
		fmt.Fprintf(out, "%s %s %s\n", e.Checksum, marker, e.Path)
	}
	return nil
}
