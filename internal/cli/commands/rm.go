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

	"dedupfs/internal/daemon"
)

var rmCmd = &cobra.Command{
	Use:   "rm <path>...",
	Short: "Forget catalog entries",
	Long: `Remove catalog rows for the given paths. Files on disk are not touched.

Examples:
  dedupfs rm ~/photos/old/IMG_0001.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRm,
}

func init() {
	rootCmd.AddCommand(rmCmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd, daemon.SessionOptions{})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	for _, path := range args {
		removed, err := s.Pipeline.RemoveEntry(ctx, path)
		if err != nil {
			return err
		}
		if removed {
			fmt.Printf("removed %s\n", path)
		} else {
			fmt.Printf("%s %s is not catalogued\n", yellow("warning:"), path)
		}
	}
	return nil
}
