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

	"dedupfs/internal/hasher"
)

var hashCmd = &cobra.Command{
	Use:   "hash <file>...",
	Short: "Print file digests without touching the catalog",
	Long: `Print the digest of each file, in the format of sha1sum and friends.

The algorithm is taken from --algorithm or settings.yaml. Files are read
in 100 KiB chunks, the same way ingest hashes them.

Examples:
  dedupfs hash a.jpg b.jpg
  dedupfs hash --algorithm blake3 backup.tar`,
	Args: cobra.MinimumNArgs(1),
	RunE: runHash,
}

func init() {
	rootCmd.AddCommand(hashCmd)
}

func runHash(cmd *cobra.Command, args []string) error {
	alg, err := hasher.ParseAlgorithm(settings.Algorithm)
	if err != nil {
		return err
	}
	h := hasher.New(alg)

	var failed int
	for _, path := range args {
		sum, err := h.Digest(path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", sum, path)
	}
	if failed > 0 {
		return fmt.Errorf("%d file(s) could not be hashed", failed)
	}
	return nil
}
