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
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the checksum catalog",
	Long: `Create the checksum catalog named by settings.yaml (or --catalog).

The digest algorithm is fixed when the catalog is created. Running init
again on an existing catalog only verifies that it can be opened.

Examples:
  # Create the default catalog (~/.dedupfs/catalog.db, sha1)
  dedupfs init

  # Create a BLAKE3 catalog in a custom location
  dedupfs init --catalog /srv/media.db --algorithm blake3`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path := settings.CatalogPath()
	existed, _ := common.Exists(path)

	s, err := openSession(cmd, daemon.SessionOptions{Create: true})
	if err != nil {
		return err
	}
	defer s.Close()

	if existed {
		fmt.Printf("Reinitialized existing catalog in %s (%s)\n", path, s.Catalog.Algorithm())
	} else {
		fmt.Printf("Initialized empty catalog in %s (%s)\n", path, s.Catalog.Algorithm())
	}
	fmt.Printf("  settings: %s\n", daemon.SettingsPath())
	return nil
}
