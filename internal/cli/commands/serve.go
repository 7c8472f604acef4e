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
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dedupfs/internal/common"
	"dedupfs/internal/daemon"
	"dedupfs/internal/ingest"
	"dedupfs/internal/vfs"
)

var serveCmd = &cobra.Command{
	Use:   "serve <root>",
	Short: "Export a directory over NFS and catalog every write",
	Long: `Serve <root> over NFSv3. Files written through the export are hashed
into the catalog when they are closed; removals and renames update it.
With hardlink_on_ingest each written file is hardlinked to an existing
duplicate right away.

The server runs in the foreground until interrupted. The catalog stays
locked while it runs.

Examples:
  # Serve on the address from settings.yaml
  dedupfs serve ~/shared

  # Catalog the existing tree first, then serve on a fixed port
  dedupfs serve ~/shared --scan --listen 127.0.0.1:12049

  # Mount on macOS
  mount -t nfs -o port=12049,mountport=12049,nolocks,vers=3,tcp localhost:/ /Volumes/shared`,
	Args: cobra.ExactArgs(1),
	RunE: runServe,
}

var (
	serveListen string
	serveScan   bool
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (default from settings.yaml)")
	serveCmd.Flags().BoolVar(&serveScan, "scan", false, "Ingest the tree before serving")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	root, err := common.AbsPath(args[0])
	if err != nil {
		return err
	}
	addr := settings.NFSListen
	if cmd.Flags().Changed("listen") {
		addr = serveListen
	}

	s, err := openSession(cmd, daemon.SessionOptions{Root: root})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	if serveScan {
		if _, err := s.Pipeline.IngestTree(ctx, root, ingest.TreeOptions{}); err != nil {
			return err
		}
	}

	fs, err := vfs.New(root, s.Pipeline, log.StandardLogger())
	if err != nil {
		return err
	}
	server := daemon.NewNFSServer(fs, log.StandardLogger())
	if err := server.Listen(addr); err != nil {
		return err
	}

	fmt.Printf("Serving %s on %s\n", bold(root), cyan(server.Addr().String()))
	port := server.Addr().String()
	if i := strings.LastIndex(port, ":"); i >= 0 {
		port = port[i+1:]
	}
	fmt.Printf("  mount -t nfs -o port=%s,mountport=%s,nolocks,vers=3,tcp localhost:/ <mountpoint>\n", port, port)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve() }()

	select {
	case <-ctx.Done():
		server.Shutdown()
		return <-errCh
	case err := <-errCh:
		server.Shutdown()
		return err
	}
}
