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
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dedupfs/internal/daemon"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		// Dev build: include epoch and commit for troubleshooting
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

// Global flags. Empty values keep what settings.yaml says.
var (
	flagCatalog   string
	flagAlgorithm string
	flagLogLevel  string
	flagLogFile   string
	flagPolicy    string
	flagVerify    bool
	flagQuiet     bool
	flagWait      time.Duration
)

// settings is loaded once per invocation by the root pre-run hook.
var settings *daemon.Settings

// logFile is closed when the command finishes.
var logFile *os.File

var rootCmd = &cobra.Command{
	Use:   "dedupfs",
	Short: "Checksum catalog and duplicate consolidation for file trees",
	Long: `Keep a persistent catalog of file checksums and consolidate duplicate files.

Duplicates can be hardlinked in place, or moved into a quarantine directory
with an optional symlink left behind. The catalog is kept current by explicit
ingests, by watching a directory, or by serving a tree over NFS.

A typical maintenance run:
  dedupfs init
  dedupfs ingest ~/photos
  dedupfs vacuum
  dedupfs dedup ~/photos-quarantine --symlink-back`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for help commands
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := daemon.InitConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		loaded, err := daemon.LoadSettings()
		if err != nil {
			return fmt.Errorf("failed to load settings: %w", err)
		}
		if err := applyFlags(cmd, loaded); err != nil {
			return err
		}
		settings = loaded

		return setupLogging(settings.LogLevelName(), flagLogFile)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			logFile.Close()
			logFile = nil
		}
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("dedupfs version {{.Version}}\n")

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagCatalog, "catalog", "", "Catalog file (default from settings.yaml)")
	flags.StringVar(&flagAlgorithm, "algorithm", "", "Digest algorithm: sha1, sha256, blake3")
	flags.StringVar(&flagLogLevel, "logging", "", "Log level: trace, debug, info, warn, off")
	flags.StringVar(&flagLogFile, "log-file", "", "Write logs to this file instead of stderr")
	flags.StringVar(&flagPolicy, "policy", "", "Canonical file policy: lexical, oldest, shortest")
	flags.BoolVar(&flagVerify, "verify", false, "Byte-compare files before consolidating them")
	flags.BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
	flags.DurationVar(&flagWait, "wait", 0, "Wait this long for a catalog locked by another dedupfs process")
}

// applyFlags overlays explicitly set global flags onto s.
func applyFlags(cmd *cobra.Command, s *daemon.Settings) error {
	flags := cmd.Flags()
	if flags.Changed("catalog") {
		s.Catalog = flagCatalog
	}
	if flags.Changed("algorithm") {
		s.Algorithm = flagAlgorithm
	}
	if flags.Changed("logging") {
		s.LogLevel = flagLogLevel
	}
	if flags.Changed("policy") {
		s.CanonicalPolicy = flagPolicy
	}
	if flags.Changed("verify") {
		s.VerifyContent = flagVerify
	}
	return s.Validate()
}

// setupLogging points logrus at path (stderr when empty) with the given
// level. "off" and "none" discard all output.
func setupLogging(level, path string) error {
	var out io.Writer = os.Stderr
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		out = f
	}
	log.SetOutput(out)

	switch level {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "", "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "off", "none":
		log.SetOutput(io.Discard)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
