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

// Package dedup consolidates catalog duplicate groups. Two strategies are
// offered: in-place hardlinking, and moving dependents into a quarantine
// directory with an optional symlink back to the canonical file. Vacuum
// drops catalog rows whose file has disappeared.
//
// Catalog rows are only mutated through storage.Tx. Filesystem mutations
// already performed are never undone when a later step fails; each one is
// logged before and after it happens so an operator can reconcile.
package dedup

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/stevegt/readercomp"

	"dedupfs/internal/storage"
)

// compareBufSize is the read size used when byte-comparing two files.
const compareBufSize = 64 * 1024

// Options configures an Engine.
type Options struct {
	// Policy picks the canonical file of a group; empty means DefaultPolicy.
	Policy Policy
	// VerifyContent byte-compares every dependent with its canonical file
	// before consolidating it. Mismatches are skipped.
	VerifyContent bool
	Logger        log.FieldLogger
}

// Engine runs consolidation passes against one catalog.
type Engine struct {
	catalog *storage.Catalog
	policy  Policy
	verify  bool
	log     log.FieldLogger
}

// NewEngine creates an engine for catalog.
func NewEngine(catalog *storage.Catalog, opts Options) *Engine {
	if opts.Policy == "" {
		opts.Policy = DefaultPolicy
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Engine{
		catalog: catalog,
		policy:  opts.Policy,
		verify:  opts.VerifyContent,
		log:     opts.Logger,
	}
}

// Policy returns the canonical-selection policy in use.
func (e *Engine) Policy() Policy {
	return e.policy
}

// sameContent reports whether dependent still matches canonical. It always
// returns true when verification is disabled.
func (e *Engine) sameContent(canonical, dependent string) (bool, error) {
	if !e.verify {
		return true, nil
	}
	a, err := os.Open(canonical)
	if err != nil {
		return false, err
	}
	defer a.Close()
	b, err := os.Open(dependent)
	if err != nil {
		return false, err
	}
	defer b.Close()

	ok, err := readercomp.Equal(a, b, compareBufSize)
	if err != nil {
		return false, fmt.Errorf("compare %s with %s: %w", dependent, canonical, err)
	}
	return ok, nil
}

// existing filters paths down to those present on disk, logging the rest.
func (e *Engine) existing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if _, err := os.Lstat(p); err != nil {
			e.log.Warnf("[Dedup] skipping %s: %v (run vacuum first)", p, err)
			continue
		}
		out = append(out, p)
	}
	return out
}
