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

package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"dedupfs/internal/cache"
	"dedupfs/internal/common"
	"dedupfs/internal/dedup"
	"dedupfs/internal/hasher"
	"dedupfs/internal/ingest"
	"dedupfs/internal/storage"
)

const (
	digestCacheTTL  = 30 * time.Minute
	digestCacheSize = 1 << 16
)

// SessionOptions configures OpenSession.
type SessionOptions struct {
	// Root anchors exclude patterns and .gitignore collection.
	Root string
	// Algorithm, when set, must match the catalog's algorithm. It is also
	// the algorithm of a newly created catalog.
	Algorithm string
	// Create allows creating a missing catalog.
	Create bool
	// ReadOnly skips the catalog lock.
	ReadOnly bool
	// LockWait is how long to wait for a catalog locked by another
	// process. Zero fails immediately.
	LockWait time.Duration
	// ExtraExcludes are absolute paths never ingested (quarantine dirs).
	ExtraExcludes []string
	Logger        log.FieldLogger
}

// Session is an open catalog with the engine and pipeline configured from
// settings.
type Session struct {
	Settings *Settings
	Catalog  *storage.Catalog
	Engine   *dedup.Engine
	Pipeline *ingest.Pipeline

	lock *CatalogLock
}

// OpenSession opens (or creates) the catalog named by settings and wires
// the components around it.
func OpenSession(settings *Settings, opts SessionOptions) (*Session, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	catalogPath := settings.CatalogPath()

	policy, err := dedup.ParsePolicy(settings.CanonicalPolicy)
	if err != nil {
		return nil, err
	}
	algorithm := opts.Algorithm
	if algorithm != "" {
		alg, err := hasher.ParseAlgorithm(algorithm)
		if err != nil {
			return nil, err
		}
		algorithm = string(alg)
	}

	s := &Session{Settings: settings}
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(catalogPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create catalog directory: %w", err)
		}
		if opts.LockWait > 0 {
			s.lock, err = WaitCatalogLock(context.Background(), catalogPath, opts.LockWait)
		} else {
			s.lock, err = AcquireCatalogLock(catalogPath)
		}
		if err != nil {
			return nil, err
		}
	}

	catOpts := storage.Options{
		Algorithm:   algorithm,
		BusyTimeout: settings.BusyTimeout,
		Logger:      logger,
	}
	switch {
	case opts.Create:
		if catOpts.Algorithm == "" {
			alg, err := hasher.ParseAlgorithm(settings.Algorithm)
			if err != nil {
				s.lock.Release()
				return nil, err
			}
			if _, statErr := os.Stat(catalogPath); errors.Is(statErr, os.ErrNotExist) {
				catOpts.Algorithm = string(alg)
			}
		}
		s.Catalog, err = storage.OpenOrCreate(catalogPath, catOpts)
	default:
		s.Catalog, err = storage.Open(catalogPath, catOpts)
		if errors.Is(err, common.ErrNotFound) {
			err = fmt.Errorf("%w (run 'dedupfs init' first)", err)
		}
	}
	if err != nil {
		s.lock.Release()
		return nil, err
	}

	s.Engine = dedup.NewEngine(s.Catalog, dedup.Options{
		Policy:        policy,
		VerifyContent: settings.VerifyContent,
		Logger:        logger,
	})
	filter := ingest.NewFilter(ingest.FilterOptions{
		Root:      opts.Root,
		Excludes:  settings.Excludes,
		Gitignore: settings.Gitignore,
		Paths:     opts.ExtraExcludes,
	}, logger)
	s.Pipeline, err = ingest.New(s.Catalog, ingest.Options{
		Engine:           s.Engine,
		HardlinkOnIngest: settings.HardlinkOnIngest,
		Filter:           filter,
		Cache:            cache.NewDigestCache(digestCacheTTL, digestCacheSize),
		Logger:           logger,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the catalog and releases the lock.
func (s *Session) Close() error {
	var errs []error
	if s.Catalog != nil {
		errs = append(errs, s.Catalog.Close())
		s.Catalog = nil
	}
	errs = append(errs, s.lock.Release())
	s.lock = nil
	return errors.Join(errs...)
}
