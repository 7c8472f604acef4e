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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"

	log "github.com/sirupsen/logrus"
	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"

	"dedupfs/internal/common"
	"dedupfs/internal/util"
)

// Options configures how a catalog is opened.
type Options struct {
	// Algorithm is recorded in a new catalog and checked against an existing
	// one. Empty adopts whatever the catalog was created with.
	Algorithm string
	// BusyTimeout in milliseconds; 0 uses the default.
	BusyTimeout int
	// Logger receives catalog diagnostics; nil uses the standard logger.
	Logger log.FieldLogger
}

func (o Options) logger() log.FieldLogger {
	if o.Logger == nil {
		return log.StandardLogger()
	}
	return o.Logger
}

// Catalog is the durable path → checksum table.
type Catalog struct {
	path      string
	db        *sql.DB
	bunDB     *BunDB
	algorithm string
	log       log.FieldLogger
}

// execPragma runs a PRAGMA statement using Query (not Exec) because libsql
// returns rows for PRAGMA statements. The result rows are drained and closed.
func execPragma(db *sql.DB, pragma string) error {
	rows, err := db.Query(pragma)
	if err != nil {
		return err
	}
	rows.Close()
	return nil
}

// applyPragmas sets essential PRAGMAs after opening a libsql connection.
// libsql ignores DSN-based _pragma=value parameters, so all PRAGMAs must be
// set explicitly via SQL statements after the connection is opened.
func applyPragmas(db *sql.DB, busyTimeout int) error {
	// Busy timeout first so journal_mode=WAL waits on locks instead of failing.
	if err := execPragma(db, fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		return fmt.Errorf("failed to set busy_timeout: %w", err)
	}
	if err := execPragma(db, "PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to set journal_mode=WAL: %w", err)
	}
	if err := execPragma(db, "PRAGMA synchronous=NORMAL"); err != nil {
		return fmt.Errorf("failed to set synchronous=NORMAL: %w", err)
	}
	return nil
}

func openDB(path string, opts Options) (*sql.DB, error) {
	busyTimeout := GetBusyTimeout(opts.BusyTimeout)
	db, err := sql.Open("libsql", BuildDSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: every transaction of this process is serialized through it.
	db.SetMaxOpenConns(1)
	if err := applyPragmas(db, busyTimeout); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Create creates a new catalog file at path.
func Create(path string, opts Options) (*Catalog, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, common.Conflict("create catalog", path, os.ErrExist)
	}
	algorithm := opts.Algorithm
	if algorithm == "" {
		return nil, fmt.Errorf("create catalog %s: no hash algorithm given", path)
	}

	db, err := openDB(path, opts)
	if err != nil {
		return nil, common.Storage("create catalog", path, err)
	}

	// Create schema (execute statements individually for libsql compatibility)
	if err := execStatements(db, catalogSchema); err != nil {
		db.Close()
		os.Remove(path)
		return nil, common.Storage("create schema", path, err)
	}
	if err := execStatements(db, initCatalog, SchemaVersion, algorithm); err != nil {
		db.Close()
		os.Remove(path)
		return nil, common.Storage("initialize catalog", path, err)
	}

	opts.logger().Infof("[Catalog] created %s (algorithm=%s)", path, algorithm)
	return &Catalog{
		path:      path,
		db:        db,
		bunDB:     NewBunDB(db),
		algorithm: algorithm,
		log:       opts.logger(),
	}, nil
}

// Open opens an existing catalog file.
func Open(path string, opts Options) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, common.NotFound("open catalog", path, err)
	}

	db, err := openDB(path, opts)
	if err != nil {
		return nil, common.Storage("open catalog", path, err)
	}

	bunDB := NewBunDB(db)
	ctx := context.Background()

	// Foreign SQLite files are rejected before anything is written to them.
	ok, err := bunDB.HasTable(ctx, "schema_info")
	if err != nil {
		db.Close()
		return nil, common.Storage("read schema info", path, err)
	}
	if !ok {
		db.Close()
		return nil, common.Conflict("open catalog", path, errors.New("not a catalog file"))
	}

	fileType, err := bunDB.GetSchemaInfo(ctx, "type")
	if err != nil {
		db.Close()
		return nil, common.Storage("read schema info", path, err)
	}
	if fileType != FileType {
		db.Close()
		return nil, common.Conflict("open catalog", path, fmt.Errorf("not a catalog file (type=%s)", fileType))
	}

	algorithm, err := bunDB.GetSchemaInfo(ctx, "algorithm")
	if err != nil {
		db.Close()
		return nil, common.Storage("read schema info", path, err)
	}
	if opts.Algorithm != "" && opts.Algorithm != algorithm {
		db.Close()
		return nil, common.Conflict("open catalog", path,
			fmt.Errorf("catalog uses %s digests, %s requested", algorithm, opts.Algorithm))
	}

	// Older catalogs may predate the index; the schema is idempotent.
	if err := execStatements(db, catalogSchema); err != nil {
		db.Close()
		return nil, common.Storage("verify schema", path, err)
	}

	return &Catalog{
		path:      path,
		db:        db,
		bunDB:     bunDB,
		algorithm: algorithm,
		log:       opts.logger(),
	}, nil
}

// OpenOrCreate opens the catalog at path, creating it first if absent.
func OpenOrCreate(path string, opts Options) (*Catalog, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Create(path, opts)
	}
	return Open(path, opts)
}

// Close checkpoints the WAL into the main file and closes the connection.
func (c *Catalog) Close() error {
	if c.db == nil {
		return nil
	}
	// Note: PRAGMA wal_checkpoint returns rows, so we must use Query() not Exec()
	if err := execPragma(c.db, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		c.log.Warnf("[Catalog] WAL checkpoint failed: %v", err)
	}
	err := c.db.Close()
	c.db = nil
	if err != nil {
		return err
	}
	os.Remove(c.path + "-wal")
	os.Remove(c.path + "-shm")
	return nil
}

// Path returns the catalog file path
func (c *Catalog) Path() string {
	return c.path
}

// Algorithm returns the digest algorithm recorded in the catalog.
func (c *Catalog) Algorithm() string {
	return c.algorithm
}

// BunDB returns the Bun database wrapper.
func (c *Catalog) BunDB() *BunDB {
	return c.bunDB
}

// WithTransaction runs fn inside one transaction. The transaction commits
// when fn returns nil and rolls back otherwise; fn's error is returned
// unchanged. Failures to begin or commit are reported as common.ErrStorage.
func (c *Catalog) WithTransaction(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	var bodyErr error
	err := c.bunDB.RunInTx(ctx, nil, func(ctx context.Context, btx bun.Tx) error {
		bodyErr = fn(ctx, &Tx{tx: btx, db: c.bunDB, log: c.log})
		return bodyErr
	})
	if bodyErr != nil {
		c.log.Debugf("[Catalog] transaction rolled back: %v", bodyErr)
		return bodyErr
	}
	if err != nil {
		c.log.Errorf("[Catalog] transaction failed: %v", err)
		return common.Storage("transaction", c.path, err)
	}
	return nil
}

// withRetry runs a single-statement transaction, retrying while another
// process holds the write lock.
func (c *Catalog) withRetry(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return util.Retry(ctx, func() error {
		return c.WithTransaction(ctx, fn)
	}, util.DatabaseRetryOptions(ctx)...)
}

// Upsert records checksum for path in its own transaction.
func (c *Catalog) Upsert(ctx context.Context, path, checksum string, isSymlink bool) error {
	return c.withRetry(ctx, func(ctx context.Context, tx *Tx) error {
		return tx.Upsert(ctx, path, checksum, isSymlink)
	})
}

// Remove deletes the row for path in its own transaction. It reports
// whether a row existed.
func (c *Catalog) Remove(ctx context.Context, path string) (bool, error) {
	var removed bool
	err := c.withRetry(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		removed, err = tx.Remove(ctx, path)
		return err
	})
	return removed, err
}

// Get returns the entry for path.
func (c *Catalog) Get(ctx context.Context, path string) (Entry, error) {
	var entry Entry
	err := c.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		entry, err = tx.Get(ctx, path)
		return err
	})
	return entry, err
}

// List returns entries at or below prefix.
func (c *Catalog) List(ctx context.Context, prefix string) ([]Entry, error) {
	var entries []Entry
	err := c.WithTransaction(ctx, func(ctx context.Context, tx *Tx) error {
		var err error
		entries, err = tx.List(ctx, prefix)
		return err
	})
	return entries, err
}

// Tx is the catalog's transactional interface. It is only valid inside the
// WithTransaction callback that produced it.
type Tx struct {
	tx  bun.Tx
	db  *BunDB
	log log.FieldLogger
}

func (t *Tx) fail(op, path string, err error) error {
	t.log.Errorf("[Catalog] %s %s failed: %v", op, path, err)
	return common.Storage(op, path, err)
}

// Upsert inserts or replaces the row for path.
func (t *Tx) Upsert(ctx context.Context, path, checksum string, isSymlink bool) error {
	file := &FileModel{Path: path, Checksum: checksum, Symlink: isSymlink}
	if err := t.db.UpsertFileWith(t.tx, ctx, file); err != nil {
		return t.fail("upsert", path, err)
	}
	t.log.Debugf("[Catalog] upsert %s checksum=%s symlink=%t", path, checksum, isSymlink)
	return nil
}

// Remove deletes the row for path and reports whether one existed.
func (t *Tx) Remove(ctx context.Context, path string) (bool, error) {
	n, err := t.db.DeleteFileWith(t.tx, ctx, path)
	if err != nil {
		return false, t.fail("remove", path, err)
	}
	t.log.Debugf("[Catalog] remove %s (rows=%d)", path, n)
	return n > 0, nil
}

// Get returns the entry for path, or common.ErrNotFound.
func (t *Tx) Get(ctx context.Context, path string) (Entry, error) {
	file, err := t.db.GetFileWith(t.tx, ctx, path)
	if errors.Is(err, common.ErrNotFound) {
		return Entry{}, common.NotFound("get", path, nil)
	}
	if err != nil {
		return Entry{}, t.fail("get", path, err)
	}
	return file.ToEntry(), nil
}

// MarkSymlink flags path as converted to a symlink. It fails with
// common.ErrNotFound if path is not tracked.
func (t *Tx) MarkSymlink(ctx context.Context, path string) error {
	n, err := t.db.SetSymlinkWith(t.tx, ctx, path, true)
	if err != nil {
		return t.fail("mark symlink", path, err)
	}
	if n == 0 {
		return common.NotFound("mark symlink", path, nil)
	}
	return nil
}

// DuplicateGroups returns (checksum, path) pairs ordered by (checksum, path)
// for every checksum that appears at least twice among non-symlink rows.
func (t *Tx) DuplicateGroups(ctx context.Context, onlyUnresolved bool) ([]DuplicatePair, error) {
	files, err := t.db.DuplicateFilesWith(t.tx, ctx, onlyUnresolved)
	if err != nil {
		return nil, t.fail("duplicate groups", "", err)
	}
	pairs := make([]DuplicatePair, len(files))
	for i, f := range files {
		pairs[i] = DuplicatePair{Checksum: f.Checksum, Path: f.Path}
	}
	return pairs, nil
}

// PathsForChecksum returns the non-symlink paths sharing checksum, except
// excluding, ordered by path.
func (t *Tx) PathsForChecksum(ctx context.Context, checksum, excluding string) ([]string, error) {
	files, err := t.db.FilesForChecksumWith(t.tx, ctx, checksum, excluding)
	if err != nil {
		return nil, t.fail("paths for checksum", excluding, err)
	}
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths, nil
}

// List returns entries at or below prefix ordered by path.
func (t *Tx) List(ctx context.Context, prefix string) ([]Entry, error) {
	files, err := t.db.ListFilesWith(t.tx, ctx, prefix)
	if err != nil {
		return nil, t.fail("list", prefix, err)
	}
	entries := make([]Entry, len(files))
	for i := range files {
		entries[i] = files[i].ToEntry()
	}
	return entries, nil
}

// Count returns the number of tracked paths.
func (t *Tx) Count(ctx context.Context) (int, error) {
	n, err := t.db.CountFilesWith(t.tx, ctx)
	if err != nil {
		return 0, t.fail("count", "", err)
	}
	return n, nil
}

// AllPaths returns a lazy sequence of every tracked path in path order.
// Rows are streamed from a cursor, so the sequence is finite and meant to be
// ranged over once; a storage failure is yielded as the final element.
func (t *Tx) AllPaths(ctx context.Context) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := t.db.PathRowsWith(t.tx, ctx)
		if err != nil {
			yield("", t.fail("all paths", "", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				yield("", t.fail("all paths", "", err))
				return
			}
			if !yield(path, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", t.fail("all paths", "", err))
		}
	}
}
