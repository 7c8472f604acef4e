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
	"strings"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"dedupfs/internal/common"
)

// BunDB wraps a Bun database instance for type-safe queries.
// Every statement goes through Bun's placeholder formatting; no path or
// checksum text is ever spliced into SQL by hand.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	bunDB := bun.NewDB(sqlDB, sqlitedialect.New())
	return &BunDB{DB: bunDB}
}

// --- Schema Info ---

// HasTable reports whether the database defines a table called name.
func (db *BunDB) HasTable(ctx context.Context, name string) (bool, error) {
	n, err := db.NewSelect().
		TableExpr("sqlite_master").
		Where("type = 'table'").
		Where("name = ?", name).
		Count(ctx)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetSchemaInfo retrieves a schema info value by key.
func (db *BunDB) GetSchemaInfo(ctx context.Context, key string) (string, error) {
	var info SchemaInfoModel
	err := db.NewSelect().
		Model(&info).
		Where("key = ?", key).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return info.Value, nil
}

// SetSchemaInfo sets a schema info value (upserts).
func (db *BunDB) SetSchemaInfo(ctx context.Context, key, value string) error {
	_, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: key, Value: value}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx)
	return err
}

// --- File Operations ---

// UpsertFileWith inserts or replaces the row for file.Path.
func (db *BunDB) UpsertFileWith(idb bun.IDB, ctx context.Context, file *FileModel) error {
	_, err := idb.NewInsert().
		Model(file).
		On("CONFLICT (path) DO UPDATE").
		Set("checksum = EXCLUDED.checksum").
		Set("symlink = EXCLUDED.symlink").
		Exec(ctx)
	return err
}

// DeleteFileWith deletes the row for path and returns the number of rows removed.
func (db *BunDB) DeleteFileWith(idb bun.IDB, ctx context.Context, path string) (int64, error) {
	result, err := idb.NewDelete().
		Model((*FileModel)(nil)).
		Where("path = ?", path).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// GetFileWith retrieves the row for path.
// Returns common.ErrNotFound if the path is not tracked.
func (db *BunDB) GetFileWith(idb bun.IDB, ctx context.Context, path string) (*FileModel, error) {
	var file FileModel
	err := idb.NewSelect().
		Model(&file).
		Where("path = ?", path).
		Scan(ctx)
	if err == sql.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

// SetSymlinkWith flips the symlink flag of path.
func (db *BunDB) SetSymlinkWith(idb bun.IDB, ctx context.Context, path string, symlink bool) (int64, error) {
	result, err := idb.NewUpdate().
		Model((*FileModel)(nil)).
		Set("symlink = ?", symlink).
		Where("path = ?", path).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DuplicateFilesWith returns every non-symlink row whose checksum appears at
// least twice among non-symlink rows, ordered by (checksum, path).
// With onlyUnresolved, checksums whose rows beyond the first are all
// symlinked are excluded as well.
func (db *BunDB) DuplicateFilesWith(idb bun.IDB, ctx context.Context, onlyUnresolved bool) ([]FileModel, error) {
	duplicated := idb.NewSelect().
		TableExpr("files").
		Column("checksum").
		Where("symlink = ?", false).
		Group("checksum").
		Having("COUNT(*) > 1")

	var files []FileModel
	q := idb.NewSelect().
		Model(&files).
		Where("symlink = ?", false).
		Where("checksum IN (?)", duplicated)
	if onlyUnresolved {
		resolved := idb.NewSelect().
			TableExpr("files").
			Column("checksum").
			Group("checksum").
			Having("SUM(CASE WHEN symlink THEN 0 ELSE 1 END) <= 1")
		q = q.Where("checksum NOT IN (?)", resolved)
	}
	err := q.Order("checksum ASC", "path ASC").Scan(ctx)
	return files, err
}

// FilesForChecksumWith returns the non-symlink rows sharing checksum,
// excluding one path, ordered by path.
func (db *BunDB) FilesForChecksumWith(idb bun.IDB, ctx context.Context, checksum, excluding string) ([]FileModel, error) {
	var files []FileModel
	err := idb.NewSelect().
		Model(&files).
		Where("checksum = ?", checksum).
		Where("path != ?", excluding).
		Where("symlink = ?", false).
		Order("path ASC").
		Scan(ctx)
	return files, err
}

// ListFilesWith returns rows at or below prefix ordered by path. An empty
// prefix or "/" lists everything.
func (db *BunDB) ListFilesWith(idb bun.IDB, ctx context.Context, prefix string) ([]FileModel, error) {
	var files []FileModel
	q := idb.NewSelect().Model(&files)
	if prefix = strings.TrimSuffix(prefix, "/"); prefix != "" {
		// '0' sorts right after '/', so the range covers exactly prefix/...
		q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("path = ?", prefix).
				WhereOr("path >= ? AND path < ?", prefix+"/", prefix+"0")
		})
	}
	err := q.Order("path ASC").Scan(ctx)
	return files, err
}

// PathRowsWith opens a cursor over every tracked path ordered by path.
// The caller must close the returned rows.
func (db *BunDB) PathRowsWith(idb bun.IDB, ctx context.Context) (*sql.Rows, error) {
	return idb.NewSelect().
		Model((*FileModel)(nil)).
		Column("path").
		Order("path ASC").
		Rows(ctx)
}

// CountFilesWith returns the number of tracked paths.
func (db *BunDB) CountFilesWith(idb bun.IDB, ctx context.Context) (int, error) {
	return idb.NewSelect().Model((*FileModel)(nil)).Count(ctx)
}
