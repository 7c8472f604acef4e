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
	"github.com/uptrace/bun"
)

// SchemaInfoModel represents the schema_info table
type SchemaInfoModel struct {
	bun.BaseModel `bun:"table:schema_info"`

	Key   string `bun:"key,pk"`
	Value string `bun:"value,notnull"`
}

// FileModel represents one row of the files table
type FileModel struct {
	bun.BaseModel `bun:"table:files,alias:f"`

	Path     string `bun:"path,pk"`
	Checksum string `bun:"checksum,notnull"`
	Symlink  bool   `bun:"symlink,notnull"`
}

// Entry is a tracked path with the digest recorded at its last ingest.
type Entry struct {
	Path      string
	Checksum  string
	IsSymlink bool
}

// ToEntry converts a FileModel to an Entry
func (m *FileModel) ToEntry() Entry {
	return Entry{
		Path:      m.Path,
		Checksum:  m.Checksum,
		IsSymlink: m.Symlink,
	}
}

// DuplicatePair is one (checksum, path) row of a duplicate group.
type DuplicatePair struct {
	Checksum string
	Path     string
}

// ChecksumGroup holds the non-symlink paths sharing a checksum, ordered by
// path. Groups always have at least two members.
type ChecksumGroup struct {
	Checksum string
	Paths    []string
}

// GroupPairs folds (checksum, path) pairs ordered by checksum into groups,
// preserving pair order inside each group.
func GroupPairs(pairs []DuplicatePair) []ChecksumGroup {
	var groups []ChecksumGroup
	for _, p := range pairs {
		if n := len(groups); n > 0 && groups[n-1].Checksum == p.Checksum {
			groups[n-1].Paths = append(groups[n-1].Paths, p.Path)
			continue
		}
		groups = append(groups, ChecksumGroup{Checksum: p.Checksum, Paths: []string{p.Path}})
	}
	return groups
}
