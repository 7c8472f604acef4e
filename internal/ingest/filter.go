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

package ingest

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"
)

// FilterOptions configures which paths are never ingested.
type FilterOptions struct {
	// Root anchors relative patterns and is where .gitignore files are
	// collected from.
	Root string
	// Excludes are gitignore-style patterns relative to Root.
	Excludes []string
	// Gitignore honors .gitignore files found under Root.
	Gitignore bool
	// Paths are absolute files or directories always excluded (the
	// catalog file, its sidecars, the quarantine directory).
	Paths []string
}

// Filter decides whether a path is excluded from ingest.
type Filter struct {
	root     string
	excludes *ignore.GitIgnore
	matcher  *gitignoreMatcher
	paths    []string
}

// NewFilter builds a filter. Unreadable .gitignore files are logged and
// ignored.
func NewFilter(opts FilterOptions, logger log.FieldLogger) *Filter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	f := &Filter{root: filepath.Clean(opts.Root)}
	if len(opts.Excludes) > 0 {
		f.excludes = ignore.CompileIgnoreLines(opts.Excludes...)
	}
	if opts.Gitignore && opts.Root != "" {
		m, err := newGitignoreMatcher(f.root)
		if err != nil {
			logger.Warnf("[Ingest] failed to read .gitignore files under %s: %v", f.root, err)
		}
		f.matcher = m
	}
	for _, p := range opts.Paths {
		if p != "" {
			f.paths = append(f.paths, filepath.Clean(p))
		}
	}
	return f
}

// WithPaths returns a copy of f that also excludes paths. f is unchanged.
func (f *Filter) WithPaths(paths ...string) *Filter {
	c := &Filter{}
	if f != nil {
		*c = *f
	}
	c.paths = make([]string, 0, len(c.paths)+len(paths))
	if f != nil {
		c.paths = append(c.paths, f.paths...)
	}
	for _, p := range paths {
		if p != "" {
			c.paths = append(c.paths, filepath.Clean(p))
		}
	}
	return c
}

// CatalogPaths lists the files belonging to the catalog at path.
func CatalogPaths(path string) []string {
	return []string{path, path + "-wal", path + "-shm", path + "-journal", path + ".lock"}
}

// Excluded reports whether path (absolute) must not be ingested. A nil
// filter excludes nothing.
func (f *Filter) Excluded(path string, isDir bool) bool {
	if f == nil {
		return false
	}
	path = filepath.Clean(path)
	for _, p := range f.paths {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}

	rel := f.rel(path)
	if rel == "" {
		return false
	}
	if f.excludes != nil {
		check := rel
		if isDir {
			check += "/"
		}
		if f.excludes.MatchesPath(check) {
			return true
		}
	}
	return f.matcher.isIgnored(rel, isDir)
}

// rel returns path relative to the filter root using forward slashes, or
// the path without its leading slash when it lies outside the root.
func (f *Filter) rel(path string) string {
	if f.root != "" && f.root != "." {
		if r, err := filepath.Rel(f.root, path); err == nil && r != "." && r != ".." && !strings.HasPrefix(r, "../") {
			return filepath.ToSlash(r)
		}
		if path == f.root {
			return ""
		}
	}
	return strings.TrimPrefix(filepath.ToSlash(path), "/")
}

// gitignoreMatcher collects .gitignore rules from a tree
type gitignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newGitignoreMatcher(root string) (*gitignoreMatcher, error) {
	m := &gitignoreMatcher{}

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		relDir, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}
		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: filepath.ToSlash(relDir),
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	return m, err
}

func (m *gitignoreMatcher) isIgnored(relPath string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := relPath
	if isDir {
		checkPath = relPath + "/"
	}

	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(relPath, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
