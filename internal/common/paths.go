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

package common

import (
	"fmt"
	"path/filepath"
	"strings"
)

// NormalizePath cleans and normalizes a path, removing leading/trailing slashes
func NormalizePath(path string) string {
	path = filepath.Clean(path)
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "." {
		return ""
	}
	return path
}

// SplitPath splits a path into its components
func SplitPath(path string) []string {
	path = NormalizePath(path)
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// AbsPath returns the cleaned absolute form of path.
func AbsPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path: %w", ErrInvalidPath)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, ErrInvalidPath)
	}
	return abs, nil
}

// CommonPathPrefix returns the longest absolute directory shared by a and b,
// compared segment by segment. "/data" and "/dat/x" share only "/".
func CommonPathPrefix(a, b string) string {
	as, bs := SplitPath(a), SplitPath(b)
	n := 0
	for n < len(as) && n < len(bs) && as[n] == bs[n] {
		n++
	}
	return "/" + strings.Join(as[:n], "/")
}

// IsWithin reports whether path equals dir or lies below it.
func IsWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../"))
}

// QuarantinePath computes where path is moved inside quarantineDir: the part
// of path not shared with quarantineDir is recreated below it, keeping the
// source directory structure so equal basenames from different directories
// never collide. Both arguments must be absolute.
func QuarantinePath(quarantineDir, path string) (string, error) {
	if !filepath.IsAbs(quarantineDir) || !filepath.IsAbs(path) {
		return "", fmt.Errorf("quarantine path for %q in %q: %w", path, quarantineDir, ErrInvalidPath)
	}
	quarantineDir = filepath.Clean(quarantineDir)
	path = filepath.Clean(path)
	if IsWithin(path, quarantineDir) {
		return "", fmt.Errorf("%s lies inside quarantine directory %s: %w", path, quarantineDir, ErrInvalidPath)
	}
	if IsWithin(quarantineDir, path) {
		return "", fmt.Errorf("%s contains quarantine directory %s: %w", path, quarantineDir, ErrInvalidPath)
	}

	suffix, err := filepath.Rel(CommonPathPrefix(quarantineDir, path), path)
	if err != nil {
		return "", fmt.Errorf("quarantine path for %q: %w", path, ErrInvalidPath)
	}
	return filepath.Join(quarantineDir, suffix), nil
}
