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
	"errors"
	"fmt"
)

// Error kinds. Every error surfaced by the catalog, the ingest pipeline and
// the dedup engine matches exactly one of these with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrStorage      = errors.New("catalog storage error")
	ErrLink         = errors.New("link error")
	ErrInvalidPath  = errors.New("invalid path")
	ErrNotDir       = errors.New("not a directory")
	ErrCatalogInUse = errors.New("catalog is locked by another process")
)

// OpError records a failed operation on a path together with its kind.
type OpError struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *OpError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Path, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause, so errors.Is matches
// ErrNotFound as well as fs.ErrNotExist for a missing file.
func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NotFound wraps err as an ErrNotFound failure of op on path.
func NotFound(op, path string, err error) error {
	return &OpError{Op: op, Path: path, Kind: ErrNotFound, Err: err}
}

// Conflict wraps err as an ErrConflict failure of op on path.
func Conflict(op, path string, err error) error {
	return &OpError{Op: op, Path: path, Kind: ErrConflict, Err: err}
}

// Storage wraps err as an ErrStorage failure of op on path.
func Storage(op, path string, err error) error {
	return &OpError{Op: op, Path: path, Kind: ErrStorage, Err: err}
}

// Link wraps err as an ErrLink failure of op on path.
func Link(op, path string, err error) error {
	return &OpError{Op: op, Path: path, Kind: ErrLink, Err: err}
}

// KindOf returns the error kind err matches, or nil for untyped errors.
func KindOf(err error) error {
	for _, kind := range []error{ErrNotFound, ErrConflict, ErrStorage, ErrLink, ErrInvalidPath, ErrNotDir, ErrCatalogInUse} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
