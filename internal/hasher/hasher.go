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

// Package hasher computes streaming content digests for catalog entries.
package hasher

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/zeebo/blake3"

	"dedupfs/internal/common"
)

// ChunkSize is the read size used while streaming file content.
const ChunkSize = 100 * 1024

// Algorithm names a digest function.
type Algorithm string

const (
	SHA1   Algorithm = "sha1"
	SHA256 Algorithm = "sha256"
	BLAKE3 Algorithm = "blake3"
)

// DefaultAlgorithm keeps catalogs readable by older sha1-only tooling.
const DefaultAlgorithm = SHA1

// ParseAlgorithm resolves a case-insensitive algorithm name. Empty selects
// DefaultAlgorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(strings.ToLower(strings.TrimSpace(name))) {
	case "":
		return DefaultAlgorithm, nil
	case SHA1:
		return SHA1, nil
	case SHA256:
		return SHA256, nil
	case BLAKE3:
		return BLAKE3, nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q", name)
}

// DigestLen is the length of the hex digest produced by a.
func (a Algorithm) DigestLen() int {
	switch a {
	case SHA256, BLAKE3:
		return 64
	default:
		return 40
	}
}

func (a Algorithm) new() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New()
	case BLAKE3:
		return blake3.New()
	default:
		return sha1.New()
	}
}

// Hasher produces lowercase hex digests. It holds no per-file state and is
// safe for concurrent use.
type Hasher struct {
	algorithm Algorithm
}

// New returns a Hasher for algorithm.
func New(algorithm Algorithm) *Hasher {
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	return &Hasher{algorithm: algorithm}
}

// Algorithm returns the digest function in use.
func (h *Hasher) Algorithm() Algorithm {
	return h.algorithm
}

// Digest streams the file at path through the hash in ChunkSize reads. Memory
// use is bounded regardless of file size. A path that cannot be opened
// (including a dangling symlink) fails with common.ErrNotFound.
func (h *Hasher) Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", common.NotFound("digest", path, err)
	}
	defer f.Close()
	return h.DigestReader(f)
}

// DigestReader hashes everything readable from r.
func (h *Hasher) DigestReader(r io.Reader) (string, error) {
	sum := h.algorithm.new()
	buf := make([]byte, ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read content: %w", err)
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// IsSymlinkAt reports whether path itself is a symbolic link. The link is
// never followed.
func IsSymlinkAt(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return false, common.NotFound("lstat", path, err)
	}
	return info.Mode()&fs.ModeSymlink != 0, nil
}
