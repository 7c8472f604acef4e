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

package cache

import (
	"os"
	"strings"
	"sync"
	"syscall"
	"time"
)

// RacyWindow is how old a file's mtime must be before its digest is cached.
// Filesystem timestamps are coarse, so a file modified again within the
// same tick would otherwise keep a stale stamp.
const RacyWindow = 2 * time.Second

// Stamp identifies one version of a file's content.
type Stamp struct {
	Size    int64
	ModTime time.Time
	Ino     uint64
}

// StampOf builds a Stamp from file info.
func StampOf(info os.FileInfo) Stamp {
	s := Stamp{Size: info.Size(), ModTime: info.ModTime()}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		s.Ino = uint64(st.Ino)
	}
	return s
}

// Equal reports whether both stamps describe the same file version.
func (s Stamp) Equal(o Stamp) bool {
	return s.Size == o.Size && s.Ino == o.Ino && s.ModTime.Equal(o.ModTime)
}

// DigestCache remembers the digest computed for a path at a given stamp.
type DigestCache struct {
	mu      sync.RWMutex
	entries map[string]*digestEntry
	ttl     time.Duration
	maxSize int

	hits, misses uint64
}

type digestEntry struct {
	stamp    Stamp
	checksum string
	expires  time.Time
}

// NewDigestCache creates a new digest cache.
// ttl: Time-to-live for cached entries (use 0 for no expiration)
// maxSize: Maximum number of entries (use 0 for unlimited)
func NewDigestCache(ttl time.Duration, maxSize int) *DigestCache {
	return &DigestCache{
		entries: make(map[string]*digestEntry, 256),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Get returns the digest cached for path if it was recorded at stamp.
// A nil cache always misses.
func (c *DigestCache) Get(path string, stamp Stamp) (string, bool) {
	if c == nil || Disabled {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[path]
	if !ok || !entry.stamp.Equal(stamp) || (c.ttl > 0 && time.Now().After(entry.expires)) {
		c.misses++
		return "", false
	}
	c.hits++
	return entry.checksum, true
}

// Set records checksum for path at stamp. Files modified within
// RacyWindow are not cached.
func (c *DigestCache) Set(path string, stamp Stamp, checksum string) {
	if c == nil || Disabled {
		return
	}
	now := time.Now()
	if now.Sub(stamp.ModTime) < RacyWindow {
		c.InvalidatePath(path)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.maxSize > 0 && len(c.entries) >= c.maxSize {
		// Don't add new entries when at capacity
		if _, exists := c.entries[path]; !exists {
			return
		}
	}

	var expires time.Time
	if c.ttl > 0 {
		expires = now.Add(c.ttl)
	}
	c.entries[path] = &digestEntry{stamp: stamp, checksum: checksum, expires: expires}
}

// Invalidate clears all entries from the cache.
func (c *DigestCache) Invalidate() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) > 0 {
		c.entries = make(map[string]*digestEntry, 256)
	}
}

// InvalidatePath removes a specific path from the cache.
func (c *DigestCache) InvalidatePath(path string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, path)
}

// InvalidatePrefix removes path and everything below it.
func (c *DigestCache) InvalidatePrefix(prefix string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := strings.TrimSuffix(prefix, "/") + "/"
	for path := range c.entries {
		if path == prefix || strings.HasPrefix(path, dir) {
			delete(c.entries, path)
		}
	}
}

// DigestCacheStats holds cache statistics.
type DigestCacheStats struct {
	Size    int
	MaxSize int
	TTL     time.Duration
	Hits    uint64
	Misses  uint64
}

// Stats returns current cache statistics.
func (c *DigestCache) Stats() DigestCacheStats {
	if c == nil {
		return DigestCacheStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return DigestCacheStats{
		Size:    len(c.entries),
		MaxSize: c.maxSize,
		TTL:     c.ttl,
		Hits:    c.hits,
		Misses:  c.misses,
	}
}
