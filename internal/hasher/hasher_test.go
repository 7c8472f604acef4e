package hasher

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dedupfs/internal/common"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path
}

func TestDigestEmptyFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		algorithm Algorithm
		want      string
	}{
		{SHA1, "da39a3ee5e6b4b0d3255bfef95601890afd80709"},
		{SHA256, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{BLAKE3, "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			t.Parallel()
			path := writeFile(t, t.TempDir(), "empty", nil)

			got, err := New(tt.algorithm).Digest(path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Len(t, got, tt.algorithm.DigestLen())
		})
	}
}

func TestDigestKnownContent(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "hello.txt", []byte("hello world\n"))

	got, err := New(SHA1).Digest(path)
	require.NoError(t, err)
	assert.Equal(t, "22596363b3de40b06f981fb85d82312e8c0ed511", got)
}

func TestDigestDeterministic(t *testing.T) {
	t.Parallel()
	path := writeFile(t, t.TempDir(), "data.bin", bytes.Repeat([]byte("abc"), 1000))
	h := New(BLAKE3)

	first, err := h.Digest(path)
	require.NoError(t, err)
	second, err := h.Digest(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDigestSpansChunks(t *testing.T) {
	t.Parallel()

	// Larger than several chunks and not a multiple of ChunkSize.
	data := make([]byte, 3*ChunkSize+123)
	for i := range data {
		data[i] = byte(i % 251)
	}
	path := writeFile(t, t.TempDir(), "big.bin", data)

	got, err := New(SHA1).Digest(path)
	require.NoError(t, err)

	want := sha1.Sum(data)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
}

func TestDigestDifferentContent(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeFile(t, dir, "a", []byte("one"))
	b := writeFile(t, dir, "b", []byte("two"))
	h := New(SHA256)

	da, err := h.Digest(a)
	require.NoError(t, err)
	db, err := h.Digest(b)
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}

func TestDigestNotFound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		t.Parallel()
		_, err := New(SHA1).Digest(filepath.Join(dir, "missing"))
		assert.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("dangling symlink", func(t *testing.T) {
		t.Parallel()
		link := filepath.Join(dir, "dangling")
		require.NoError(t, os.Symlink(filepath.Join(dir, "nowhere"), link))
		_, err := New(SHA1).Digest(link)
		assert.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestIsSymlinkAt(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	target := writeFile(t, dir, "target", []byte("x"))
	link := filepath.Join(dir, "link")
	require.NoError(t, os.Symlink(target, link))

	isLink, err := IsSymlinkAt(link)
	require.NoError(t, err)
	assert.True(t, isLink)

	isLink, err = IsSymlinkAt(target)
	require.NoError(t, err)
	assert.False(t, isLink)

	_, err = IsSymlinkAt(filepath.Join(dir, "missing"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestParseAlgorithm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		want    Algorithm
		wantErr bool
	}{
		{"", SHA1, false},
		{"sha1", SHA1, false},
		{"SHA256", SHA256, false},
		{" blake3 ", BLAKE3, false},
		{"md5", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAlgorithm(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "ParseAlgorithm(%q)", tt.input)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
