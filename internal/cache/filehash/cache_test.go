package filehash

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCalculate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net1.cap")
	content := []byte("capture content")
	require.NoError(t, os.WriteFile(path, content, 0644))

	want := sha256.Sum256(content)

	cache := New()
	got, err := cache.GetOrCalculate(path)
	require.NoError(t, err)
	assert.Equal(t, hex.EncodeToString(want[:]), got)
	assert.Equal(t, 1, cache.Size())

	// Second call hits the cache.
	again, err := cache.GetOrCalculate(path)
	require.NoError(t, err)
	assert.Equal(t, got, again)
	assert.Equal(t, 1, cache.Size())
}

func TestGetOrCalculateDetectsModification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net1.cap")
	require.NoError(t, os.WriteFile(path, []byte("first"), 0644))

	cache := New()
	first, err := cache.GetOrCalculate(path)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("second version"), 0644))
	// Make sure the modTime visibly differs even on coarse filesystems.
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	second, err := cache.GetOrCalculate(path)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestGetOrCalculateMissingFile(t *testing.T) {
	cache := New()
	_, err := cache.GetOrCalculate(filepath.Join(t.TempDir(), "absent.cap"))
	require.Error(t, err)
}

func TestInvalidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "net1.cap")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0644))

	cache := New()
	_, err := cache.GetOrCalculate(path)
	require.NoError(t, err)
	require.Equal(t, 1, cache.Size())

	cache.Invalidate(path)
	assert.Equal(t, 0, cache.Size())
}
