package filehash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// CachedFileInfo stores file metadata and checksum to avoid recalculation
type CachedFileInfo struct {
	Path     string
	ModTime  time.Time
	Size     int64
	Checksum string
}

// Cache provides thread-safe content checksum caching for capture files. The
// checksum is the capture's identity, so the watcher consults this before
// hitting the repository.
type Cache struct {
	entries map[string]CachedFileInfo
	mu      sync.RWMutex
}

// New creates a new file checksum cache
func New() *Cache {
	return &Cache{
		entries: make(map[string]CachedFileInfo),
	}
}

// GetOrCalculate returns the cached checksum if still valid, otherwise
// calculates and caches it.
func (c *Cache) GetOrCalculate(filePath string) (string, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat file: %w", err)
	}

	c.mu.RLock()
	cached, exists := c.entries[filePath]
	c.mu.RUnlock()

	// Cache hit: modTime and size unchanged
	if exists && cached.ModTime.Equal(fileInfo.ModTime()) && cached.Size == fileInfo.Size() {
		return cached.Checksum, nil
	}

	checksum, err := calculateSHA256(filePath)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[filePath] = CachedFileInfo{
		Path:     filePath,
		ModTime:  fileInfo.ModTime(),
		Size:     fileInfo.Size(),
		Checksum: checksum,
	}
	c.mu.Unlock()

	return checksum, nil
}

// Invalidate removes an entry from cache
func (c *Cache) Invalidate(filePath string) {
	c.mu.Lock()
	delete(c.entries, filePath)
	c.mu.Unlock()
}

// Size returns number of cached entries
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func calculateSHA256(filePath string) (string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
