// Package cache memoizes the results of expensive external calls as files
// under one directory, keyed by a hash of a caller-supplied string and aged
// by file mtime. There is no cross-process locking: two concurrent callers
// with the same key may both invoke the call and both write, second rename
// wins. The cached calls are idempotent registry reads, so the race is
// accepted.
package cache

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

// Cache is a handle on one cache directory.
type Cache struct {
	dir string
}

func New(dir string) *Cache {
	return &Cache{dir: dir}
}

// Cached returns the stored payload for key while it is younger than ttl,
// otherwise invokes call and stores its result. Staleness is judged at read
// time, so different callers may apply different TTLs to the same key.
// Failed calls are never cached and leave any existing entry in place.
func (c *Cache) Cached(key string, ttl time.Duration, call func() ([]byte, error)) ([]byte, error) {
	slot := c.slot(key)
	if fi, err := os.Stat(slot); err == nil && time.Since(fi.ModTime()) < ttl {
		if b, err := os.ReadFile(slot); err == nil {
			log.Debugf("cache hit for %q", key)
			return b, nil
		}
	}
	b, err := call()
	if err != nil {
		return nil, err
	}
	if err := c.write(slot, b); err != nil {
		return nil, fmt.Errorf("cache write|%w", err)
	}
	log.Debugf("cache store for %q", key)
	return b, nil
}

func (c *Cache) slot(key string) string {
	return filepath.Join(c.dir, fmt.Sprintf("%x", sha256.Sum256([]byte(key))))
}

// write lands the payload with temp-file-then-rename so a concurrent reader
// never sees a partial entry.
func (c *Cache) write(slot string, b []byte) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), slot)
}
