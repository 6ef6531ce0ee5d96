package cve

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// cacheEntry is one cached query result on disk.
type cacheEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Records   []Record  `json:"records"`
}

// cacheFileName flattens a cache key into a safe filename.
func cacheFileName(prefix, key string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(key)
	return prefix + "_" + safe + ".json"
}

// readCache loads a cache entry, returning nil on miss or expiry.
func readCache(path string, ttl time.Duration) []Record {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil
	}
	if time.Since(entry.Timestamp) > ttl {
		return nil
	}
	if entry.Records == nil {
		return []Record{}
	}
	return entry.Records
}

// writeCache stores records under the given cache path. Failures are
// ignored by callers, a cold cache just means a re-query.
func writeCache(path string, records []Record) error {
	entry := cacheEntry{Timestamp: time.Now().UTC(), Records: records}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// clearCacheFiles removes all cache files with the given prefix.
func clearCacheFiles(cacheDir, prefix string) error {
	entries, err := os.ReadDir(cacheDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, prefix+"_") && strings.HasSuffix(name, ".json") {
			if err := os.Remove(filepath.Join(cacheDir, name)); err != nil {
				return err
			}
		}
	}
	return nil
}
