package fsstore

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/arcana-framework/arcana-go/api"
	"github.com/arcana-framework/arcana-go/internal/tree"
)

// Checksums digests every file of a file-group with md5, keyed by path
// relative to the primary ("." for the primary itself). Digests are cached
// in the store's sqlite database keyed on path, size, and mtime, so
// repeated pipeline runs do not re-hash large images.
func (s *FileSystem) Checksums(fg *tree.FileGroup) (map[string]string, error) {
	primary, sideCars, err := fg.Paths()
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(primary)
	if err != nil {
		return nil, fmt.Errorf("%w: checksum target %s: %v", api.ErrMissingData, primary, err)
	}
	sums := make(map[string]string, 1+len(sideCars))
	if info.IsDir() {
		err := filepath.WalkDir(primary, func(p string, d iofs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			sum, err := s.cachedMD5(p)
			if err != nil {
				return err
			}
			rel, err := filepath.Rel(primary, p)
			if err != nil {
				return err
			}
			sums[rel] = sum
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("%w: checksum directory %s: %v", api.ErrStore, primary, err)
		}
		return sums, nil
	}
	sum, err := s.cachedMD5(primary)
	if err != nil {
		return nil, err
	}
	sums["."] = sum
	for _, scPath := range sideCars {
		sum, err := s.cachedMD5(scPath)
		if err != nil {
			return nil, err
		}
		rel, err := filepath.Rel(filepath.Dir(primary), scPath)
		if err != nil {
			rel = filepath.Base(scPath)
		}
		sums[rel] = sum
	}
	return sums, nil
}

// cachedMD5 returns a file's digest, consulting the cache first. Without
// an open cache (store not connected, or the database was unavailable) it
// degrades to hashing every time.
func (s *FileSystem) cachedMD5(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: checksum %s: %v", api.ErrStore, path, err)
	}
	size, mtime := info.Size(), info.ModTime().UnixNano()
	if s.cache != nil {
		if sum, hit := s.cache.lookup(path, size, mtime); hit {
			return sum, nil
		}
	}
	sum, err := hashFile(path)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		s.cache.store(path, size, mtime, sum)
	}
	return sum, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: checksum %s: %v", api.ErrStore, path, err)
	}
	defer func() { _ = f.Close() }()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: checksum %s: %v", api.ErrStore, path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// checksumCache persists file digests across processes. A stale entry is
// detected by size or mtime drift and rewritten on the next hash.
type checksumCache struct {
	db *sql.DB
}

func openChecksumCache(path string) (*checksumCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS checksums (
		path  TEXT    NOT NULL PRIMARY KEY,
		size  INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		md5   TEXT    NOT NULL
	)`)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &checksumCache{db: db}, nil
}

func (c *checksumCache) lookup(path string, size, mtime int64) (string, bool) {
	var gotSize, gotMtime int64
	var sum string
	err := c.db.QueryRow(`SELECT size, mtime, md5 FROM checksums WHERE path = ?`, path).
		Scan(&gotSize, &gotMtime, &sum)
	if err != nil || gotSize != size || gotMtime != mtime {
		return "", false
	}
	return sum, true
}

func (c *checksumCache) store(path string, size, mtime int64, sum string) {
	_, _ = c.db.Exec(`INSERT INTO checksums (path, size, mtime, md5) VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET size = excluded.size, mtime = excluded.mtime, md5 = excluded.md5`,
		path, size, mtime, sum)
}

func (c *checksumCache) Close() error {
	return c.db.Close()
}
