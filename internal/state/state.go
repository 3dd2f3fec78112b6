// Package state persists the last confirmed remote entries in a bbolt
// database so that a board listing plus cache yields usable fingerprints
// across process restarts.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mpsync/mpsync/internal/remote"
)

const (
	// cacheDirPerm is the permission mode for the state directory (~/.mpsync/).
	cacheDirPerm = fs.FileMode(0o700)

	// cacheFilePerm is the permission mode for the state database file.
	cacheFilePerm = fs.FileMode(0o600)

	// cacheOpenTimeout is the maximum time to wait for the bolt database lock.
	cacheOpenTimeout = 5 * time.Second
)

func boardBucket(boardID string) []byte {
	return []byte("board:" + boardID + ":entries")
}

// Cache wraps a bbolt database holding per-board fingerprint entries.
type Cache struct {
	db *bolt.DB
}

// Load opens the cache database at ~/.mpsync/state.db, creating it if
// it does not exist.
func Load() (*Cache, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}

	return LoadAt(filepath.Join(home, ".mpsync", "state.db"))
}

// LoadAt opens a cache database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), cacheDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, cacheFilePerm, &bolt.Options{Timeout: cacheOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// InitBoard ensures the entry bucket exists for the given board.
// Call once after the transport is connected.
func (c *Cache) InitBoard(boardID string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boardBucket(boardID))

		return err
	})
}

// PutEntry persists a confirmed remote entry.
func (c *Cache) PutEntry(boardID string, e remote.Entry) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boardBucket(boardID))
		if b == nil {
			return fmt.Errorf("bucket not initialized for board %s", boardID)
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		return b.Put([]byte(e.Path), data)
	})
}

// DeleteEntry removes the entry for a remote path.
func (c *Cache) DeleteEntry(boardID, path string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boardBucket(boardID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(path))
	})
}

// DeleteTree removes the entry for a directory and everything below it.
func (c *Cache) DeleteTree(boardID, dir string) error {
	prefix := dir + "/"

	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(boardBucket(boardID))
		if b == nil {
			return nil
		}

		if err := b.Delete([]byte(dir)); err != nil {
			return err
		}

		cur := b.Cursor()

		var doomed [][]byte
		for k, _ := cur.Seek([]byte(prefix)); k != nil && strings.HasPrefix(string(k), prefix); k, _ = cur.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		return nil
	})
}

// AllEntries returns all cached entries for a board, keyed by path.
func (c *Cache) AllEntries(boardID string) (map[string]remote.Entry, error) {
	result := make(map[string]remote.Entry)
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(boardBucket(boardID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var e remote.Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			result[string(k)] = e

			return nil
		})
	})

	return result, err
}
