// Package board implements the device transport: the MicroPython
// raw-REPL protocol spoken over a serial port or a WebREPL websocket,
// exposing plain filesystem operations on the board.
package board

import (
	"context"
	"path"

	"github.com/mpsync/mpsync/internal/remote"
)

// DirEntry is one object in a board directory listing.
type DirEntry struct {
	Name  string
	IsDir bool
	Size  int64
}

// Transport is the single physical link to the board. All operations
// are synchronous and must not be called concurrently; the executor is
// the sole consumer.
type Transport interface {
	// ID identifies the board endpoint (port or URL), used to key the
	// fingerprint cache.
	ID() string

	// Connected reports whether the link is currently usable. It may
	// attempt one reconnect when the link is down.
	Connected() bool

	// ListDir lists a single board directory.
	ListDir(ctx context.Context, dir string) ([]DirEntry, error)

	// PutFile writes data to a board file, replacing its contents.
	PutFile(ctx context.Context, path string, data []byte) error

	// MakeDir creates a board directory. Succeeds if it already exists.
	MakeDir(ctx context.Context, path string) error

	// RemoveFile deletes a board file.
	RemoveFile(ctx context.Context, path string) error

	// RemoveDir deletes an empty board directory.
	RemoveDir(ctx context.Context, path string) error

	// Close releases the link.
	Close() error
}

// ListTree walks the board filesystem below root and returns an entry
// per object. Seeded entries carry size only; fingerprints come from
// the local cache. Used once at startup to seed the remote state model.
func ListTree(ctx context.Context, t Transport, root string) ([]remote.Entry, error) {
	var out []remote.Entry

	dirs := []string{root}
	for len(dirs) > 0 {
		dir := dirs[0]
		dirs = dirs[1:]

		entries, err := t.ListDir(ctx, dir)
		if err != nil {
			return nil, err
		}

		for _, e := range entries {
			p := path.Join(dir, e.Name)
			out = append(out, remote.Entry{Path: p, IsDir: e.IsDir, Size: e.Size})
			if e.IsDir {
				dirs = append(dirs, p)
			}
		}
	}

	return out, nil
}
