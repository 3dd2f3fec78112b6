package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/mpsync/mpsync/internal/board"
	"github.com/mpsync/mpsync/internal/pathmap"
	"github.com/mpsync/mpsync/internal/remote"
	"github.com/mpsync/mpsync/internal/state"
)

// putRecorder counts uploads per remote path.
type putRecorder struct {
	mu   sync.Mutex
	puts map[string]int
}

func newPutRecorder() *putRecorder {
	return &putRecorder{puts: map[string]int{}}
}

func (r *putRecorder) record(_ context.Context, path string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.puts[path]++
	return nil
}

func (r *putRecorder) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.puts[path]
}

func newEngineTransport(t *testing.T, listing []board.DirEntry) (*MockTransport, *putRecorder) {
	t.Helper()

	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	rec := newPutRecorder()

	transport.EXPECT().ID().Return("ser:/dev/ttyUSB0").AnyTimes()
	transport.EXPECT().Connected().Return(true).AnyTimes()
	transport.EXPECT().ListDir(gomock.Any(), "/").Return(listing, nil)
	transport.EXPECT().PutFile(gomock.Any(), gomock.Any(), gomock.Any()).
		DoAndReturn(rec.record).AnyTimes()

	return transport, rec
}

func startEngine(t *testing.T, root string, transport *MockTransport, cfg Config) *Engine {
	t.Helper()

	mapper, err := pathmap.New(root, pathmap.Options{})
	require.NoError(t, err)

	eng := New(mapper, transport, nil, cfg, discardLogger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("engine did not shut down")
		}
	})

	// Let the watcher arm before the test mutates the tree.
	time.Sleep(150 * time.Millisecond)

	return eng
}

func TestEngineUploadsNewFileOnce(t *testing.T) {
	root := t.TempDir()
	transport, rec := newEngineTransport(t, nil)

	eng := startEngine(t, root, transport, Config{DebounceWindow: 30 * time.Millisecond})

	writeLocal(t, root, "main.py", "pass")

	require.Eventually(t, func() bool {
		_, known := eng.Model().Lookup("/main.py")
		return known
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rec.count("/main.py"))
}

func TestEngineCoalescesRapidWritesIntoOneUpload(t *testing.T) {
	root := t.TempDir()
	transport, rec := newEngineTransport(t, nil)

	eng := startEngine(t, root, transport, Config{DebounceWindow: 100 * time.Millisecond})

	writeLocal(t, root, "main.py", "v1")
	writeLocal(t, root, "main.py", "v2")
	writeLocal(t, root, "main.py", "v3 final")

	require.Eventually(t, func() bool {
		entry, known := eng.Model().Lookup("/main.py")
		return known && entry.Size == int64(len("v3 final"))
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rec.count("/main.py"))
}

func TestEngineDeleteRemovesBoardFile(t *testing.T) {
	root := t.TempDir()
	local := writeLocal(t, root, "main.py", "pass")

	transport, rec := newEngineTransport(t, []board.DirEntry{
		{Name: "main.py", Size: 4},
	})
	transport.EXPECT().RemoveFile(gomock.Any(), "/main.py").Return(nil)

	eng := startEngine(t, root, transport, Config{DebounceWindow: 30 * time.Millisecond})

	_, known := eng.Model().Lookup("/main.py")
	require.True(t, known, "seeding should have picked up the board file")

	require.NoError(t, os.Remove(local))

	require.Eventually(t, func() bool {
		_, known := eng.Model().Lookup("/main.py")
		return !known
	}, 2*time.Second, 10*time.Millisecond)

	assert.Zero(t, rec.count("/main.py"))
}

func TestEngineNewDirectoryWithContents(t *testing.T) {
	root := t.TempDir()
	transport, rec := newEngineTransport(t, nil)
	// MakeDir is idempotent on the board, so a duplicate mkdir racing
	// the first one's confirmation is harmless.
	transport.EXPECT().MakeDir(gomock.Any(), "/lib").Return(nil).AnyTimes()

	eng := startEngine(t, root, transport, Config{DebounceWindow: 30 * time.Millisecond})

	// mkdir and an immediate file drop inside it.
	require.NoError(t, os.MkdirAll(filepath.Join(root, "lib"), 0o755))
	writeLocal(t, root, "lib/util.py", "pass")

	require.Eventually(t, func() bool {
		_, known := eng.Model().Lookup("/lib/util.py")
		return known
	}, 2*time.Second, 10*time.Millisecond)

	_, known := eng.Model().Lookup("/lib")
	assert.True(t, known)
	assert.Equal(t, 1, rec.count("/lib/util.py"))
}

func TestEngineIgnoredPathsNeverReachTheBoard(t *testing.T) {
	root := t.TempDir()
	transport, rec := newEngineTransport(t, nil)

	eng := startEngine(t, root, transport, Config{DebounceWindow: 30 * time.Millisecond})

	writeLocal(t, root, "main.py", "pass")
	writeLocal(t, root, ".hidden", "secret")
	writeLocal(t, root, "scratch.tmp", "temp")

	require.Eventually(t, func() bool {
		_, known := eng.Model().Lookup("/main.py")
		return known
	}, 2*time.Second, 10*time.Millisecond)

	// Settle past the debounce window; nothing else may arrive.
	time.Sleep(200 * time.Millisecond)

	assert.Zero(t, rec.count("/.hidden"))
	assert.Zero(t, rec.count("/scratch.tmp"))
	assert.Equal(t, 1, eng.Model().Len())
}

func TestEngineStartupScanUploadsMissingFiles(t *testing.T) {
	root := t.TempDir()
	writeLocal(t, root, "a.py", "pass")
	writeLocal(t, root, "lib/b.py", "pass")

	// A board-only file must survive the scan untouched: no RemoveFile
	// expectation is registered, so a delete would fail the test.
	transport, rec := newEngineTransport(t, []board.DirEntry{
		{Name: "old.py", Size: 9},
	})
	transport.EXPECT().MakeDir(gomock.Any(), "/lib").Return(nil)

	eng := startEngine(t, root, transport, Config{
		DebounceWindow: 30 * time.Millisecond,
		SyncOnStart:    true,
	})

	require.Eventually(t, func() bool {
		_, a := eng.Model().Lookup("/a.py")
		_, b := eng.Model().Lookup("/lib/b.py")
		return a && b
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, rec.count("/a.py"))
	assert.Equal(t, 1, rec.count("/lib/b.py"))

	_, known := eng.Model().Lookup("/old.py")
	assert.True(t, known)
}

func TestEngineQueuesTypeFlipPlanIntact(t *testing.T) {
	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)

	mapper, err := pathmap.New(t.TempDir(), pathmap.Options{})
	require.NoError(t, err)

	eng := New(mapper, transport, nil, Config{}, discardLogger)

	drain := func() []string {
		var got []string
		for {
			a, ok := eng.queue.Pop()
			if !ok {
				return got
			}
			got = append(got, a.Op.String()+" "+a.RemotePath)
		}
	}

	// Board holds a file where a directory now stands locally. The
	// plan's delete must reach the executor before the mkdir does.
	eng.model.Seed([]remote.Entry{{Path: "/lib", Size: 4, Fingerprint: "4:1"}})
	eng.enqueueIntent(Intent{RemotePath: "/lib", Effect: EffectPutDir, IsDir: true})

	assert.Equal(t, []string{"delete /lib", "mkdir /lib"}, drain())

	// And the inverse flip: a board directory replaced by a local file
	// clears the tree leaves-first before the upload.
	local := writeLocal(t, t.TempDir(), "lib", "pass")
	eng.model.Seed([]remote.Entry{
		{Path: "/lib", IsDir: true},
		{Path: "/lib/util.py", Size: 4},
	})
	eng.enqueueIntent(Intent{RemotePath: "/lib", LocalPath: local, Effect: EffectPutFile})

	assert.Equal(t, []string{"delete /lib/util.py", "rmdir /lib", "create /lib"}, drain())
}

func TestEngineSeedMergesCachedFingerprints(t *testing.T) {
	root := t.TempDir()

	cache, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	defer cache.Close()

	const boardID = "ser:/dev/ttyUSB0"
	require.NoError(t, cache.InitBoard(boardID))
	require.NoError(t, cache.PutEntry(boardID, remote.Entry{
		Path: "/main.py", Size: 4, Fingerprint: "4:1700000000000",
	}))
	require.NoError(t, cache.PutEntry(boardID, remote.Entry{
		Path: "/stale.py", Size: 7, Fingerprint: "7:1700000000000",
	}))

	ctrl := gomock.NewController(t)
	transport := NewMockTransport(ctrl)
	transport.EXPECT().ID().Return(boardID).AnyTimes()
	transport.EXPECT().ListDir(gomock.Any(), "/").Return([]board.DirEntry{
		{Name: "main.py", Size: 4},
		{Name: "resized.py", Size: 20},
	}, nil)

	mapper, err := pathmap.New(root, pathmap.Options{})
	require.NoError(t, err)

	eng := New(mapper, transport, cache, Config{}, discardLogger)
	require.NoError(t, eng.seed(context.Background()))

	// Size matched: the cached fingerprint carries over.
	entry, known := eng.Model().Lookup("/main.py")
	require.True(t, known)
	assert.Equal(t, "4:1700000000000", entry.Fingerprint)

	// No cached row: fingerprint unknown until the next upload.
	entry, known = eng.Model().Lookup("/resized.py")
	require.True(t, known)
	assert.Empty(t, entry.Fingerprint)

	// Gone from the board: pruned from the cache.
	entries, err := cache.AllEntries(boardID)
	require.NoError(t, err)
	assert.NotContains(t, entries, "/stale.py")
}
