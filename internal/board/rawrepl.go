package board

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	syncerrors "github.com/mpsync/mpsync/internal/errors"
)

const (
	ctrlA = "\x01" // enter raw REPL
	ctrlB = "\x02" // exit raw REPL
	ctrlC = "\x03" // keyboard interrupt
	ctrlD = "\x04" // execute / end of output marker

	rawPrompt = "raw REPL; CTRL-B to exit\r\n>"
)

// MicroPython errno values seen in OSError tracebacks.
const (
	errnoENOENT    = 2
	errnoEIO       = 5
	errnoEAGAIN    = 11
	errnoEBUSY     = 16
	errnoEEXIST    = 17
	errnoETIMEDOUT = 110
)

// preamble runs once per session so later snippets can assume the
// modules exist. Older MicroPython builds only ship the u-prefixed names.
const preamble = `try:
 import os, json, binascii
except ImportError:
 import uos as os, ujson as json, ubinascii as binascii
`

// Dialer opens the underlying byte link to the board.
type Dialer func(ctx context.Context) (io.ReadWriteCloser, error)

// Options tunes the raw-REPL session.
type Options struct {
	// OpTimeout bounds a single board operation. Exceeding it is a
	// transient failure. Defaults to 10s.
	OpTimeout time.Duration

	// ConnectTries is the number of dial attempts before Connect gives
	// up. Defaults to 5.
	ConnectTries int

	// ChunkSize is the raw byte count per file-write exec. Defaults to
	// 256; raw-REPL input buffers on small boards are tight.
	ChunkSize int
}

func (o Options) withDefaults() Options {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	if o.ConnectTries <= 0 {
		o.ConnectTries = 5
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 256
	}
	return o
}

// Board speaks the MicroPython raw-REPL protocol over a byte link and
// implements Transport. It is not safe for concurrent use; the executor
// is its only caller, which is exactly the single-consumer discipline
// the half-duplex link requires.
type Board struct {
	id     string
	dial   Dialer
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    io.ReadWriteCloser
	pending []byte
	up      bool
}

// Connect dials the board and enters the raw REPL, retrying up to
// Options.ConnectTries times.
func Connect(ctx context.Context, id string, dial Dialer, opts Options, logger *slog.Logger) (*Board, error) {
	b := &Board{
		id:     id,
		dial:   dial,
		opts:   opts.withDefaults(),
		logger: logger,
	}

	var lastErr error
	for i := 0; i < b.opts.ConnectTries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if lastErr = b.open(ctx); lastErr == nil {
			return b, nil
		}

		logger.Debug("board connect attempt failed",
			slog.Int("attempt", i+1),
			slog.String("error", lastErr.Error()),
		)
	}

	return nil, fmt.Errorf("connecting to board %s: %w", id, lastErr)
}

// ID returns the board endpoint identifier.
func (b *Board) ID() string {
	return b.id
}

// Connected reports whether the link is up, attempting one reconnect
// when it is down. The executor polls this while paused, which gives
// the reconnect cadence.
func (b *Board) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.up {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.OpTimeout)
	defer cancel()

	if err := b.open(ctx); err != nil {
		b.logger.Debug("board reconnect failed", slog.String("error", err.Error()))
		return false
	}

	b.logger.Info("board reconnected", slog.String("board", b.id))

	return true
}

// Close exits the raw REPL and releases the link.
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return nil
	}

	// Best effort: leave the board in the friendly REPL.
	_, _ = b.conn.Write([]byte("\r" + ctrlB))

	err := b.conn.Close()
	b.conn = nil
	b.up = false

	return err
}

// SoftReset exits the raw REPL, sends Ctrl-D so the board reboots and
// runs the freshly uploaded code, then re-enters the raw REPL.
func (b *Board) SoftReset(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.up {
		return syncerrors.ErrDisconnected
	}

	if _, err := b.conn.Write([]byte("\r" + ctrlB + ctrlD)); err != nil {
		b.markDown()
		return fmt.Errorf("soft reset: %w", syncerrors.ErrDisconnected)
	}

	// Give the board a moment to reboot, then re-enter the raw REPL.
	time.Sleep(500 * time.Millisecond)

	if err := b.enterRawREPL(ctx); err != nil {
		b.markDown()
		return fmt.Errorf("re-entering raw REPL after reset: %w", err)
	}

	return nil
}

// ListDir lists a single board directory.
func (b *Board) ListDir(ctx context.Context, dir string) ([]DirEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	code := fmt.Sprintf(`try:
 print(json.dumps([[e[0],e[1],(e[3] if len(e)>3 else 0)] for e in os.ilistdir(%s)]))
except OSError as e:
 print(json.dumps({'errno':e.args[0]}))
`, pyStr(dir))

	out, err := b.exec(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	res := gjson.Parse(out)
	if !res.IsArray() {
		return nil, b.errnoError("list", dir, res.Get("errno").Int())
	}

	var entries []DirEntry
	for _, item := range res.Array() {
		row := item.Array()
		if len(row) < 3 {
			return nil, fmt.Errorf("listing %s: malformed entry %s", dir, item.Raw)
		}
		entries = append(entries, DirEntry{
			Name:  row[0].Str,
			IsDir: row[1].Int()&0x4000 != 0,
			Size:  row[2].Int(),
		})
	}

	return entries, nil
}

// PutFile writes data to the board. The write goes to a temp file that
// is renamed over the target, so a link drop mid-transfer never leaves
// a truncated file at the destination path.
func (b *Board) PutFile(ctx context.Context, path string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tmp := path + ".mpsync.tmp"

	code := fmt.Sprintf(`try:
 _f=open(%s,'wb')
 print(json.dumps({'ok':1}))
except OSError as e:
 print(json.dumps({'errno':e.args[0]}))
`, pyStr(tmp))

	if err := b.execResult(ctx, "put", path, code); err != nil {
		return err
	}

	for off := 0; off < len(data); off += b.opts.ChunkSize {
		end := off + b.opts.ChunkSize
		if end > len(data) {
			end = len(data)
		}

		chunk := base64.StdEncoding.EncodeToString(data[off:end])
		if _, err := b.exec(ctx, fmt.Sprintf("_f.write(binascii.a2b_base64('%s'))\n", chunk)); err != nil {
			_, _ = b.exec(ctx, "_f.close()\n")
			_, _ = b.exec(ctx, fmt.Sprintf("try:\n os.remove(%s)\nexcept OSError:\n pass\n", pyStr(tmp)))
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}

	code = fmt.Sprintf(`try:
 _f.close()
 os.rename(%s,%s)
 print(json.dumps({'ok':1}))
except OSError as e:
 print(json.dumps({'errno':e.args[0]}))
`, pyStr(tmp), pyStr(path))

	return b.execResult(ctx, "put", path, code)
}

// MakeDir creates a directory. An already-existing directory counts as
// success so mkdir is idempotent.
func (b *Board) MakeDir(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	code := fmt.Sprintf(`try:
 os.mkdir(%s)
 print(json.dumps({'ok':1}))
except OSError as e:
 print(json.dumps({'errno':e.args[0]}))
`, pyStr(path))

	err := b.execResult(ctx, "mkdir", path, code)
	if err != nil && errors.Is(err, fs.ErrExist) {
		return nil
	}

	return err
}

// RemoveFile deletes a board file.
func (b *Board) RemoveFile(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	code := fmt.Sprintf(`try:
 os.remove(%s)
 print(json.dumps({'ok':1}))
except OSError as e:
 print(json.dumps({'errno':e.args[0]}))
`, pyStr(path))

	return b.execResult(ctx, "remove", path, code)
}

// RemoveDir deletes an empty board directory.
func (b *Board) RemoveDir(ctx context.Context, path string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	code := fmt.Sprintf(`try:
 os.rmdir(%s)
 print(json.dumps({'ok':1}))
except OSError as e:
 print(json.dumps({'errno':e.args[0]}))
`, pyStr(path))

	return b.execResult(ctx, "rmdir", path, code)
}

// open dials the link and brings the session into the raw REPL with the
// preamble loaded. Caller holds the mutex.
func (b *Board) open(ctx context.Context) error {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.pending = nil
	b.up = false

	conn, err := b.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing board: %w", err)
	}
	b.conn = conn

	if err := b.enterRawREPL(ctx); err != nil {
		conn.Close()
		b.conn = nil
		return err
	}

	if _, err := b.exec(ctx, preamble); err != nil {
		conn.Close()
		b.conn = nil
		b.up = false
		return fmt.Errorf("loading session preamble: %w", err)
	}

	return nil
}

// enterRawREPL interrupts whatever the board is doing and switches the
// REPL into raw mode. Caller holds the mutex.
func (b *Board) enterRawREPL(ctx context.Context) error {
	// Interrupt twice: once for running code, once for a stuck prompt.
	if _, err := b.conn.Write([]byte("\r" + ctrlC + ctrlC)); err != nil {
		return fmt.Errorf("interrupting board: %w", syncerrors.ErrDisconnected)
	}

	b.drain(300 * time.Millisecond)

	if _, err := b.conn.Write([]byte("\r" + ctrlA)); err != nil {
		return fmt.Errorf("entering raw REPL: %w", syncerrors.ErrDisconnected)
	}

	if _, err := b.readUntil(ctx, []byte(rawPrompt)); err != nil {
		return fmt.Errorf("waiting for raw REPL prompt: %w", err)
	}

	b.up = true

	return nil
}

// exec runs one snippet in the raw REPL and returns its stdout. A
// traceback on the board surfaces as an error. Caller holds the mutex.
func (b *Board) exec(ctx context.Context, code string) (string, error) {
	if !b.up {
		return "", syncerrors.ErrDisconnected
	}

	if _, err := b.conn.Write(append([]byte(code), ctrlD[0])); err != nil {
		b.markDown()
		return "", fmt.Errorf("sending code: %w", syncerrors.ErrDisconnected)
	}

	if _, err := b.readUntil(ctx, []byte("OK")); err != nil {
		return "", fmt.Errorf("waiting for exec ack: %w", err)
	}

	out, err := b.readUntil(ctx, []byte(ctrlD))
	if err != nil {
		return "", fmt.Errorf("reading output: %w", err)
	}

	errOut, err := b.readUntil(ctx, []byte(ctrlD))
	if err != nil {
		return "", fmt.Errorf("reading error output: %w", err)
	}

	if _, err := b.readUntil(ctx, []byte(">")); err != nil {
		return "", fmt.Errorf("waiting for prompt: %w", err)
	}

	if len(bytes.TrimSpace(errOut)) > 0 {
		return string(out), b.tracebackError(errOut)
	}

	return string(out), nil
}

// execResult runs a snippet whose stdout is a JSON object: {"ok":1} on
// success or {"errno":N} on OSError. Caller holds the mutex.
func (b *Board) execResult(ctx context.Context, op, path, code string) error {
	out, err := b.exec(ctx, code)
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, path, err)
	}

	res := gjson.Parse(out)
	if res.Get("ok").Exists() {
		return nil
	}

	return b.errnoError(op, path, res.Get("errno").Int())
}

// errnoError maps a board-side OSError number to the sync taxonomy.
func (b *Board) errnoError(op, path string, errno int64) error {
	switch errno {
	case errnoENOENT:
		switch op {
		case "put", "mkdir":
			return fmt.Errorf("%s %s: %w", op, path, syncerrors.ErrNoParent)
		default:
			return fmt.Errorf("%s %s: %w", op, path, fs.ErrNotExist)
		}
	case errnoEEXIST:
		return fmt.Errorf("%s %s: %w", op, path, fs.ErrExist)
	case errnoEIO, errnoEAGAIN, errnoEBUSY, errnoETIMEDOUT:
		return fmt.Errorf("%s %s (errno %d): %w", op, path, errno, syncerrors.ErrBusy)
	default:
		return fmt.Errorf("%s %s: board OSError errno %d", op, path, errno)
	}
}

// tracebackError classifies an uncaught board traceback. Timeouts and
// busy conditions are transient; anything else is reported as-is.
func (b *Board) tracebackError(tb []byte) error {
	last := tb
	if i := bytes.LastIndexByte(bytes.TrimRight(tb, "\r\n"), '\n'); i >= 0 {
		last = tb[i+1:]
	}
	last = bytes.TrimSpace(last)

	for _, s := range []string{"ETIMEDOUT", "EAGAIN", "EBUSY", "EIO"} {
		if bytes.Contains(tb, []byte(s)) {
			return fmt.Errorf("board raised %s: %w", last, syncerrors.ErrBusy)
		}
	}

	return fmt.Errorf("board raised: %s", last)
}

// readUntil accumulates link input until marker is seen, returning the
// bytes before it. Input after the marker stays buffered for the next
// read. Exceeding OpTimeout is a transient failure; a broken link marks
// the board down. Caller holds the mutex.
func (b *Board) readUntil(ctx context.Context, marker []byte) ([]byte, error) {
	deadline := time.Now().Add(b.opts.OpTimeout)
	tmp := make([]byte, 512)

	for {
		if i := bytes.Index(b.pending, marker); i >= 0 {
			out := append([]byte(nil), b.pending[:i]...)
			b.pending = append([]byte(nil), b.pending[i+len(marker):]...)
			return out, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for board output: %w", syncerrors.ErrBusy)
		}

		b.armReadDeadline(200 * time.Millisecond)

		n, err := b.conn.Read(tmp)
		if n > 0 {
			b.pending = append(b.pending, tmp[:n]...)
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			b.markDown()
			return nil, fmt.Errorf("reading from board: %w", syncerrors.ErrDisconnected)
		}
	}
}

// drain discards link input for the given window. Used after an
// interrupt when the board may be printing arbitrary output.
func (b *Board) drain(window time.Duration) {
	deadline := time.Now().Add(window)
	tmp := make([]byte, 512)

	for time.Now().Before(deadline) {
		b.armReadDeadline(50 * time.Millisecond)

		n, err := b.conn.Read(tmp)
		if n == 0 && err != nil && !isTimeout(err) {
			return
		}
	}

	b.pending = nil
}

// armReadDeadline sets a short read deadline when the link supports it
// (websocket NetConn). Serial ports use their own read timeout and
// return zero-byte reads instead.
func (b *Board) armReadDeadline(d time.Duration) {
	if c, ok := b.conn.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = c.SetReadDeadline(time.Now().Add(d))
	}
}

// markDown closes the link and flags the board as disconnected. Caller
// holds the mutex.
func (b *Board) markDown() {
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.pending = nil
	b.up = false
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// pyStr renders s as a Python string literal. Go's quoting rules are a
// compatible subset of Python's for the paths we handle.
func pyStr(s string) string {
	return strconv.Quote(s)
}
