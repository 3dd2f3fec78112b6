// Package errors defines the sync error taxonomy shared by the board
// transport and the reconciliation engine.
package errors

import "errors"

// Transport errors.
var (
	// ErrDisconnected means the board link is not present. Execution
	// pauses and resumes on reconnect; no actions are lost.
	ErrDisconnected = errors.New("board disconnected")

	// ErrBusy is a transient transport failure (timeout, busy link).
	// Retried with backoff up to the attempt cap.
	ErrBusy = errors.New("board busy")

	// ErrNoParent means a remote operation failed because the parent
	// directory does not exist on the board.
	ErrNoParent = errors.New("remote parent directory missing")
)

// Engine errors.
var (
	// ErrVanished means the local source file disappeared between
	// debounce expiry and the upload read. Treated as a benign race:
	// a later delete event (or none) reconciles correctly.
	ErrVanished = errors.New("local file vanished")

	// ErrWatchFailed means the filesystem watch can no longer observe
	// changes. Fatal: a blind engine would silently diverge.
	ErrWatchFailed = errors.New("filesystem watch failed")
)

// IsTransient reports whether err is expected to clear with retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBusy)
}

// IsMissingParent reports whether err indicates an absent parent
// directory, fixable by a synthesized mkdir.
func IsMissingParent(err error) bool {
	return errors.Is(err, ErrNoParent)
}

// IsDisconnected reports whether err indicates the link dropped.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrDisconnected)
}
