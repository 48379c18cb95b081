// Package ferrors defines the error kinds the coordinator recognizes and
// recovers from. Wrapping uses github.com/pkg/errors.Wrap over lower-level
// causes rather than hand-rolled error strings.
package ferrors

import "github.com/pkg/errors"

// Sentinel error kinds. Use errors.Is against these after wrapping with
// errors.Wrap so the original cause is preserved for logging.
var (
	// ErrTransientConnect marks a connect failure that is worth retrying
	// a bounded number of times before becoming fatal.
	ErrTransientConnect = errors.New("transient connect failure")

	// ErrPeerBusy is the client-side signal produced when a peer replies
	// BUSY_RES. Not a failure: the caller should try the next neighbor.
	ErrPeerBusy = errors.New("peer reported busy")

	// ErrPeerEmpty is the client-side signal produced when a peer replies
	// NOT_AVAIL_RES because it has zero pieces.
	ErrPeerEmpty = errors.New("peer has no pieces available")

	// ErrProtocolViolation marks an unexpected response type, a size
	// mismatch, or a malformed header. Fatal for the connection.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTransportClosed marks a premature EOF or broken pipe. Fatal for
	// the connection, propagated to the coordinator.
	ErrTransportClosed = errors.New("transport closed unexpectedly")

	// ErrStorageFailure marks an mmap, truncate, or msync failure. Fatal
	// for the process.
	ErrStorageFailure = errors.New("storage failure")

	// ErrMissingPieceAtEnd marks verification failure after a bulk piece
	// request returned without a reported error. Fatal, nonzero exit.
	ErrMissingPieceAtEnd = errors.New("piece missing after request completed")
)

// Wrap annotates err with a message while preserving Is/As matching against
// the sentinel kinds above, exactly as errors.Wrap does for any cause.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf is the formatted form of Wrap.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// Is exposes errors.Is without requiring callers to also import
// github.com/pkg/errors for dispatch.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
