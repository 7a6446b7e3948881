// Package errs defines the sentinel error kinds shared across the engine,
// matched by callers with errors.Is.
package errs

import "errors"

var (
	// ErrInvalidArgument is returned for a null key/value where forbidden,
	// a key over MaxKeySize, or a value over MaxValueSize.
	ErrInvalidArgument = errors.New("lsmtree: invalid argument")

	// ErrEngineClosed is returned by any public operation issued after Close.
	ErrEngineClosed = errors.New("lsmtree: engine closed")

	// ErrIoFailure wraps directory creation, WAL append, run I/O, rename,
	// and truncate failures.
	ErrIoFailure = errors.New("lsmtree: io failure")

	// ErrCorruptFormat is returned for a bad version tag, checksum
	// mismatch, or out-of-range length during decode.
	ErrCorruptFormat = errors.New("lsmtree: corrupt format")

	// ErrConflict is returned when a transaction's read-set fails
	// validation at commit time.
	ErrConflict = errors.New("lsmtree: transaction conflict")

	// ErrIllegalState is returned for an operation on an already-finished
	// transaction, or a compactor control call in the wrong state.
	ErrIllegalState = errors.New("lsmtree: illegal state")

	// ErrNotFound signals a point lookup miss; it never crosses the public
	// Get API, which instead returns (nil, false).
	ErrNotFound = errors.New("lsmtree: not found")
)
