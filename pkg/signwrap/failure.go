package signwrap

import (
	"errors"
	"fmt"
)

// Error kinds reported by Execute. Use errors.Is to distinguish them.
var (
	// ErrFileNotFound means the input file is missing or empty.
	ErrFileNotFound = errors.New("file not found")
	// ErrBackupConflict means a stale working copy could not be replaced.
	ErrBackupConflict = errors.New("backup conflict")
	// ErrTrailerRead means the tail of the file could not be scanned.
	ErrTrailerRead = errors.New("trailer read error")
	// ErrSigningFailed means the signing tool exited non-zero or could not
	// be launched. A failed pass aborts the whole operation.
	ErrSigningFailed = errors.New("signing failed")
	// ErrConvergenceExhausted means the pass budget was spent without two
	// successive passes agreeing on the signature size.
	ErrConvergenceExhausted = errors.New("signature size did not converge")
)

// Failure is the uniform error surfaced to the caller. It carries a
// human-readable message, one of the kind sentinels above, and an optional
// underlying cause for verbose diagnostics.
type Failure struct {
	kind  error
	msg   string
	cause error
}

func (f *Failure) Error() string { return f.msg }

// Unwrap exposes the kind and the cause to errors.Is / errors.As.
func (f *Failure) Unwrap() []error {
	if f.cause == nil {
		return []error{f.kind}
	}
	return []error{f.kind, f.cause}
}

// Cause returns the underlying error, if any.
func (f *Failure) Cause() error { return f.cause }

func newFailure(kind error, format string, args ...interface{}) *Failure {
	return &Failure{kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapFailure(kind error, cause error, format string, args ...interface{}) *Failure {
	return &Failure{kind: kind, msg: fmt.Sprintf(format, args...), cause: cause}
}
