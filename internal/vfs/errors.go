package vfs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a path, or a required parent directory, does not exist.
	ErrNotFound = errors.New("path not found")

	// ErrTransactionAborted indicates the store rejected the operation's
	// batch. Nothing was written and the index has been rebuilt.
	ErrTransactionAborted = errors.New("transaction aborted")

	// ErrReadError indicates an upload source could not be read.
	ErrReadError = errors.New("read error")

	// ErrInvalidOperation indicates a request that can never succeed as
	// given, such as moving a directory into itself.
	ErrInvalidOperation = errors.New("invalid operation")
)

// Error records the operation and path that failed.
type Error struct {
	Op   string // Operation that failed (e.g., "mkdir", "rename")
	Path string // Affected path
	Err  error  // Underlying error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op, path string, err error) *Error {
	return &Error{Op: op, Path: path, Err: err}
}

// invalid builds an ErrInvalidOperation with a reason.
func invalid(op, path, reason string) *Error {
	return newError(op, path, fmt.Errorf("%w: %s", ErrInvalidOperation, reason))
}

func notFound(op, path string) *Error {
	return newError(op, path, ErrNotFound)
}

// Operation names used in errors, logs and metrics.
const (
	OpRefresh  = "refresh"
	OpList     = "list"
	OpStat     = "stat"
	OpMkdir    = "mkdir"
	OpMkdirs   = "mkdirs"
	OpAddFile  = "addfile"
	OpWrite    = "write"
	OpRename   = "rename"
	OpCopy     = "copy"
	OpRemove   = "remove"
	OpPaste    = "paste"
	OpDownload = "download"
	OpUpload   = "upload"
)
