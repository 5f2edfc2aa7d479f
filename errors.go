package gofat

import (
	"os"

	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/aligator/gofat/v2/internal/fserr"
)

// These errors classify all failures of the filesystem. Use errors.Is to check for them.
var (
	ErrTransport      = fserr.ErrTransport
	ErrFormatInvalid  = fserr.ErrFormatInvalid
	ErrOutOfSpace     = fserr.ErrOutOfSpace
	ErrStaleEntry     = fserr.ErrStaleEntry
	ErrLocked         = fserr.ErrLocked
	ErrCorruption     = fserr.ErrCorruption
	ErrInvalidCluster = fserr.ErrInvalidCluster
	ErrReadOnly       = fserr.ErrReadOnly
	ErrClosed         = fserr.ErrClosed
	ErrUnflushedEntry = fserr.ErrUnflushedEntry
	ErrHandleLeaked   = fserr.ErrHandleLeaked
	ErrInvalidName    = direntry.ErrInvalidName
)

func pathError(op, name string, err error) error {
	if err == nil {
		return nil
	}
	return &os.PathError{Op: op, Path: name, Err: err}
}
