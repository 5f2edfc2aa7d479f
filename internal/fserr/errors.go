// Package fserr contains the error classification shared by all layers of the
// filesystem. Errors returned by the engine wrap one of these so callers can
// use errors.Is to decide how to react.
package fserr

import "errors"

var (
	// ErrTransport is returned when the underlying block device failed.
	// The engine never retries.
	ErrTransport = errors.New("block device transport failure")

	// ErrFormatInvalid is returned when the boot record or a derived geometry
	// value does not describe a valid FAT volume.
	ErrFormatInvalid = errors.New("invalid FAT format")

	// ErrOutOfSpace is returned when not enough free clusters or directory slots exist.
	ErrOutOfSpace = errors.New("no space left on volume")

	// ErrStaleEntry is returned when a directory entry handle is used for a
	// mutation after clusters were freed since the handle was resolved.
	ErrStaleEntry = errors.New("stale directory entry")

	// ErrLocked is returned when a conflicting lock is held.
	ErrLocked = errors.New("entry is locked")

	// ErrCorruption is returned for structural inconsistencies like broken
	// cluster chains or an unusable transaction log.
	ErrCorruption = errors.New("filesystem structure is corrupted")

	// ErrInvalidCluster is returned for cluster numbers outside of the data region.
	ErrInvalidCluster = errors.New("invalid cluster number")

	// ErrReadOnly is returned for mutations on a read only volume or file.
	ErrReadOnly = errors.New("read only")

	// ErrClosed is returned for operations on an unmounted filesystem.
	ErrClosed = errors.New("filesystem is closed")

	// ErrUnflushedEntry is returned if an edit of a directory entry starts while
	// another one was not yet flushed.
	ErrUnflushedEntry = errors.New("another directory entry has unflushed changes")

	// ErrHandleLeaked is returned by unmount if files are still open.
	ErrHandleLeaked = errors.New("files are still open")
)
