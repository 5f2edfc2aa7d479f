package gofat

import (
	"fmt"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/direntry"
)

type entryState int

const (
	entryClean entryState = iota
	entryDirty
	entryFlushed
)

func (s entryState) String() string {
	switch s {
	case entryClean:
		return "clean"
	case entryDirty:
		return "dirty"
	case entryFlushed:
		return "flushed"
	}
	return fmt.Sprintf("entryState(%d)", int(s))
}

// entryHandle references the short record of a directory entry by its
// position: the directory cluster and the byte offset inside of it.
//
// The handle is tagged with the generation it was resolved at. As soon as
// clusters were freed since then, the position may belong to a different
// entry and every write through the handle is rejected with ErrStaleEntry.
// Removing or renaming an entry frees nothing, so before an edit the record
// at the position is also compared with the last one the handle wrote or read.
//
// Edits follow Clean -> Dirty -> Flushed -> Clean. Only one handle of a
// filesystem may be Dirty at a time.
type entryHandle struct {
	fs *Fs

	parent    uint32
	offset    uint32
	lfnOffset uint32
	lfnCount  int

	header direntry.EntryHeader
	// disk is the record as it was last read or written by the handle.
	disk  direntry.EntryHeader
	tag   uint64
	state entryState
}

func (fs *Fs) newEntryHandle(r resolved) *entryHandle {
	return &entryHandle{
		fs:        fs,
		parent:    r.parent,
		offset:    r.entry.Offset,
		lfnOffset: r.entry.LFNOffset,
		lfnCount:  r.entry.LFNCount,
		header:    r.entry.EntryHeader,
		disk:      r.entry.EntryHeader,
		tag:       fs.gen.Value(),
	}
}

// checkStale fails with ErrStaleEntry if clusters were freed since the handle
// was resolved or refreshed, or if the record at its position was removed or
// replaced by another entry.
func (h *entryHandle) checkStale() error {
	if err := h.checkGeneration(); err != nil {
		return err
	}

	sectors, _, err := h.fs.dirSectors(h.parent)
	if err != nil {
		return err
	}
	record, err := h.fs.readDirRecord(sectors, h.offset)
	if err != nil {
		return err
	}

	current := direntry.DecodeHeader(record)
	if current.Name != h.disk.Name || current.Cluster() != h.disk.Cluster() || current.IsDir() != h.disk.IsDir() {
		return checkpoint.New(ErrStaleEntry, "entry at %d:%d was removed or replaced", h.parent, h.offset)
	}
	return nil
}

func (h *entryHandle) checkGeneration() error {
	if h.fs.gen.IsStale(h.tag) {
		return checkpoint.New(ErrStaleEntry, "entry at %d:%d resolved at generation %d, now %d", h.parent, h.offset, h.tag, h.fs.gen.Value())
	}
	return nil
}

// refresh tags the handle with the current generation. It is used after the
// handle itself freed clusters.
func (h *entryHandle) refresh() {
	h.tag = h.fs.gen.Value()
}

// begin starts an edit of the entry.
func (h *entryHandle) begin() error {
	if other := h.fs.dirty; other != nil && other != h {
		return checkpoint.New(ErrUnflushedEntry, "entry at %d:%d is %v", other.parent, other.offset, other.state)
	}
	if err := h.checkStale(); err != nil {
		return err
	}

	h.state = entryDirty
	h.fs.dirty = h
	return nil
}

// flush writes the short record. If writing fails, the changes are dropped
// so the handle never keeps changes which are not on disk.
func (h *entryHandle) flush() error {
	if h.state != entryDirty {
		return nil
	}
	if err := h.checkStale(); err != nil {
		// The position may belong to another entry now, Revalidate resolves it again.
		h.abort()
		return err
	}

	sectors, _, err := h.fs.dirSectors(h.parent)
	if err != nil {
		h.abort()
		return err
	}

	h.state = entryFlushed
	record := h.header.Encode()
	err = h.fs.modifyDir(sectors, h.offset, direntry.Size, func(region []byte) {
		copy(region, record)
	})
	if err != nil {
		h.abort()
		return err
	}

	h.disk = h.header
	h.state = entryClean
	h.fs.dirty = nil
	return nil
}

// abort drops unflushed changes.
func (h *entryHandle) abort() {
	h.header = h.disk
	h.release()
}

func (h *entryHandle) release() {
	h.state = entryClean
	if h.fs.dirty == h {
		h.fs.dirty = nil
	}
}

// update applies fn to the header and flushes it.
func (h *entryHandle) update(fn func(header *direntry.EntryHeader)) error {
	if err := h.begin(); err != nil {
		return err
	}
	fn(&h.header)
	return h.flush()
}
