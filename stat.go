package gofat

import (
	"os"
	"time"

	"github.com/aligator/gofat/v2/internal/direntry"
)

// ExtendedEntryHeader is a short directory record together with the name
// assembled from its long filename records.
type ExtendedEntryHeader struct {
	direntry.EntryHeader
	ExtendedName string
}

func (h *ExtendedEntryHeader) FileInfo() os.FileInfo {
	return entryHeaderFileInfo{*h}
}

type entryHeaderFileInfo struct {
	entry ExtendedEntryHeader
}

func (e entryHeaderFileInfo) Name() string {
	if e.entry.ExtendedName != "" {
		return e.entry.ExtendedName
	}
	return direntry.DisplayShort(e.entry.Name, e.entry.NTReserved, direntry.DefaultEncoder)
}

func (e entryHeaderFileInfo) Size() int64 {
	if e.IsDir() {
		return 0
	}
	return int64(e.entry.FileSize)
}

func (e entryHeaderFileInfo) Mode() os.FileMode {
	mode := os.FileMode(0666)
	if e.entry.Attribute&direntry.AttrReadOnly != 0 {
		mode = 0444
	}
	if e.IsDir() {
		return mode | 0111 | os.ModeDir
	}
	return mode
}

// ModTime returns time.Time{} if the entry contains an invalid date.
func (e entryHeaderFileInfo) ModTime() time.Time {
	return direntry.DateTime(e.entry.WriteDate, e.entry.WriteTime, 0)
}

func (e entryHeaderFileInfo) IsDir() bool {
	return e.entry.IsDir()
}

// Sys returns the ExtendedEntryHeader.
func (e entryHeaderFileInfo) Sys() interface{} {
	return e.entry
}

func rootInfo() os.FileInfo {
	return entryHeaderFileInfo{ExtendedEntryHeader{
		EntryHeader:  direntry.EntryHeader{Attribute: direntry.AttrDirectory},
		ExtendedName: "/",
	}}
}

func (fs *Fs) fileInfo(r resolved) os.FileInfo {
	if r.root {
		return rootInfo()
	}
	return (&ExtendedEntryHeader{EntryHeader: r.entry.EntryHeader, ExtendedName: r.entry.Name}).FileInfo()
}
