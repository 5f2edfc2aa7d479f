// Package audit keeps a trail of the operations which changed a volume.
//
// The trail is a ring of the most recent entries. Every recorded entry is also
// sent to the logger. Optionally the ring is stored in a region of sectors
// which no filesystem structure uses, for example the unused part of the
// FAT32 reserved area, so it survives remounts.
package audit

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"
	"time"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/sirupsen/logrus"
)

// Level selects which operations are recorded.
type Level uint8

const (
	// LevelNone records nothing.
	LevelNone Level = iota
	// LevelMinimal records creation and deletion of files and directories.
	LevelMinimal
	// LevelStandard additionally records renames and truncations.
	LevelStandard
	// LevelFull records every operation including opens and writes.
	LevelFull
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelMinimal:
		return "minimal"
	case LevelStandard:
		return "standard"
	case LevelFull:
		return "full"
	}
	return "unknown"
}

// ParseLevel converts the name of a level as returned by String.
func ParseLevel(s string) (Level, error) {
	for l := LevelNone; l <= LevelFull; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown audit level %q", s)
}

// Operation is the kind of a recorded operation.
type Operation uint8

const (
	OpCreate Operation = iota + 1
	OpDelete
	OpMkdir
	OpRmdir
	OpRename
	OpTruncate
	OpOpen
	OpWrite
	OpMetadata
)

var opNames = map[Operation]string{
	OpCreate:   "create",
	OpDelete:   "delete",
	OpMkdir:    "mkdir",
	OpRmdir:    "rmdir",
	OpRename:   "rename",
	OpTruncate: "truncate",
	OpOpen:     "open",
	OpWrite:    "write",
	OpMetadata: "metadata",
}

func (o Operation) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// RecordedAt reports whether o is recorded at the given level.
func (o Operation) RecordedAt(l Level) bool {
	switch l {
	case LevelMinimal:
		return o == OpCreate || o == OpDelete || o == OpMkdir || o == OpRmdir
	case LevelStandard:
		return o.RecordedAt(LevelMinimal) || o == OpRename || o == OpTruncate
	case LevelFull:
		return true
	}
	return false
}

// MaxPath is the longest path stored in the region. Longer paths are cut.
const MaxPath = 255

// Entry is one recorded operation.
type Entry struct {
	Time time.Time
	Op   Operation
	Path string
	// Target is the new path of a rename.
	Target string
	// Size is the new size of a truncate, the length of a write or the open flags.
	Size   uint64
	Failed bool
}

// Region is a run of sectors reserved for the trail.
type Region struct {
	Start   uint64
	Sectors uint64
}

// Log is the ring of recent entries. It is safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	level   Level
	entries []Entry
	next    int
	full    bool
	dirty   bool
	log     logrus.FieldLogger
}

// New creates an empty ring holding up to capacity entries.
func New(level Level, capacity int, log logrus.FieldLogger) *Log {
	if capacity < 1 {
		capacity = 1
	}
	return &Log{
		level:   level,
		entries: make([]Entry, capacity),
		log:     log.WithField("audit", level),
	}
}

// Level returns the configured level.
func (l *Log) Level() Level {
	return l.level
}

// Record adds e if its operation is recorded at the level of the log. The
// oldest entry is dropped when the ring is full.
func (l *Log) Record(e Entry) bool {
	if !e.Op.RecordedAt(l.level) {
		return false
	}

	fields := logrus.Fields{"op": e.Op, "path": e.Path}
	if e.Target != "" {
		fields["target"] = e.Target
	}
	if e.Size != 0 {
		fields["size"] = e.Size
	}
	if e.Failed {
		l.log.WithFields(fields).Warn("operation failed")
	} else {
		l.log.WithFields(fields).Info("operation done")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.push(e)
	l.dirty = true
	return true
}

func (l *Log) push(e Entry) {
	l.entries[l.next] = e
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
}

// Entries returns a copy of the ring, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

func (l *Log) snapshot() []Entry {
	if !l.full {
		return append([]Entry(nil), l.entries[:l.next]...)
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Len returns the number of entries in the ring.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Clear drops all entries.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.next, l.full = 0, false
	l.dirty = true
}

// Dirty reports whether the ring changed since the last Load or Store.
func (l *Log) Dirty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dirty
}

// Region layout: a header followed by the encoded entries.
const (
	regionMagic   = 0x4C415446 // "FTAL"
	regionVersion = 1

	offMagic   = 0
	offVersion = 4
	offCount   = 6
	offLength  = 8
	offCRC     = 12
	headerLen  = 16

	// time, op, failed, size and both path lengths
	fixedEntryLen = 8 + 1 + 1 + 8 + 2 + 2
)

func cut(s string) string {
	if len(s) > MaxPath {
		return s[:MaxPath]
	}
	return s
}

func encodedLen(e Entry) int {
	return fixedEntryLen + len(cut(e.Path)) + len(cut(e.Target))
}

func encodeEntry(buf *bytes.Buffer, e Entry) {
	var fixed [8]byte
	binary.LittleEndian.PutUint64(fixed[:], uint64(e.Time.UnixNano()))
	buf.Write(fixed[:])
	buf.WriteByte(byte(e.Op))
	if e.Failed {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	binary.LittleEndian.PutUint64(fixed[:], e.Size)
	buf.Write(fixed[:])
	for _, s := range []string{cut(e.Path), cut(e.Target)} {
		binary.LittleEndian.PutUint16(fixed[:2], uint16(len(s)))
		buf.Write(fixed[:2])
		buf.WriteString(s)
	}
}

// Encode serializes as many of the newest entries as fit into size bytes.
func Encode(entries []Entry, size int) []byte {
	room := size - headerLen
	first := len(entries)
	for first > 0 && room >= encodedLen(entries[first-1]) {
		room -= encodedLen(entries[first-1])
		first--
	}
	kept := entries[first:]

	var payload bytes.Buffer
	for _, e := range kept {
		encodeEntry(&payload, e)
	}

	out := make([]byte, size)
	binary.LittleEndian.PutUint32(out[offMagic:], regionMagic)
	binary.LittleEndian.PutUint16(out[offVersion:], regionVersion)
	binary.LittleEndian.PutUint16(out[offCount:], uint16(len(kept)))
	binary.LittleEndian.PutUint32(out[offLength:], uint32(payload.Len()))
	binary.LittleEndian.PutUint32(out[offCRC:], crc32.ChecksumIEEE(payload.Bytes()))
	copy(out[headerLen:], payload.Bytes())
	return out
}

// Decode parses a region written by Encode. A region which was never written
// decodes to no entries.
func Decode(data []byte) ([]Entry, error) {
	if len(data) < headerLen || binary.LittleEndian.Uint32(data[offMagic:]) != regionMagic {
		return nil, nil
	}
	if v := binary.LittleEndian.Uint16(data[offVersion:]); v != regionVersion {
		return nil, checkpoint.New(fserr.ErrCorruption, "audit region has version %d", v)
	}

	count := int(binary.LittleEndian.Uint16(data[offCount:]))
	length := int(binary.LittleEndian.Uint32(data[offLength:]))
	if length > len(data)-headerLen {
		return nil, checkpoint.New(fserr.ErrCorruption, "audit payload of %d bytes exceeds the region", length)
	}
	payload := data[headerLen : headerLen+length]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[offCRC:]) {
		return nil, checkpoint.New(fserr.ErrCorruption, "audit payload checksum mismatch")
	}

	entries := make([]Entry, 0, count)
	for i := 0; i < count; i++ {
		if len(payload) < fixedEntryLen {
			return nil, checkpoint.New(fserr.ErrCorruption, "audit entry %d is truncated", i)
		}
		e := Entry{
			Time:   time.Unix(0, int64(binary.LittleEndian.Uint64(payload))),
			Op:     Operation(payload[8]),
			Failed: payload[9] != 0,
			Size:   binary.LittleEndian.Uint64(payload[10:]),
		}
		payload = payload[18:]

		var paths [2]string
		for p := range paths {
			if len(payload) < 2 {
				return nil, checkpoint.New(fserr.ErrCorruption, "audit entry %d is truncated", i)
			}
			n := int(binary.LittleEndian.Uint16(payload))
			payload = payload[2:]
			if n > len(payload) {
				return nil, checkpoint.New(fserr.ErrCorruption, "audit entry %d is truncated", i)
			}
			paths[p] = string(payload[:n])
			payload = payload[n:]
		}
		e.Path, e.Target = paths[0], paths[1]
		entries = append(entries, e)
	}
	return entries, nil
}

func readRegion(dev blockdev.Device, r Region) ([]byte, error) {
	data := make([]byte, r.Sectors*uint64(dev.SectorSize()))
	return data, dev.ReadSectors(r.Start, data)
}

// Load replaces the ring with the entries stored in r. Only the newest
// entries are kept if the region holds more than the ring.
func (l *Log) Load(dev blockdev.Device, r Region) error {
	data, err := readRegion(dev, r)
	if err != nil {
		return err
	}
	entries, err := Decode(data)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.entries {
		l.entries[i] = Entry{}
	}
	l.next, l.full = 0, false
	if len(entries) > len(l.entries) {
		entries = entries[len(entries)-len(l.entries):]
	}
	for _, e := range entries {
		l.push(e)
	}
	l.dirty = false
	l.log.Debugf("loaded %d entries from sectors %d-%d", len(entries), r.Start, r.Start+r.Sectors-1)
	return nil
}

// Store writes the ring to r if it changed since the last Load or Store.
func (l *Log) Store(dev blockdev.Device, r Region) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.dirty {
		return nil
	}
	data := Encode(l.snapshot(), int(r.Sectors)*dev.SectorSize())
	if err := dev.WriteSectors(r.Start, data); err != nil {
		return err
	}
	l.dirty = false
	return nil
}
