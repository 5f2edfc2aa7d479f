// Package txlog implements a write-ahead log for metadata sectors.
//
// The log lives in a contiguous region of the volume. Its first sector holds
// the checkpoint, the sequence number of the last applied record. It is
// followed by slots of two sectors: a record header and the payload.
//
// Writing a sector first stores the uncommitted record, then marks it
// committed and only then overwrites the target. After a crash Replay applies
// all committed records which were not checkpointed yet and discards the rest.
package txlog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"sort"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/sirupsen/logrus"
)

const (
	recordMagic     = 0x52585446 // "FTXR"
	checkpointMagic = 0x43585446 // "FTXC"
	commitMarker    = 0x544D4F43 // "COMT"
	version         = 1

	sectorsPerSlot = 2
)

// Header field offsets.
const (
	offMagic      = 0
	offVersion    = 4
	offSeq        = 8
	offTarget     = 16
	offPayloadCRC = 24
	offCommit     = 28
	offHeaderCRC  = 32

	// The commit marker is not covered by the header CRC, so committing only
	// rewrites a single field.
	headerCRCLen = offCommit
)

// MinSectors is the smallest usable region: the checkpoint and one slot.
const MinSectors = 1 + sectorsPerSlot

// Log writes metadata sectors through a write-ahead log.
// Log is not safe for concurrent use.
type Log struct {
	dev        blockdev.Device
	start      uint64
	slots      uint64
	sectorSize int
	log        logrus.FieldLogger

	seq        uint64
	checkpoint uint64
	records    uint64
}

// Sectors returns the size of a region holding the given amount of slots.
func Sectors(slots uint64) uint64 {
	return 1 + slots*sectorsPerSlot
}

// Format initializes a region of the given amount of sectors.
func Format(dev blockdev.Device, start, sectors uint64) error {
	if sectors < MinSectors {
		return checkpoint.New(fserr.ErrFormatInvalid, "log region of %d sectors is too small", sectors)
	}

	empty := make([]byte, dev.SectorSize())
	for s := uint64(1); s < sectors; s++ {
		if err := dev.WriteSectors(start+s, empty); err != nil {
			return err
		}
	}
	if err := dev.WriteSectors(start, encodeCheckpoint(0, dev.SectorSize())); err != nil {
		return err
	}
	return dev.Flush()
}

// Open opens an existing log region. It does not replay the log.
func Open(dev blockdev.Device, start, sectors uint64, log logrus.FieldLogger) (*Log, error) {
	if sectors < MinSectors {
		return nil, checkpoint.New(fserr.ErrCorruption, "log region of %d sectors is too small", sectors)
	}

	l := &Log{
		dev:        dev,
		start:      start,
		slots:      (sectors - 1) / sectorsPerSlot,
		sectorSize: dev.SectorSize(),
		log:        log,
	}

	buf := make([]byte, l.sectorSize)
	if err := dev.ReadSectors(start, buf); err != nil {
		return nil, err
	}
	seq, ok := decodeCheckpoint(buf)
	if !ok {
		return nil, checkpoint.New(fserr.ErrCorruption, "invalid log checkpoint")
	}
	l.checkpoint = seq
	l.seq = seq
	return l, nil
}

// Contains reports whether sector lies inside of the log region.
func (l *Log) Contains(sector uint64) bool {
	return sector >= l.start && sector < l.start+Sectors(l.slots)
}

// Records returns the number of records written since Open.
func (l *Log) Records() uint64 {
	return l.records
}

// Checkpoint returns the sequence number of the last applied record.
func (l *Log) Checkpoint() uint64 {
	return l.checkpoint
}

func (l *Log) slotSector(seq uint64) uint64 {
	return l.start + 1 + ((seq-1)%l.slots)*sectorsPerSlot
}

// WriteSector writes data to target through the log.
func (l *Log) WriteSector(target uint64, data []byte) error {
	seq, err := l.append(target, data)
	if err != nil {
		return err
	}
	if err := l.commit(seq); err != nil {
		return err
	}
	if err := l.dev.WriteSectors(target, data); err != nil {
		return err
	}
	return l.writeCheckpoint(seq)
}

// append stores an uncommitted record and returns its sequence number.
func (l *Log) append(target uint64, data []byte) (uint64, error) {
	if len(data) != l.sectorSize {
		return 0, checkpoint.New(fserr.ErrTransport, "log payload of %d bytes", len(data))
	}
	if l.Contains(target) {
		return 0, checkpoint.New(fserr.ErrCorruption, "log record targets the log itself")
	}

	seq := l.seq + 1
	slot := make([]byte, sectorsPerSlot*l.sectorSize)
	putHeader(slot[:l.sectorSize], seq, target, crc32.ChecksumIEEE(data))
	copy(slot[l.sectorSize:], data)

	if err := l.dev.WriteSectors(l.slotSector(seq), slot); err != nil {
		return 0, err
	}
	if err := l.dev.Flush(); err != nil {
		return 0, err
	}

	l.seq = seq
	l.records++
	return seq, nil
}

// commit sets the commit marker of the record seq.
func (l *Log) commit(seq uint64) error {
	header := make([]byte, l.sectorSize)
	sector := l.slotSector(seq)
	if err := l.dev.ReadSectors(sector, header); err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(header[offCommit:], commitMarker)
	if err := l.dev.WriteSectors(sector, header); err != nil {
		return err
	}
	return l.dev.Flush()
}

func (l *Log) writeCheckpoint(seq uint64) error {
	if err := l.dev.WriteSectors(l.start, encodeCheckpoint(seq, l.sectorSize)); err != nil {
		return err
	}
	l.checkpoint = seq
	return nil
}

type record struct {
	seq        uint64
	target     uint64
	payloadCRC uint32
	committed  bool
	slot       uint64
}

// Replay applies all committed records newer than the checkpoint whose target
// does not already contain the payload. Uncommitted records are discarded.
// Replaying twice has the same effect as replaying once.
func (l *Log) Replay() (applied, discarded int, err error) {
	header := make([]byte, l.sectorSize)
	var pending []record

	for i := uint64(0); i < l.slots; i++ {
		sector := l.start + 1 + i*sectorsPerSlot
		if err := l.dev.ReadSectors(sector, header); err != nil {
			return 0, 0, err
		}

		r, ok := parseHeader(header)
		if !ok || r.seq <= l.checkpoint {
			continue
		}
		r.slot = sector
		pending = append(pending, r)
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].seq < pending[j].seq
	})

	payload := make([]byte, l.sectorSize)
	current := make([]byte, l.sectorSize)
	last := l.checkpoint
	for _, r := range pending {
		if r.seq > last {
			last = r.seq
		}

		if !r.committed {
			discarded++
			l.log.Warnf("discarding uncommitted log record %d for sector %d", r.seq, r.target)
			continue
		}

		if r.target >= l.dev.TotalSectors() || l.Contains(r.target) {
			return applied, discarded, checkpoint.New(fserr.ErrCorruption, "log record %d targets invalid sector %d", r.seq, r.target)
		}
		if err := l.dev.ReadSectors(r.slot+1, payload); err != nil {
			return applied, discarded, err
		}
		if crc32.ChecksumIEEE(payload) != r.payloadCRC {
			return applied, discarded, checkpoint.New(fserr.ErrCorruption, "committed log record %d has a corrupted payload", r.seq)
		}

		if err := l.dev.ReadSectors(r.target, current); err != nil {
			return applied, discarded, err
		}
		if bytes.Equal(current, payload) {
			continue
		}
		if err := l.dev.WriteSectors(r.target, payload); err != nil {
			return applied, discarded, err
		}
		applied++
	}

	if last != l.checkpoint {
		if err := l.writeCheckpoint(last); err != nil {
			return applied, discarded, err
		}
		if err := l.dev.Flush(); err != nil {
			return applied, discarded, err
		}
	}
	l.seq = last

	if applied > 0 || discarded > 0 {
		l.log.Warnf("log replay applied %d and discarded %d records", applied, discarded)
	}
	return applied, discarded, nil
}

func putHeader(buf []byte, seq, target uint64, payloadCRC uint32) {
	binary.LittleEndian.PutUint32(buf[offMagic:], recordMagic)
	binary.LittleEndian.PutUint16(buf[offVersion:], version)
	binary.LittleEndian.PutUint64(buf[offSeq:], seq)
	binary.LittleEndian.PutUint64(buf[offTarget:], target)
	binary.LittleEndian.PutUint32(buf[offPayloadCRC:], payloadCRC)
	binary.LittleEndian.PutUint32(buf[offCommit:], 0)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC:], crc32.ChecksumIEEE(buf[:headerCRCLen]))
}

func parseHeader(buf []byte) (record, bool) {
	if binary.LittleEndian.Uint32(buf[offMagic:]) != recordMagic ||
		binary.LittleEndian.Uint16(buf[offVersion:]) != version ||
		binary.LittleEndian.Uint32(buf[offHeaderCRC:]) != crc32.ChecksumIEEE(buf[:headerCRCLen]) {
		return record{}, false
	}

	return record{
		seq:        binary.LittleEndian.Uint64(buf[offSeq:]),
		target:     binary.LittleEndian.Uint64(buf[offTarget:]),
		payloadCRC: binary.LittleEndian.Uint32(buf[offPayloadCRC:]),
		committed:  binary.LittleEndian.Uint32(buf[offCommit:]) == commitMarker,
	}, true
}

func encodeCheckpoint(seq uint64, sectorSize int) []byte {
	buf := make([]byte, sectorSize)
	binary.LittleEndian.PutUint32(buf[0:], checkpointMagic)
	binary.LittleEndian.PutUint16(buf[4:], version)
	binary.LittleEndian.PutUint64(buf[8:], seq)
	binary.LittleEndian.PutUint32(buf[16:], crc32.ChecksumIEEE(buf[:16]))
	return buf
}

func decodeCheckpoint(buf []byte) (uint64, bool) {
	if binary.LittleEndian.Uint32(buf[0:]) != checkpointMagic ||
		binary.LittleEndian.Uint32(buf[16:]) != crc32.ChecksumIEEE(buf[:16]) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(buf[8:]), true
}
