package direntry

import "strings"

// Entry is a short record together with its assembled name and its position
// inside of the directory data.
type Entry struct {
	EntryHeader

	// Name is the long name or, if there is none, the display form of the short name.
	Name string
	// ShortName is the display form of the short name.
	ShortName string

	// Offset is the byte offset of the short record.
	Offset uint32
	// LFNOffset is the byte offset of the first long filename record.
	// It equals Offset if the entry has no long name.
	LFNOffset uint32
	LFNCount  int
}

// Records returns the number of records the entry occupies.
func (e Entry) Records() int {
	return e.LFNCount + 1
}

// IsDot reports whether the entry is the "." or ".." entry of a directory.
func (e Entry) IsDot() bool {
	return e.Name == "." || e.Name == ".."
}

// Matches compares name case insensitively with the long and the short name.
func (e Entry) Matches(name string) bool {
	return strings.EqualFold(e.Name, name) || strings.EqualFold(e.ShortName, name)
}

// Scan assembles all entries of raw directory data.
// Scanning stops at the end marker. Deleted records are skipped and long
// filename runs which are incomplete, out of sequence or whose checksum does
// not match the following short record are discarded.
// base is added to all offsets.
func Scan(data []byte, base uint32, enc NameEncoder) []Entry {
	var (
		entries  []Entry
		run      []LongFilenameEntry
		runStart uint32
		expected byte
		checksum byte
	)

	for offset := 0; offset+Size <= len(data); offset += Size {
		record := data[offset : offset+Size]

		switch {
		case record[0] == MarkerEnd:
			return entries

		case record[0] == MarkerDeleted:
			run = nil

		case IsLongName(record[11]):
			l := DecodeLong(record)
			seq := l.Sequence & lfnSequenceMask

			if l.Sequence&lfnLastFlag != 0 {
				if seq == 0 || seq > maxLFNRecords {
					run = nil
					continue
				}
				run = []LongFilenameEntry{l}
				runStart = base + uint32(offset)
				expected = seq - 1
				checksum = l.Checksum
				continue
			}

			if run == nil || seq != expected || seq == 0 || l.Checksum != checksum {
				run = nil
				continue
			}
			run = append(run, l)
			expected--

		default:
			h := DecodeHeader(record)
			e := Entry{
				EntryHeader: h,
				ShortName:   DisplayShort(h.Name, h.NTReserved, enc),
				Offset:      base + uint32(offset),
				LFNOffset:   base + uint32(offset),
			}
			e.Name = e.ShortName

			if run != nil && expected == 0 && checksum == Checksum(h.Name) && !h.IsVolumeLabel() {
				e.Name = assembleName(run)
				e.LFNOffset = runStart
				e.LFNCount = len(run)
			}
			run = nil

			entries = append(entries, e)
		}
	}
	return entries
}

// FindFreeRun returns the offset of the first run of count free records.
// Records after the end marker are free as well.
func FindFreeRun(data []byte, count int) (uint32, bool) {
	run := 0
	ended := false
	for offset := 0; offset+Size <= len(data); offset += Size {
		first := data[offset]
		if first == MarkerEnd {
			ended = true
		}

		if ended || first == MarkerDeleted {
			run++
			if run == count {
				return uint32(offset - (count-1)*Size), true
			}
			continue
		}
		run = 0
	}
	return 0, false
}

// NeedsEndMarker reports whether writing count records at offset consumes the
// end marker. The record behind them then has to become the new end marker.
func NeedsEndMarker(data []byte, offset uint32, count int) bool {
	next := int(offset) + count*Size
	if next+Size > len(data) || data[next] == MarkerEnd {
		return false
	}
	for i := 0; i < count; i++ {
		if data[int(offset)+i*Size] == MarkerEnd {
			return true
		}
	}
	return false
}

// ShortNames returns a set of all short names used by entries.
func ShortNames(entries []Entry) map[[11]byte]struct{} {
	names := make(map[[11]byte]struct{}, len(entries))
	for _, e := range entries {
		names[e.EntryHeader.Name] = struct{}{}
	}
	return names
}
