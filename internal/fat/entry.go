// Package fat manages the file allocation table: entry encoding for all three
// widths, the write-back sector cache, the free cluster bitmap, chain
// allocation and the generation counter.
package fat

import "fmt"

// Entry is a FAT entry value normalized to the FAT32 value range.
// Special values of FAT12 and FAT16 (free, bad, end of chain) are mapped to
// their FAT32 counterparts, so callers never depend on the entry width.
type Entry uint32

const (
	// EntryFree marks a free cluster.
	EntryFree Entry = 0
	// EntryBad marks a bad cluster which is never allocated.
	EntryBad Entry = 0x0FFFFFF7
	// EntryEOC marks the last cluster of a chain.
	EntryEOC Entry = 0x0FFFFFFF

	reservedStart Entry = 0x0FFFFFF0
	eocStart      Entry = 0x0FFFFFF8
	mask32              = 0x0FFFFFFF
)

// Value returns the raw normalized value.
func (e Entry) Value() uint32 {
	return uint32(e)
}

// IsFree reports whether the cluster is unallocated.
func (e Entry) IsFree() bool {
	return e == EntryFree
}

// IsReserved reports values which should not be used.
func (e Entry) IsReserved() bool {
	return e == 1 || (e >= reservedStart && e < EntryBad)
}

// IsBad reports whether the cluster is marked as bad.
func (e Entry) IsBad() bool {
	return e == EntryBad
}

// IsEOC reports whether the entry terminates a chain.
func (e Entry) IsEOC() bool {
	return e >= eocStart
}

// IsNext reports whether the entry points to a following cluster.
func (e Entry) IsNext() bool {
	return e >= 2 && e < reservedStart
}

func (e Entry) String() string {
	switch {
	case e.IsFree():
		return "free"
	case e.IsBad():
		return "bad"
	case e.IsEOC():
		return "EOC"
	case e.IsReserved():
		return fmt.Sprintf("reserved(0x%X)", uint32(e))
	}
	return fmt.Sprintf("next(%d)", uint32(e))
}

// widthMask returns the mask of the significant bits of an entry.
func widthMask(bits int) uint32 {
	switch bits {
	case 12:
		return 0xFFF
	case 16:
		return 0xFFFF
	}
	return mask32
}

// normalize maps a raw entry of the given width to the FAT32 range.
// The highest 16 values of every width are the special values.
func normalize(raw uint32, bits int) Entry {
	m := widthMask(bits)
	raw &= m
	if raw >= m-0xF {
		return reservedStart | Entry(raw&0xF)
	}
	return Entry(raw)
}

// denormalize maps a normalized entry back to the given width.
func denormalize(e Entry, bits int) uint32 {
	m := widthMask(bits)
	if e >= reservedStart {
		return (m &^ 0xF) | uint32(e&0xF)
	}
	return uint32(e) & m
}
