package direntry

import (
	"unicode/utf16"

	"github.com/aligator/gofat/v2/checkpoint"
)

const (
	lfnCharsPerRecord = 13
	lfnLastFlag       = 0x40
	lfnSequenceMask   = 0x1F
	maxLFNRecords     = (MaxNameLength + lfnCharsPerRecord - 1) / lfnCharsPerRecord
)

// Checksum computes the checksum over a short name which every long filename
// record of the same entry carries.
func Checksum(name [11]byte) byte {
	var sum byte
	for _, b := range name {
		sum = (sum&1)<<7 + sum>>1 + b
	}
	return sum
}

// LongRecords encodes name as long filename records in on-disk order, the
// record with the highest sequence number and the last flag first.
func LongRecords(name string, checksum byte) ([]LongFilenameEntry, error) {
	chars := utf16.Encode([]rune(name))
	if len(chars) == 0 || len(chars) > MaxNameLength {
		return nil, checkpoint.New(ErrInvalidName, "%q has %d characters", name, len(chars))
	}

	count := (len(chars) + lfnCharsPerRecord - 1) / lfnCharsPerRecord

	// The name is terminated by 0x0000 if it does not fill the last record
	// completely, the remaining characters are padded with 0xFFFF.
	padded := make([]uint16, count*lfnCharsPerRecord)
	copy(padded, chars)
	for i := len(chars); i < len(padded); i++ {
		if i == len(chars) {
			padded[i] = 0x0000
		} else {
			padded[i] = 0xFFFF
		}
	}

	records := make([]LongFilenameEntry, 0, count)
	for seq := count; seq >= 1; seq-- {
		part := padded[(seq-1)*lfnCharsPerRecord : seq*lfnCharsPerRecord]
		l := LongFilenameEntry{
			Sequence:  byte(seq),
			Attribute: AttrLongName,
			Checksum:  checksum,
		}
		if seq == count {
			l.Sequence |= lfnLastFlag
		}
		copy(l.First[:], part[0:5])
		copy(l.Second[:], part[5:11])
		copy(l.Third[:], part[11:13])
		records = append(records, l)
	}
	return records, nil
}

// assembleName decodes the name of a complete run in on-disk order.
func assembleName(run []LongFilenameEntry) string {
	chars := make([]uint16, 0, len(run)*lfnCharsPerRecord)
	for i := len(run) - 1; i >= 0; i-- {
		chars = append(chars, run[i].chars()...)
	}

	for i, c := range chars {
		if c == 0x0000 {
			chars = chars[:i]
			break
		}
	}
	return string(utf16.Decode(chars))
}
