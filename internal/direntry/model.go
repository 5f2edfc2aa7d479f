// Package direntry encodes and decodes FAT directory records: short 8.3
// entries, long filename runs and their timestamps. It also assembles
// directory listings from raw directory data and caches name lookups.
package direntry

import (
	"bytes"
	"encoding/binary"
)

// Size is the size of one directory record in bytes.
const Size = 32

// Attributes of a directory entry.
const (
	AttrReadOnly  byte = 0x01
	AttrHidden    byte = 0x02
	AttrSystem    byte = 0x04
	AttrVolumeID  byte = 0x08
	AttrDirectory byte = 0x10
	AttrArchive   byte = 0x20
	AttrLongName       = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// Markers in the first byte of a record.
const (
	MarkerEnd     byte = 0x00
	MarkerDeleted byte = 0xE5
	// markerKanji replaces a real 0xE5 as first name byte.
	markerKanji byte = 0x05
)

// Flags in EntryHeader.NTReserved which mark lower case name parts.
const (
	CaseLowerBase byte = 0x08
	CaseLowerExt  byte = 0x10
)

// EntryHeader is a short directory record.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// LongFilenameEntry is a long filename record. Up to 20 of them precede the
// short record they belong to, in reverse order.
type LongFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

// DecodeHeader decodes a short record.
func DecodeHeader(record []byte) EntryHeader {
	h := EntryHeader{}
	_ = binary.Read(bytes.NewReader(record[:Size]), binary.LittleEndian, &h)
	return h
}

// Encode returns the 32 byte record.
func (h EntryHeader) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	_ = binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// Cluster returns the first cluster of the entry.
func (h EntryHeader) Cluster() uint32 {
	return uint32(h.FirstClusterHI)<<16 | uint32(h.FirstClusterLO)
}

// SetCluster sets the first cluster of the entry.
func (h *EntryHeader) SetCluster(c uint32) {
	h.FirstClusterHI = uint16(c >> 16)
	h.FirstClusterLO = uint16(c)
}

// IsDir reports whether the entry is a directory.
func (h EntryHeader) IsDir() bool {
	return h.Attribute&AttrDirectory != 0
}

// IsVolumeLabel reports whether the entry holds the volume label.
func (h EntryHeader) IsVolumeLabel() bool {
	return h.Attribute&AttrVolumeID != 0 && !IsLongName(h.Attribute)
}

// IsLongName reports whether attr marks a long filename record.
func IsLongName(attr byte) bool {
	return attr&0x3F == AttrLongName
}

// DecodeLong decodes a long filename record.
func DecodeLong(record []byte) LongFilenameEntry {
	l := LongFilenameEntry{}
	_ = binary.Read(bytes.NewReader(record[:Size]), binary.LittleEndian, &l)
	return l
}

// Encode returns the 32 byte record.
func (l LongFilenameEntry) Encode() []byte {
	buf := bytes.NewBuffer(make([]byte, 0, Size))
	_ = binary.Write(buf, binary.LittleEndian, l)
	return buf.Bytes()
}

func (l LongFilenameEntry) chars() []uint16 {
	chars := make([]uint16, 0, lfnCharsPerRecord)
	chars = append(chars, l.First[:]...)
	chars = append(chars, l.Second[:]...)
	return append(chars, l.Third[:]...)
}
