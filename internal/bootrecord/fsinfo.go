package bootrecord

import "encoding/binary"

const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000

	// FSInfoUnknown marks a hint field as not set.
	FSInfoUnknown = 0xFFFFFFFF
)

// FSInfo contains the allocation hints FAT32 keeps in a reserved sector.
// They are only hints and never trusted for correctness.
type FSInfo struct {
	FreeCount uint32
	NextFree  uint32
}

// ParseFSInfo decodes the FSInfo sector. ok is false if the signatures do not match.
func ParseFSInfo(sector []byte) (info FSInfo, ok bool) {
	if len(sector) < 512 ||
		binary.LittleEndian.Uint32(sector[0:]) != fsInfoLeadSignature ||
		binary.LittleEndian.Uint32(sector[484:]) != fsInfoStructSignature ||
		binary.LittleEndian.Uint32(sector[508:]) != fsInfoTrailSignature {
		return FSInfo{}, false
	}

	return FSInfo{
		FreeCount: binary.LittleEndian.Uint32(sector[488:]),
		NextFree:  binary.LittleEndian.Uint32(sector[492:]),
	}, true
}

// Put writes the FSInfo structure including all signatures into sector.
// Other bytes stay untouched.
func (i FSInfo) Put(sector []byte) {
	binary.LittleEndian.PutUint32(sector[0:], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(sector[484:], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(sector[488:], i.FreeCount)
	binary.LittleEndian.PutUint32(sector[492:], i.NextFree)
	binary.LittleEndian.PutUint32(sector[508:], fsInfoTrailSignature)
}
