// Package blockdev contains the block storage port used by the filesystem and
// some adapters implementing it.
//
// All addressing is volume relative and sector granular. Adapters which live on
// a partition of a bigger device translate the sector index to a device offset
// themselves, the filesystem never does that.
package blockdev

import (
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
)

// Device is the block storage the filesystem is mounted on.
// Generated mock using mockgen:
//  mockgen -destination=mock_blockdev/mock_device.go -package mock_blockdev github.com/aligator/gofat/v2/blockdev Device
type Device interface {
	// SectorSize returns the size of one sector in bytes.
	SectorSize() int

	// TotalSectors returns the number of addressable sectors.
	TotalSectors() uint64

	// ReadSectors reads len(buf)/SectorSize() sectors starting at sector.
	// len(buf) must be a multiple of SectorSize().
	ReadSectors(sector uint64, buf []byte) error

	// WriteSectors writes len(buf)/SectorSize() sectors starting at sector.
	// len(buf) must be a multiple of SectorSize().
	WriteSectors(sector uint64, buf []byte) error

	// Flush makes all previous writes durable.
	Flush() error
}

// checkRange validates a request against the geometry of a device.
func checkRange(sectorSize int, total uint64, sector uint64, buf []byte) error {
	if sectorSize <= 0 || len(buf)%sectorSize != 0 {
		return checkpoint.New(fserr.ErrTransport, "buffer of %d bytes is not a multiple of the sector size %d", len(buf), sectorSize)
	}

	count := uint64(len(buf) / sectorSize)
	if sector > total || count > total-sector {
		return checkpoint.New(fserr.ErrTransport, "sectors %d-%d out of range, device has %d sectors", sector, sector+count, total)
	}

	return nil
}
