package fat

import "github.com/aligator/gofat/v2/blockdev"

// SectorWriter persists single metadata sectors.
// It allows routing all metadata writes through the transaction log.
type SectorWriter interface {
	WriteSector(sector uint64, data []byte) error
}

// DirectWriter writes metadata sectors straight to the device.
type DirectWriter struct {
	Dev blockdev.Device
}

func (w DirectWriter) WriteSector(sector uint64, data []byte) error {
	return w.Dev.WriteSectors(sector, data)
}
