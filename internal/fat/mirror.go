package fat

import (
	"bytes"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/bootrecord"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/sirupsen/logrus"
)

// Reconcile compares all FAT copies sector by sector with the lowest indexed
// valid copy and rewrites every sector which differs.
// A copy is valid if its first entry carries the media descriptor.
// It returns the number of rewritten sectors.
func Reconcile(dev blockdev.Device, geo *bootrecord.Geometry, writer SectorWriter, log logrus.FieldLogger) (int, error) {
	if geo.NumFATs < 2 || !geo.MirroringEnabled() {
		return 0, nil
	}

	ss := int(geo.BytesPerSector)
	first := make([]byte, ss)
	primary := -1
	for i := uint32(0); i < geo.NumFATs; i++ {
		if err := dev.ReadSectors(geo.FATStart(i), first); err != nil {
			return 0, err
		}
		if first[0] == geo.Media {
			primary = int(i)
			break
		}
		log.Warnf("FAT copy %d has an invalid media descriptor 0x%X", i, first[0])
	}
	if primary < 0 {
		return 0, checkpoint.New(fserr.ErrCorruption, "no valid FAT copy")
	}

	repaired := 0
	want := make([]byte, scanChunkSectors*ss)
	got := make([]byte, scanChunkSectors*ss)

	for sector := uint32(0); sector < geo.SectorsPerFAT; sector += scanChunkSectors {
		n := geo.SectorsPerFAT - sector
		if n > scanChunkSectors {
			n = scanChunkSectors
		}
		size := int(n) * ss

		if err := dev.ReadSectors(geo.FATStart(uint32(primary))+uint64(sector), want[:size]); err != nil {
			return repaired, err
		}

		for i := uint32(0); i < geo.NumFATs; i++ {
			if int(i) == primary {
				continue
			}

			start := geo.FATStart(i) + uint64(sector)
			if err := dev.ReadSectors(start, got[:size]); err != nil {
				return repaired, err
			}

			for s := 0; s < int(n); s++ {
				w := want[s*ss : (s+1)*ss]
				if bytes.Equal(w, got[s*ss:(s+1)*ss]) {
					continue
				}
				if err := writer.WriteSector(start+uint64(s), w); err != nil {
					return repaired, err
				}
				repaired++
			}
		}
	}

	if repaired > 0 {
		log.Warnf("repaired %d diverging FAT sectors from copy %d", repaired, primary)
	}
	return repaired, nil
}
