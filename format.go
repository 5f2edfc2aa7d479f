package gofat

import (
	"encoding/binary"
	"time"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/bootrecord"
	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/google/uuid"
)

// FormatOptions configure Format. Zero values select defaults which depend on
// the size of the device.
type FormatOptions struct {
	Type              FATType
	SectorsPerCluster uint32
	NumFATs           uint32
	// RootEntries is the size of the fixed root directory of FAT12/16.
	RootEntries uint32
	Label       string
	OEMName     string
	// VolumeID is taken from a random UUID if it is 0.
	VolumeID uint32
	// Time stamps the volume label entry, the current time is used if it is zero.
	Time time.Time
}

// backupFSInfoSector is the FSInfo copy which follows the backup boot sector.
const backupFSInfoSector = 7

// zeroChunkSectors is how many sectors Format clears with one write.
const zeroChunkSectors = 64

// Format creates an empty FAT filesystem on the whole device.
func Format(dev blockdev.Device, opts FormatOptions) error {
	if opts.VolumeID == 0 {
		id := uuid.New()
		opts.VolumeID = binary.LittleEndian.Uint32(id[:4])
	}
	if opts.Time.IsZero() {
		opts.Time = time.Now()
	}

	geo, err := bootrecord.NewLayout(bootrecord.LayoutOptions{
		Type:              opts.Type,
		BytesPerSector:    uint32(dev.SectorSize()),
		TotalSectors:      dev.TotalSectors(),
		SectorsPerCluster: opts.SectorsPerCluster,
		NumFATs:           opts.NumFATs,
		RootEntries:       opts.RootEntries,
		OEMName:           opts.OEMName,
		Label:             opts.Label,
		VolumeID:          opts.VolumeID,
	})
	if err != nil {
		return err
	}

	// Reserved sectors, all FATs, the fixed root and the first data cluster.
	metaSectors := uint64(geo.FirstDataSector) + uint64(geo.SectorsPerCluster)
	if err := zeroSectors(dev, 0, metaSectors); err != nil {
		return err
	}

	ss := int(geo.BytesPerSector)
	boot := geo.BootSector()
	if err := dev.WriteSectors(0, boot); err != nil {
		return checkpoint.Wrap(err, ErrTransport)
	}

	if geo.Type == FAT32 {
		info := make([]byte, ss)
		bootrecord.FSInfo{
			// The root directory uses the first cluster.
			FreeCount: geo.ClusterCount - 1,
			NextFree:  geo.RootCluster + 1,
		}.Put(info)

		for sector, data := range map[uint64][]byte{
			uint64(geo.FSInfoSector):     info,
			uint64(geo.BackupBootSector): boot,
			backupFSInfoSector:           info,
		} {
			if err := dev.WriteSectors(sector, data); err != nil {
				return checkpoint.Wrap(err, ErrTransport)
			}
		}
	}

	first := make([]byte, ss)
	putFATHead(first, geo)
	for i := uint32(0); i < geo.NumFATs; i++ {
		if err := dev.WriteSectors(geo.FATStart(i), first); err != nil {
			return checkpoint.Wrap(err, ErrTransport)
		}
	}

	if opts.Label != "" && opts.Label != noLabel {
		if err := writeLabel(dev, geo, opts.Label, opts.Time); err != nil {
			return err
		}
	}

	if err := dev.Flush(); err != nil {
		return checkpoint.Wrap(err, ErrTransport)
	}
	return nil
}

// noLabel is the label of volumes without a label.
const noLabel = "NO NAME"

// putFATHead writes the reserved entries 0 and 1 and, on FAT32, the end of
// the root directory chain into the first FAT sector.
// FAT[1] has all bits set, which includes the clean shutdown flag.
func putFATHead(sector []byte, geo *bootrecord.Geometry) {
	switch geo.Type {
	case FAT12:
		sector[0] = geo.Media
		sector[1] = 0xFF
		sector[2] = 0xFF
	case FAT16:
		binary.LittleEndian.PutUint16(sector[0:], 0xFF00|uint16(geo.Media))
		binary.LittleEndian.PutUint16(sector[2:], 0xFFFF)
	case FAT32:
		binary.LittleEndian.PutUint32(sector[0:], 0x0FFFFF00|uint32(geo.Media))
		binary.LittleEndian.PutUint32(sector[4:], 0x0FFFFFFF)
		binary.LittleEndian.PutUint32(sector[geo.RootCluster*4:], 0x0FFFFFFF)
	}
}

// writeLabel stores the volume label as first record of the root directory.
func writeLabel(dev blockdev.Device, geo *bootrecord.Geometry, label string, now time.Time) error {
	h := direntry.EntryHeader{
		Name:      direntry.LabelName(label, direntry.DefaultEncoder),
		Attribute: direntry.AttrVolumeID,
	}
	h.WriteDate, h.WriteTime, _ = direntry.EncodeDateTime(now)

	sector := uint64(geo.RootDirStart)
	if geo.Type == FAT32 {
		sector = geo.ClusterToSector(geo.RootCluster)
	}

	data := make([]byte, geo.BytesPerSector)
	copy(data, h.Encode())
	if err := dev.WriteSectors(sector, data); err != nil {
		return checkpoint.Wrap(err, ErrTransport)
	}
	return nil
}

func zeroSectors(dev blockdev.Device, start, count uint64) error {
	chunk := uint64(zeroChunkSectors)
	if count < chunk {
		chunk = count
	}
	zeros := make([]byte, chunk*uint64(dev.SectorSize()))

	for s := start; s < start+count; {
		n := start + count - s
		if n > chunk {
			n = chunk
		}
		if err := dev.WriteSectors(s, zeros[:n*uint64(dev.SectorSize())]); err != nil {
			return checkpoint.Wrap(err, ErrTransport)
		}
		s += n
	}
	return nil
}
