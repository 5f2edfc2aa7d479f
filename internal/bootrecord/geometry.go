// Package bootrecord reads, validates and writes the boot sector of a FAT volume
// and derives the volume geometry from it.
package bootrecord

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
)

// FATType is the width of the entries of the FAT.
type FATType int

const (
	FAT12 FATType = 12
	FAT16 FATType = 16
	FAT32 FATType = 32
)

func (t FATType) String() string {
	switch t {
	case FAT12:
		return "FAT12"
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	}
	return fmt.Sprintf("FATType(%d)", int(t))
}

// Cluster count limits used to determine the FAT type.
// A volume with less than MinClustersFAT16 clusters is FAT12, one with less
// than MinClustersFAT32 is FAT16, everything else is FAT32.
const (
	MinClustersFAT16 = 4085
	MinClustersFAT32 = 65525

	// MaxClustersFAT32 keeps the cluster numbers below the reserved values.
	MaxClustersFAT32 = 0x0FFFFFF5
)

// Geometry contains everything derived from the boot sector which is needed to
// locate structures on the volume. All sector numbers are volume relative.
type Geometry struct {
	Type FATType

	BytesPerSector    uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	SectorsPerFAT     uint32
	TotalSectors      uint32

	// RootEntryCount and RootDirSectors describe the fixed root directory of FAT12/16.
	// Both are 0 on FAT32.
	RootEntryCount uint32
	RootDirSectors uint32
	RootDirStart   uint32

	// RootCluster is the first cluster of the root directory on FAT32.
	RootCluster uint32

	FirstDataSector uint32
	ClusterCount    uint32

	Media            byte
	ExtFlags         uint16
	FSInfoSector     uint32
	BackupBootSector uint32

	OEMName     string
	VolumeLabel string
	VolumeID    uint32
}

// Parse decodes and validates sector 0 of a volume.
// deviceSectors is the size of the device the volume lives on, the volume may
// not be bigger than that.
// If skipChecks is true, the boot jump, signature and media descriptor checks
// are skipped which allows opening some not perfectly standard volumes.
func Parse(sector0 []byte, deviceSectors uint64, skipChecks bool) (*Geometry, error) {
	if len(sector0) < 512 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "boot sector too small")
	}

	bpb := BPB{}
	if err := binary.Read(bytes.NewReader(sector0[:bpbSize]), binary.LittleEndian, &bpb); err != nil {
		return nil, checkpoint.Wrap(err, fserr.ErrFormatInvalid)
	}

	if !skipChecks {
		// Check for valid jump instructions
		if !(bpb.BSJumpBoot[0] == 0xEB && bpb.BSJumpBoot[2] == 0x90) && !(bpb.BSJumpBoot[0] == 0xE9) {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "no valid jump instructions at the beginning")
		}

		if binary.LittleEndian.Uint16(sector0[signatureOffset:]) != signature {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "missing boot sector signature")
		}

		if bpb.Media != 0xF0 && bpb.Media < 0xF8 {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "invalid media value 0x%X", bpb.Media)
		}
	}

	// FAT only supports 512, 1024, 2048 and 4096
	if bpb.BytesPerSector != 512 && bpb.BytesPerSector != 1024 && bpb.BytesPerSector != 2048 && bpb.BytesPerSector != 4096 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "invalid sector size %d", bpb.BytesPerSector)
	}

	// Sectors per cluster has to be a power of two and greater than 0.
	// Also the whole cluster size should not be more than 32K.
	spc := uint32(bpb.SectorsPerCluster)
	if spc == 0 || spc&(spc-1) != 0 || uint32(bpb.BytesPerSector)*spc > 32*1024 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "invalid sectors per cluster %d", spc)
	}

	// The reserved sector count should not be 0.
	// Note: for FAT12 and FAT16 it is typically 1 for FAT32 it is typically 32.
	if bpb.ReservedSectorCount == 0 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "invalid reserved sector count")
	}

	if bpb.NumFATs == 0 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "no FAT present")
	}

	fat32 := FAT32SpecificData{}
	if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat32); err != nil {
		return nil, checkpoint.Wrap(err, fserr.ErrFormatInvalid)
	}

	g := &Geometry{
		BytesPerSector:    uint32(bpb.BytesPerSector),
		SectorsPerCluster: spc,
		ReservedSectors:   uint32(bpb.ReservedSectorCount),
		NumFATs:           uint32(bpb.NumFATs),
		RootEntryCount:    uint32(bpb.RootEntryCount),
		Media:             bpb.Media,
		OEMName:           strings.TrimRight(string(bpb.BSOEMName[:]), " \x00"),
	}

	if bpb.TotalSectors16 != 0 {
		g.TotalSectors = uint32(bpb.TotalSectors16)
	} else {
		g.TotalSectors = bpb.TotalSectors32
	}
	if g.TotalSectors == 0 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "total sector count is 0")
	}
	if uint64(g.TotalSectors) > deviceSectors {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "volume has %d sectors but the device only %d", g.TotalSectors, deviceSectors)
	}

	if bpb.FATSize16 != 0 {
		g.SectorsPerFAT = uint32(bpb.FATSize16)
	} else {
		g.SectorsPerFAT = fat32.FatSize
	}
	if g.SectorsPerFAT == 0 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "FAT size is 0")
	}

	g.RootDirSectors = (g.RootEntryCount*32 + g.BytesPerSector - 1) / g.BytesPerSector
	g.RootDirStart = g.ReservedSectors + g.NumFATs*g.SectorsPerFAT
	g.FirstDataSector = g.RootDirStart + g.RootDirSectors
	if g.FirstDataSector >= g.TotalSectors {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "no data region")
	}

	g.ClusterCount = (g.TotalSectors - g.FirstDataSector) / spc
	g.Type = Classify(g.ClusterCount)

	// The BPB layout has to agree with the type derived from the cluster count.
	if g.Type == FAT32 {
		if bpb.RootEntryCount != 0 || bpb.FATSize16 != 0 || bpb.TotalSectors16 != 0 {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "FAT32 cluster count but FAT12/16 boot record")
		}
		if g.ClusterCount > MaxClustersFAT32 {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "too many clusters")
		}

		g.ExtFlags = fat32.ExtFlags
		g.RootCluster = fat32.RootCluster
		g.FSInfoSector = uint32(fat32.FSInfo)
		g.BackupBootSector = uint32(fat32.BkBootSector)
		g.VolumeID = fat32.BSVolumeID
		g.VolumeLabel = strings.TrimRight(string(fat32.BSVolumeLabel[:]), " \x00")

		if !g.ValidCluster(g.RootCluster) {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "invalid root cluster %d", g.RootCluster)
		}
		if g.FSInfoSector == 0xFFFF || g.FSInfoSector >= g.ReservedSectors {
			g.FSInfoSector = 0
		}
	} else {
		if bpb.RootEntryCount == 0 || bpb.FATSize16 == 0 {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "%v cluster count but FAT32 boot record", g.Type)
		}
		if (g.RootEntryCount*32)%g.BytesPerSector != 0 {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "root directory is not sector aligned")
		}

		fat16 := FAT16SpecificData{}
		if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat16); err != nil {
			return nil, checkpoint.Wrap(err, fserr.ErrFormatInvalid)
		}
		if fat16.BSBootSignature == extendedBootSignature {
			g.VolumeID = fat16.BSVolumeID
			g.VolumeLabel = strings.TrimRight(string(fat16.BSVolumeLabel[:]), " \x00")
		}
	}

	if FATBytes(g.Type, g.ClusterCount+2) > uint64(g.SectorsPerFAT)*uint64(g.BytesPerSector) {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "FAT too small for %d clusters", g.ClusterCount)
	}

	return g, nil
}

// Classify returns the FAT type for a volume with the given amount of data clusters.
func Classify(clusters uint32) FATType {
	if clusters < MinClustersFAT16 {
		return FAT12
	}
	if clusters < MinClustersFAT32 {
		return FAT16
	}
	return FAT32
}

// FATBytes returns how many bytes a FAT needs for the given amount of entries.
func FATBytes(t FATType, entries uint32) uint64 {
	switch t {
	case FAT12:
		return (uint64(entries)*3 + 1) / 2
	case FAT16:
		return uint64(entries) * 2
	default:
		return uint64(entries) * 4
	}
}

// ClusterSize returns the size of one cluster in bytes.
func (g *Geometry) ClusterSize() uint32 {
	return g.BytesPerSector * g.SectorsPerCluster
}

// MaxCluster returns the highest valid cluster number.
func (g *Geometry) MaxCluster() uint32 {
	return g.ClusterCount + 1
}

// ValidCluster reports whether c addresses a cluster of the data region.
func (g *Geometry) ValidCluster(c uint32) bool {
	return c >= 2 && c <= g.MaxCluster()
}

// ClusterToSector returns the first sector of the given cluster.
// The cluster must be valid.
func (g *Geometry) ClusterToSector(c uint32) uint64 {
	return uint64(g.FirstDataSector) + uint64(c-2)*uint64(g.SectorsPerCluster)
}

// FATStart returns the first sector of the FAT copy with the given index.
func (g *Geometry) FATStart(index uint32) uint64 {
	return uint64(g.ReservedSectors) + uint64(index)*uint64(g.SectorsPerFAT)
}

// MirroringEnabled reports whether all FAT copies are kept in sync.
// Only FAT32 can disable mirroring through the extended flags.
func (g *Geometry) MirroringEnabled() bool {
	return g.Type != FAT32 || g.ExtFlags&0x80 == 0
}

// ActiveFAT returns the index of the FAT copy which is used for reading.
func (g *Geometry) ActiveFAT() uint32 {
	if g.MirroringEnabled() {
		return 0
	}
	active := uint32(g.ExtFlags & 0x0F)
	if active >= g.NumFATs {
		return 0
	}
	return active
}

// FixedRoot reports whether the root directory is the fixed region of FAT12/16.
func (g *Geometry) FixedRoot() bool {
	return g.Type != FAT32
}
