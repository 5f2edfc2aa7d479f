package bootrecord

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
)

// LayoutOptions describe a volume which should be created.
// Zero values select defaults.
type LayoutOptions struct {
	Type              FATType
	BytesPerSector    uint32
	TotalSectors      uint64
	SectorsPerCluster uint32
	NumFATs           uint32
	RootEntries       uint32
	Media             byte
	OEMName           string
	Label             string
	VolumeID          uint32
}

// NewLayout computes the geometry of a new volume.
// The FAT size is computed iteratively until it is big enough for the
// clusters which remain after subtracting the metadata regions.
func NewLayout(o LayoutOptions) (*Geometry, error) {
	if o.BytesPerSector == 0 {
		o.BytesPerSector = 512
	}
	if o.NumFATs == 0 {
		o.NumFATs = 2
	}
	if o.Media == 0 {
		o.Media = 0xF8
	}
	if o.OEMName == "" {
		o.OEMName = "GOFAT"
	}
	if o.Label == "" {
		o.Label = "NO NAME"
	}
	if o.TotalSectors > 0xFFFFFFFF {
		o.TotalSectors = 0xFFFFFFFF
	}
	total := uint32(o.TotalSectors)

	if o.Type == 0 {
		size := uint64(total) * uint64(o.BytesPerSector)
		switch {
		case size < 8<<20:
			o.Type = FAT12
		case size < 512<<20:
			o.Type = FAT16
		default:
			o.Type = FAT32
		}
	}

	reserved := uint32(1)
	if o.Type == FAT32 {
		reserved = 32
		o.RootEntries = 0
	} else if o.RootEntries == 0 {
		o.RootEntries = 512
	}
	rootDirSectors := (o.RootEntries*32 + o.BytesPerSector - 1) / o.BytesPerSector
	if (o.RootEntries*32)%o.BytesPerSector != 0 {
		return nil, checkpoint.New(fserr.ErrFormatInvalid, "root entry count %d is not sector aligned", o.RootEntries)
	}

	compute := func(spc uint32) (fatSize, clusters uint32, ok bool) {
		fatSize = 1
		for i := 0; i < 64; i++ {
			meta := reserved + o.NumFATs*fatSize + rootDirSectors
			if meta >= total {
				return 0, 0, false
			}
			clusters = (total - meta) / spc
			need := uint32((FATBytes(o.Type, clusters+2) + uint64(o.BytesPerSector) - 1) / uint64(o.BytesPerSector))
			if need <= fatSize {
				return fatSize, clusters, clusters > 0
			}
			fatSize = need
		}
		return 0, 0, false
	}

	var spcCandidates []uint32
	if o.SectorsPerCluster != 0 {
		spcCandidates = []uint32{o.SectorsPerCluster}
	} else {
		for spc := defaultSectorsPerCluster(o.Type, uint64(total)*uint64(o.BytesPerSector)); spc <= 128 && spc*o.BytesPerSector <= 32*1024; spc *= 2 {
			spcCandidates = append(spcCandidates, spc)
		}
	}

	for _, spc := range spcCandidates {
		if spc == 0 || spc&(spc-1) != 0 || spc*o.BytesPerSector > 32*1024 {
			return nil, checkpoint.New(fserr.ErrFormatInvalid, "invalid sectors per cluster %d", spc)
		}

		fatSize, clusters, ok := compute(spc)
		if !ok || Classify(clusters) != o.Type {
			continue
		}

		g := &Geometry{
			Type:              o.Type,
			BytesPerSector:    o.BytesPerSector,
			SectorsPerCluster: spc,
			ReservedSectors:   reserved,
			NumFATs:           o.NumFATs,
			SectorsPerFAT:     fatSize,
			TotalSectors:      total,
			RootEntryCount:    o.RootEntries,
			RootDirSectors:    rootDirSectors,
			RootDirStart:      reserved + o.NumFATs*fatSize,
			Media:             o.Media,
			OEMName:           o.OEMName,
			VolumeLabel:       strings.ToUpper(o.Label),
			VolumeID:          o.VolumeID,
		}
		g.FirstDataSector = g.RootDirStart + rootDirSectors
		g.ClusterCount = clusters
		if o.Type == FAT32 {
			g.RootCluster = 2
			g.FSInfoSector = 1
			g.BackupBootSector = 6
		}
		return g, nil
	}

	return nil, checkpoint.New(fserr.ErrFormatInvalid, "%d sectors cannot be formatted as %v", total, o.Type)
}

// defaultSectorsPerCluster returns the starting point of the cluster size search.
func defaultSectorsPerCluster(t FATType, size uint64) uint32 {
	if t != FAT32 {
		return 1
	}
	switch {
	case size <= 260<<20:
		return 1
	case size <= 8<<30:
		return 8
	case size <= 16<<30:
		return 16
	case size <= 32<<30:
		return 32
	}
	return 64
}

// BootSector encodes the geometry as boot sector.
func (g *Geometry) BootSector() []byte {
	bpb := BPB{
		BytesPerSector:      uint16(g.BytesPerSector),
		SectorsPerCluster:   byte(g.SectorsPerCluster),
		ReservedSectorCount: uint16(g.ReservedSectors),
		NumFATs:             byte(g.NumFATs),
		RootEntryCount:      uint16(g.RootEntryCount),
		Media:               g.Media,
		SectorsPerTrack:     63,
		NumberOfHeads:       255,
	}
	copy(bpb.BSOEMName[:], padded(g.OEMName, 8))

	if g.Type != FAT32 && g.TotalSectors < 0x10000 {
		bpb.TotalSectors16 = uint16(g.TotalSectors)
	} else {
		bpb.TotalSectors32 = g.TotalSectors
	}

	specific := &bytes.Buffer{}
	if g.Type == FAT32 {
		bpb.BSJumpBoot = [3]byte{0xEB, 0x58, 0x90}
		data := FAT32SpecificData{
			FatSize:         g.SectorsPerFAT,
			ExtFlags:        g.ExtFlags,
			RootCluster:     g.RootCluster,
			FSInfo:          uint16(g.FSInfoSector),
			BkBootSector:    uint16(g.BackupBootSector),
			BSDriveNumber:   0x80,
			BSBootSignature: extendedBootSignature,
			BSVolumeID:      g.VolumeID,
		}
		copy(data.BSVolumeLabel[:], padded(g.VolumeLabel, 11))
		copy(data.BSFileSystemType[:], padded("FAT32", 8))
		_ = binary.Write(specific, binary.LittleEndian, data)
	} else {
		bpb.BSJumpBoot = [3]byte{0xEB, 0x3C, 0x90}
		bpb.FATSize16 = uint16(g.SectorsPerFAT)
		data := FAT16SpecificData{
			BSDriveNumber:   0x80,
			BSBootSignature: extendedBootSignature,
			BSVolumeID:      g.VolumeID,
		}
		copy(data.BSVolumeLabel[:], padded(g.VolumeLabel, 11))
		copy(data.BSFileSystemType[:], padded(g.Type.String(), 8))
		_ = binary.Write(specific, binary.LittleEndian, data)
	}
	copy(bpb.FATSpecificData[:], specific.Bytes())

	buf := &bytes.Buffer{}
	_ = binary.Write(buf, binary.LittleEndian, bpb)

	sector := make([]byte, g.BytesPerSector)
	copy(sector, buf.Bytes())
	binary.LittleEndian.PutUint16(sector[signatureOffset:], signature)
	return sector
}

func padded(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
