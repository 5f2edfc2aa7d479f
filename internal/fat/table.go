package fat

import (
	"encoding/binary"
	"errors"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/bootrecord"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/sirupsen/logrus"
)

// Bits of FAT[1] which signal the volume state on FAT16 and FAT32.
const (
	cleanBitFAT16     = 0x8000
	hardErrorBitFAT16 = 0x4000
	cleanBitFAT32     = 0x08000000
	hardErrorBitFAT32 = 0x04000000
)

// scanChunkSectors is the amount of FAT sectors read at once by full table scans.
const scanChunkSectors = 64

var errBitmapMismatch = errors.New("bitmap reports an allocated cluster as free")

// Table reads and writes FAT entries through a SectorCache and keeps the
// optional free cluster bitmap and the generation counter up to date.
// Table is not safe for concurrent use.
type Table struct {
	dev    blockdev.Device
	geo    *bootrecord.Geometry
	cache  *SectorCache
	bitmap *Bitmap
	gen    *Generation
	log    logrus.FieldLogger

	bits       int
	active     uint64
	sectorSize uint32
	lastAlloc  uint32
}

// NewTable creates a table for the active FAT of the volume.
func NewTable(dev blockdev.Device, geo *bootrecord.Geometry, cache *SectorCache, gen *Generation, log logrus.FieldLogger) *Table {
	return &Table{
		dev:        dev,
		geo:        geo,
		cache:      cache,
		gen:        gen,
		log:        log,
		bits:       int(geo.Type),
		active:     geo.FATStart(geo.ActiveFAT()),
		sectorSize: geo.BytesPerSector,
		lastAlloc:  1,
	}
}

// MirrorOffsets returns the sector distances from the active FAT to all FAT
// copies which have to be written.
func MirrorOffsets(geo *bootrecord.Geometry) []int64 {
	if !geo.MirroringEnabled() {
		return []int64{0}
	}

	active := int64(geo.FATStart(geo.ActiveFAT()))
	offsets := make([]int64, geo.NumFATs)
	for i := range offsets {
		offsets[i] = int64(geo.FATStart(uint32(i))) - active
	}
	return offsets
}

// Cache returns the sector cache of the table.
func (t *Table) Cache() *SectorCache {
	return t.cache
}

// Bitmap returns the free cluster bitmap or nil if it is disabled.
func (t *Table) Bitmap() *Bitmap {
	return t.bitmap
}

// Generation returns the generation counter advanced by FreeChain.
func (t *Table) Generation() *Generation {
	return t.gen
}

// SetAllocationHint sets the cluster after which the next allocation starts searching.
func (t *Table) SetAllocationHint(c uint32) {
	if t.geo.ValidCluster(c) {
		t.lastAlloc = c - 1
	}
}

// NextFreeHint returns the cluster the next allocation will start at.
func (t *Table) NextFreeHint() uint32 {
	next := t.lastAlloc + 1
	if !t.geo.ValidCluster(next) {
		return 2
	}
	return next
}

// position returns the sector and byte offset of the entry of cluster c.
func (t *Table) position(c uint32) (uint64, uint32) {
	var offset uint64
	switch t.bits {
	case 12:
		offset = uint64(c) + uint64(c)/2
	case 16:
		offset = uint64(c) * 2
	default:
		offset = uint64(c) * 4
	}
	return t.active + offset/uint64(t.sectorSize), uint32(offset % uint64(t.sectorSize))
}

// readRaw returns the raw value of entry c without any masking of reserved bits.
func (t *Table) readRaw(c uint32) (uint32, error) {
	sector, offset := t.position(c)

	if t.bits != 12 {
		var value uint32
		err := t.cache.Read(sector, func(data []byte) {
			if t.bits == 16 {
				value = uint32(binary.LittleEndian.Uint16(data[offset:]))
			} else {
				value = binary.LittleEndian.Uint32(data[offset:])
			}
		})
		return value, err
	}

	// A FAT12 entry may straddle two sectors.
	var lo, hi byte
	err := t.cache.Read(sector, func(data []byte) {
		lo = data[offset]
		if offset+1 < t.sectorSize {
			hi = data[offset+1]
		}
	})
	if err != nil {
		return 0, err
	}
	if offset+1 == t.sectorSize {
		err = t.cache.Read(sector+1, func(data []byte) {
			hi = data[0]
		})
		if err != nil {
			return 0, err
		}
	}

	value := uint32(lo) | uint32(hi)<<8
	if c%2 == 1 {
		return value >> 4, nil
	}
	return value & 0xFFF, nil
}

// writeRaw stores value in entry c. The reserved top bits of FAT32 entries
// and the neighbouring nibble of FAT12 entries are preserved.
func (t *Table) writeRaw(c uint32, value uint32) error {
	sector, offset := t.position(c)

	switch t.bits {
	case 16:
		return t.cache.Update(sector, func(data []byte) {
			binary.LittleEndian.PutUint16(data[offset:], uint16(value))
		})
	case 32:
		return t.cache.Update(sector, func(data []byte) {
			old := binary.LittleEndian.Uint32(data[offset:])
			binary.LittleEndian.PutUint32(data[offset:], old&^mask32|value&mask32)
		})
	}

	value &= 0xFFF
	odd := c%2 == 1
	setLo := func(b byte) byte {
		if odd {
			return b&0x0F | byte(value<<4)
		}
		return byte(value)
	}
	setHi := func(b byte) byte {
		if odd {
			return byte(value >> 4)
		}
		return b&0xF0 | byte(value>>8)
	}

	err := t.cache.Update(sector, func(data []byte) {
		data[offset] = setLo(data[offset])
		if offset+1 < t.sectorSize {
			data[offset+1] = setHi(data[offset+1])
		}
	})
	if err != nil || offset+1 < t.sectorSize {
		return err
	}
	return t.cache.Update(sector+1, func(data []byte) {
		data[0] = setHi(data[0])
	})
}

// ReadEntry returns the entry of cluster c.
func (t *Table) ReadEntry(c uint32) (Entry, error) {
	if !t.geo.ValidCluster(c) {
		return 0, checkpoint.New(fserr.ErrInvalidCluster, "read of cluster %d", c)
	}

	raw, err := t.readRaw(c)
	if err != nil {
		return 0, err
	}
	return normalize(raw, t.bits), nil
}

// WriteEntry sets the entry of cluster c and keeps the bitmap in sync.
// e has to be free, bad, end of chain or a valid cluster number.
func (t *Table) WriteEntry(c uint32, e Entry) error {
	if !t.geo.ValidCluster(c) {
		return checkpoint.New(fserr.ErrInvalidCluster, "write of cluster %d", c)
	}
	if !e.IsFree() && !e.IsBad() && !e.IsEOC() && !t.geo.ValidCluster(uint32(e)) {
		return checkpoint.New(fserr.ErrInvalidCluster, "cluster %d cannot point to %v", c, e)
	}

	if err := t.writeRaw(c, denormalize(e, t.bits)); err != nil {
		return err
	}

	if t.bitmap != nil {
		if e.IsFree() {
			t.bitmap.SetFree(c)
		} else {
			t.bitmap.SetAllocated(c)
		}
	}
	return nil
}

// Chain returns all clusters of the chain starting at first.
func (t *Table) Chain(first uint32) ([]uint32, error) {
	if !t.geo.ValidCluster(first) {
		return nil, checkpoint.New(fserr.ErrInvalidCluster, "chain start %d", first)
	}

	chain := []uint32{first}
	for c := first; ; {
		e, err := t.ReadEntry(c)
		if err != nil {
			return nil, err
		}
		if e.IsEOC() {
			return chain, nil
		}
		if !e.IsNext() || !t.geo.ValidCluster(uint32(e)) {
			return nil, checkpoint.New(fserr.ErrCorruption, "cluster %d of chain %d has entry %v", c, first, e)
		}
		if uint32(len(chain)) >= t.geo.ClusterCount {
			return nil, checkpoint.New(fserr.ErrCorruption, "chain %d contains a loop", first)
		}

		c = uint32(e)
		chain = append(chain, c)
	}
}

// ChainLength returns the number of clusters of the chain starting at first.
func (t *Table) ChainLength(first uint32) (uint32, error) {
	chain, err := t.Chain(first)
	if err != nil {
		return 0, err
	}
	return uint32(len(chain)), nil
}

// IsContiguous reports whether every cluster of chain directly follows its predecessor.
func IsContiguous(chain []uint32) bool {
	for i := 1; i < len(chain); i++ {
		if chain[i] != chain[i-1]+1 {
			return false
		}
	}
	return true
}

// AllocateChain allocates count free clusters, links them and terminates the
// chain. The search starts at hint or, if hint is 0, after the last allocation.
// If not enough clusters are free, nothing is changed.
func (t *Table) AllocateChain(count uint32, hint uint32) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	if hint == 0 {
		hint = t.NextFreeHint()
	}

	clusters, err := t.collectFree(count, hint)
	if err != nil {
		return nil, err
	}
	if err := t.link(clusters); err != nil {
		return nil, err
	}

	t.log.Debugf("allocated %d clusters starting at %d", count, clusters[0])
	return clusters, nil
}

// Extend appends count new clusters to the chain which ends at last.
func (t *Table) Extend(last uint32, count uint32) ([]uint32, error) {
	e, err := t.ReadEntry(last)
	if err != nil {
		return nil, err
	}
	if !e.IsEOC() {
		return nil, checkpoint.New(fserr.ErrCorruption, "cluster %d is not the end of its chain", last)
	}

	clusters, err := t.AllocateChain(count, last+1)
	if err != nil {
		return nil, err
	}
	if err := t.WriteEntry(last, Entry(clusters[0])); err != nil {
		return nil, err
	}
	return clusters, nil
}

// AllocateContiguous allocates a chain of count clusters which directly follow each other.
func (t *Table) AllocateContiguous(count uint32) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}

	var first uint32
	if t.bitmap != nil {
		c, ok := t.bitmap.FindRun(count)
		if !ok {
			return nil, checkpoint.New(fserr.ErrOutOfSpace, "no run of %d free clusters", count)
		}
		first = c
	} else {
		run := uint32(0)
		for c := uint32(2); c <= t.geo.MaxCluster(); c++ {
			e, err := t.ReadEntry(c)
			if err != nil {
				return nil, err
			}
			if !e.IsFree() {
				run = 0
				continue
			}
			run++
			if run == count {
				first = c - count + 1
				break
			}
		}
		if first == 0 {
			return nil, checkpoint.New(fserr.ErrOutOfSpace, "no run of %d free clusters", count)
		}
	}

	clusters := make([]uint32, count)
	for i := range clusters {
		clusters[i] = first + uint32(i)
		e, err := t.ReadEntry(clusters[i])
		if err != nil {
			return nil, err
		}
		if !e.IsFree() {
			return nil, checkpoint.New(fserr.ErrCorruption, "bitmap reports allocated cluster %d as free", clusters[i])
		}
	}

	if err := t.link(clusters); err != nil {
		return nil, err
	}
	return clusters, nil
}

func (t *Table) link(clusters []uint32) error {
	for i, c := range clusters {
		next := EntryEOC
		if i+1 < len(clusters) {
			next = Entry(clusters[i+1])
		}
		if err := t.WriteEntry(c, next); err != nil {
			return err
		}
	}
	t.lastAlloc = clusters[len(clusters)-1]
	return nil
}

// collectFree finds count free clusters without changing anything.
func (t *Table) collectFree(count uint32, hint uint32) ([]uint32, error) {
	if t.bitmap == nil {
		return t.collectByScan(count, hint)
	}

	clusters, err := t.collectFromBitmap(count, hint)
	if !errors.Is(err, errBitmapMismatch) {
		return clusters, err
	}

	t.log.Warn("free cluster bitmap disagrees with the FAT, rebuilding it")
	if err := t.RebuildBitmap(); err != nil {
		return nil, err
	}

	clusters, err = t.collectFromBitmap(count, hint)
	if errors.Is(err, errBitmapMismatch) {
		return nil, checkpoint.Wrap(err, fserr.ErrCorruption)
	}
	return clusters, err
}

func (t *Table) collectFromBitmap(count uint32, hint uint32) ([]uint32, error) {
	if t.bitmap.Free() < count {
		return nil, checkpoint.New(fserr.ErrOutOfSpace, "%d clusters requested, %d free", count, t.bitmap.Free())
	}

	clusters := make([]uint32, 0, count)
	c := hint
	for uint32(len(clusters)) < count {
		next, ok := t.bitmap.NextFree(c)
		if !ok {
			return nil, checkpoint.New(fserr.ErrOutOfSpace, "%d clusters requested", count)
		}

		e, err := t.ReadEntry(next)
		if err != nil {
			return nil, err
		}
		if !e.IsFree() {
			return nil, checkpoint.New(errBitmapMismatch, "cluster %d", next)
		}

		clusters = append(clusters, next)
		c = next + 1
	}
	return clusters, nil
}

func (t *Table) collectByScan(count uint32, hint uint32) ([]uint32, error) {
	clusters := make([]uint32, 0, count)
	total := t.geo.ClusterCount
	if !t.geo.ValidCluster(hint) {
		hint = 2
	}

	for i := uint32(0); i < total && uint32(len(clusters)) < count; i++ {
		c := 2 + (hint-2+i)%total
		e, err := t.ReadEntry(c)
		if err != nil {
			return nil, err
		}
		if e.IsFree() {
			clusters = append(clusters, c)
		}
	}

	if uint32(len(clusters)) < count {
		return nil, checkpoint.New(fserr.ErrOutOfSpace, "%d clusters requested, %d free", count, len(clusters))
	}
	return clusters, nil
}

// FreeChain marks every cluster of the chain starting at first as free and
// advances the generation counter once.
func (t *Table) FreeChain(first uint32) (uint32, error) {
	chain, err := t.Chain(first)
	if err != nil {
		return 0, err
	}

	for _, c := range chain {
		if err := t.WriteEntry(c, EntryFree); err != nil {
			return 0, err
		}
	}

	gen := t.gen.Advance()
	t.log.Debugf("freed %d clusters starting at %d, generation %d", len(chain), first, gen)
	return uint32(len(chain)), nil
}

// Release frees clusters which were allocated but never referenced by a
// directory entry, for example when creating the entry failed. No handle can
// point to them, so the generation counter stays.
func (t *Table) Release(clusters []uint32) error {
	for _, c := range clusters {
		if err := t.WriteEntry(c, EntryFree); err != nil {
			return err
		}
	}
	t.log.Debugf("released %d unreferenced clusters", len(clusters))
	return nil
}

// TruncateAfter makes c the last cluster of its chain and frees everything behind it.
func (t *Table) TruncateAfter(c uint32) error {
	e, err := t.ReadEntry(c)
	if err != nil {
		return err
	}
	if e.IsEOC() {
		return nil
	}

	if err := t.WriteEntry(c, EntryEOC); err != nil {
		return err
	}
	if e.IsNext() {
		_, err = t.FreeChain(uint32(e))
	}
	return err
}

// Flush writes all dirty FAT sectors back.
func (t *Table) Flush() error {
	return t.cache.Flush()
}

func (t *Table) stateBits() (clean, hardError uint32) {
	if t.bits == 16 {
		return cleanBitFAT16, hardErrorBitFAT16
	}
	return cleanBitFAT32, hardErrorBitFAT32
}

// VolumeState returns the clean shutdown and hard error flags of FAT[1].
// FAT12 has no such flags and is always reported clean.
func (t *Table) VolumeState() (clean bool, hardError bool, err error) {
	if t.bits == 12 {
		return true, false, nil
	}

	raw, err := t.readRaw(1)
	if err != nil {
		return false, false, err
	}
	cleanBit, hardErrorBit := t.stateBits()
	return raw&cleanBit != 0, raw&hardErrorBit == 0, nil
}

// SetVolumeClean sets or clears the clean shutdown flag of FAT[1].
func (t *Table) SetVolumeClean(clean bool) error {
	if t.bits == 12 {
		return nil
	}

	raw, err := t.readRaw(1)
	if err != nil {
		return err
	}
	cleanBit, _ := t.stateBits()
	if clean {
		raw |= cleanBit
	} else {
		raw &^= cleanBit
	}
	return t.writeRaw(1, raw)
}

// scan calls fn for every data cluster with its entry.
// It reads the active FAT directly from the device, so all dirty cache
// sectors have to be flushed before.
func (t *Table) scan(fn func(c uint32, e Entry)) error {
	maxCluster := t.geo.MaxCluster()

	if t.bits == 12 {
		data := make([]byte, uint64(t.geo.SectorsPerFAT)*uint64(t.sectorSize))
		if err := t.dev.ReadSectors(t.active, data); err != nil {
			return err
		}
		for c := uint32(2); c <= maxCluster; c++ {
			offset := c + c/2
			value := uint32(data[offset]) | uint32(data[offset+1])<<8
			if c%2 == 1 {
				value >>= 4
			}
			fn(c, normalize(value, 12))
		}
		return nil
	}

	width := uint32(t.bits / 8)
	perSector := t.sectorSize / width
	buf := make([]byte, scanChunkSectors*t.sectorSize)

	for sector := uint32(0); sector < t.geo.SectorsPerFAT; sector += scanChunkSectors {
		n := t.geo.SectorsPerFAT - sector
		if n > scanChunkSectors {
			n = scanChunkSectors
		}
		chunk := buf[:n*t.sectorSize]
		if err := t.dev.ReadSectors(t.active+uint64(sector), chunk); err != nil {
			return err
		}

		first := sector * perSector
		for i := uint32(0); i < n*perSector; i++ {
			c := first + i
			if c < 2 {
				continue
			}
			if c > maxCluster {
				return nil
			}

			var value uint32
			if width == 2 {
				value = uint32(binary.LittleEndian.Uint16(chunk[i*2:]))
			} else {
				value = binary.LittleEndian.Uint32(chunk[i*4:])
			}
			fn(c, normalize(value, t.bits))
		}
	}
	return nil
}

// RebuildBitmap creates the free cluster bitmap from the table content.
// It also enables the bitmap if it was not used before.
func (t *Table) RebuildBitmap() error {
	if err := t.cache.Flush(); err != nil {
		return err
	}

	bitmap := NewBitmap(t.geo.MaxCluster())
	err := t.scan(func(c uint32, e Entry) {
		if !e.IsFree() {
			bitmap.SetAllocated(c)
		}
	})
	if err != nil {
		return err
	}

	t.bitmap = bitmap
	return nil
}

// CountFree counts the free clusters by scanning the whole table.
func (t *Table) CountFree() (uint32, error) {
	if t.bitmap != nil {
		return t.bitmap.Free(), nil
	}
	if err := t.cache.Flush(); err != nil {
		return 0, err
	}

	var free uint32
	err := t.scan(func(c uint32, e Entry) {
		if e.IsFree() {
			free++
		}
	})
	return free, err
}
