package gofat

import (
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/direntry"
)

// maxDirSize is the maximum size of a directory: 65536 records.
const maxDirSize = 65536 * direntry.Size

// Directories are identified by their first cluster. 0 is the fixed root
// directory of FAT12 and FAT16.

// rootDir returns the cluster of the root directory.
func (fs *Fs) rootDir() uint32 {
	if fs.geo.FixedRoot() {
		return 0
	}
	return fs.geo.RootCluster
}

// dirOf returns the directory cluster of a directory entry.
// ".." entries pointing to the root directory store 0.
func (fs *Fs) dirOf(e direntry.Entry) uint32 {
	if c := e.Cluster(); c != 0 {
		return c
	}
	return fs.rootDir()
}

// dotDotCluster returns the cluster stored in ".." for a directory inside of parent.
func (fs *Fs) dotDotCluster(parent uint32) uint32 {
	if parent == fs.rootDir() {
		return 0
	}
	return parent
}

// dirData is the complete content of a directory.
type dirData struct {
	data    []byte
	sectors []uint64
	chain   []uint32
}

// dirSectors lists all sectors of a directory in order.
func (fs *Fs) dirSectors(dir uint32) ([]uint64, []uint32, error) {
	if dir == 0 {
		sectors := make([]uint64, fs.geo.RootDirSectors)
		for i := range sectors {
			sectors[i] = uint64(fs.geo.RootDirStart) + uint64(i)
		}
		return sectors, nil, nil
	}

	chain, err := fs.table.Chain(dir)
	if err != nil {
		return nil, nil, err
	}
	if uint64(len(chain))*uint64(fs.geo.ClusterSize()) > maxDirSize {
		return nil, nil, checkpoint.New(ErrCorruption, "directory %d has %d clusters", dir, len(chain))
	}

	sectors := make([]uint64, 0, len(chain)*int(fs.geo.SectorsPerCluster))
	for _, c := range chain {
		first := fs.geo.ClusterToSector(c)
		for s := uint64(0); s < uint64(fs.geo.SectorsPerCluster); s++ {
			sectors = append(sectors, first+s)
		}
	}
	return sectors, chain, nil
}

// readDir reads the whole directory. Cluster chains are read cluster by cluster.
func (fs *Fs) readDir(dir uint32) (*dirData, error) {
	sectors, chain, err := fs.dirSectors(dir)
	if err != nil {
		return nil, err
	}

	d := &dirData{
		data:    make([]byte, len(sectors)*int(fs.geo.BytesPerSector)),
		sectors: sectors,
		chain:   chain,
	}

	if dir == 0 {
		if err := fs.dev.ReadSectors(sectors[0], d.data); err != nil {
			return nil, err
		}
		return d, nil
	}

	clusterSize := int(fs.geo.ClusterSize())
	for i, c := range chain {
		if err := fs.dev.ReadSectors(fs.geo.ClusterToSector(c), d.data[i*clusterSize:(i+1)*clusterSize]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// modifyDir lets fn change n bytes at offset of the directory using
// read-modify-write of the affected sectors. The sectors are written through
// the metadata writer.
func (fs *Fs) modifyDir(sectors []uint64, offset uint32, n int, fn func(region []byte)) error {
	ss := fs.geo.BytesPerSector
	first := offset / ss
	last := (offset + uint32(n) - 1) / ss
	if int(last) >= len(sectors) {
		return checkpoint.New(ErrCorruption, "directory offset %d out of range", offset)
	}

	buf := make([]byte, (last-first+1)*ss)
	for i := first; i <= last; i++ {
		if err := fs.dev.ReadSectors(sectors[i], buf[(i-first)*ss:(i-first+1)*ss]); err != nil {
			return err
		}
	}

	start := offset - first*ss
	fn(buf[start : start+uint32(n)])

	for i := first; i <= last; i++ {
		if err := fs.meta.WriteSector(sectors[i], buf[(i-first)*ss:(i-first+1)*ss]); err != nil {
			return err
		}
	}
	return nil
}

// readDirRecord reads the record at offset.
func (fs *Fs) readDirRecord(sectors []uint64, offset uint32) ([]byte, error) {
	ss := fs.geo.BytesPerSector
	if int(offset/ss) >= len(sectors) {
		return nil, checkpoint.New(ErrCorruption, "directory offset %d out of range", offset)
	}

	buf := make([]byte, ss)
	if err := fs.dev.ReadSectors(sectors[offset/ss], buf); err != nil {
		return nil, err
	}
	start := offset % ss
	return buf[start : start+direntry.Size], nil
}

// isHidden reports whether an entry is never shown to users.
func (fs *Fs) isHidden(dir uint32, e direntry.Entry) bool {
	if e.IsDot() || e.IsVolumeLabel() {
		return true
	}
	return dir == fs.rootDir() && fs.isLogEntry(e)
}

// listDir returns all visible entries of a directory.
func (fs *Fs) listDir(dir uint32) ([]direntry.Entry, error) {
	d, err := fs.readDir(dir)
	if err != nil {
		return nil, err
	}

	all := direntry.Scan(d.data, 0, fs.opts.encoder)
	entries := all[:0]
	for _, e := range all {
		if !fs.isHidden(dir, e) {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// lookup finds name in dir. A cached location is verified against the
// records on disk before it is used, on mismatch the directory is scanned.
func (fs *Fs) lookup(dir uint32, name string) (direntry.Entry, bool, error) {
	if loc, ok := fs.dirCache.Get(dir, name); ok {
		e, found, err := fs.verifyLocation(dir, name, loc)
		if err != nil {
			return direntry.Entry{}, false, err
		}
		if found {
			return e, true, nil
		}
		fs.dirCache.Invalidate(dir, name)
	}

	entries, err := fs.listDir(dir)
	if err != nil {
		return direntry.Entry{}, false, err
	}
	for _, e := range entries {
		if e.Matches(name) {
			fs.dirCache.Put(dir, name, direntry.Location{
				Offset:    e.Offset,
				LFNOffset: e.LFNOffset,
				LFNCount:  e.LFNCount,
			})
			return e, true, nil
		}
	}
	return direntry.Entry{}, false, nil
}

func (fs *Fs) verifyLocation(dir uint32, name string, loc direntry.Location) (direntry.Entry, bool, error) {
	sectors, _, err := fs.dirSectors(dir)
	if err != nil {
		return direntry.Entry{}, false, err
	}

	ss := fs.geo.BytesPerSector
	first := loc.LFNOffset / ss
	last := loc.Offset / ss
	if loc.LFNOffset > loc.Offset || int(last) >= len(sectors) {
		return direntry.Entry{}, false, nil
	}

	buf := make([]byte, (last-first+1)*ss)
	for i := first; i <= last; i++ {
		if err := fs.dev.ReadSectors(sectors[i], buf[(i-first)*ss:(i-first+1)*ss]); err != nil {
			return direntry.Entry{}, false, err
		}
	}

	start := loc.LFNOffset - first*ss
	for _, e := range direntry.Scan(buf[start:], loc.LFNOffset, fs.opts.encoder) {
		if e.Offset == loc.Offset && e.LFNOffset == loc.LFNOffset && e.Matches(name) && !fs.isHidden(dir, e) {
			return e, true, nil
		}
	}
	return direntry.Entry{}, false, nil
}

// insertEntry stores a new entry called name in dir. The short name and the
// name case flags of h are replaced. ignore is an entry whose short name may be
// reused, for example the old name of a renamed entry.
func (fs *Fs) insertEntry(dir uint32, name string, h direntry.EntryHeader, ignore *direntry.Entry) (direntry.Entry, error) {
	d, err := fs.readDir(dir)
	if err != nil {
		return direntry.Entry{}, err
	}

	used := direntry.ShortNames(direntry.Scan(d.data, 0, fs.opts.encoder))
	if ignore != nil {
		delete(used, ignore.EntryHeader.Name)
	}
	sfn, ntCase, needLFN, err := direntry.ShortName(name, fs.opts.encoder, func(candidate [11]byte) bool {
		_, ok := used[candidate]
		return ok
	})
	if err != nil {
		return direntry.Entry{}, err
	}
	h.Name = sfn
	h.NTReserved = ntCase

	var records []byte
	lfnCount := 0
	if needLFN {
		long, err := direntry.LongRecords(name, direntry.Checksum(sfn))
		if err != nil {
			return direntry.Entry{}, err
		}
		for _, l := range long {
			records = append(records, l.Encode()...)
		}
		lfnCount = len(long)
	}
	records = append(records, h.Encode()...)

	offset, ok := direntry.FindFreeRun(d.data, lfnCount+1)
	for !ok {
		if dir == 0 {
			return direntry.Entry{}, checkpoint.New(ErrOutOfSpace, "root directory is full")
		}
		if err := fs.growDir(d); err != nil {
			return direntry.Entry{}, err
		}
		offset, ok = direntry.FindFreeRun(d.data, lfnCount+1)
	}

	if direntry.NeedsEndMarker(d.data, offset, lfnCount+1) {
		records = append(records, make([]byte, direntry.Size)...)
	}

	err = fs.modifyDir(d.sectors, offset, len(records), func(region []byte) {
		copy(region, records)
	})
	if err != nil {
		return direntry.Entry{}, err
	}
	fs.dirCache.InvalidateParent(dir)

	e := direntry.Entry{
		EntryHeader: h,
		ShortName:   direntry.DisplayShort(sfn, ntCase, fs.opts.encoder),
		Offset:      offset + uint32(lfnCount*direntry.Size),
		LFNOffset:   offset,
		LFNCount:    lfnCount,
	}
	e.Name = e.ShortName
	if needLFN {
		e.Name = name
	}
	return e, nil
}

// growDir appends one zeroed cluster to a directory.
func (fs *Fs) growDir(d *dirData) error {
	clusterSize := fs.geo.ClusterSize()
	if len(d.data)+int(clusterSize) > maxDirSize {
		return checkpoint.New(ErrOutOfSpace, "directory has the maximum size")
	}

	clusters, err := fs.table.Extend(d.chain[len(d.chain)-1], 1)
	if err != nil {
		return err
	}
	c := clusters[0]

	zero := make([]byte, clusterSize)
	if err := fs.dev.WriteSectors(fs.geo.ClusterToSector(c), zero); err != nil {
		return err
	}

	first := fs.geo.ClusterToSector(c)
	for s := uint64(0); s < uint64(fs.geo.SectorsPerCluster); s++ {
		d.sectors = append(d.sectors, first+s)
	}
	d.chain = append(d.chain, c)
	d.data = append(d.data, zero...)
	return nil
}

// removeEntry marks all records of e as deleted.
func (fs *Fs) removeEntry(dir uint32, e direntry.Entry) error {
	sectors, _, err := fs.dirSectors(dir)
	if err != nil {
		return err
	}

	err = fs.modifyDir(sectors, e.LFNOffset, e.Records()*direntry.Size, func(region []byte) {
		for i := 0; i < len(region); i += direntry.Size {
			region[i] = direntry.MarkerDeleted
		}
	})
	if err != nil {
		return err
	}
	fs.dirCache.InvalidateParent(dir)
	return nil
}

// newDirCluster allocates and initializes the first cluster of a new directory
// inside of parent. The cluster is written directly as nothing references it yet.
func (fs *Fs) newDirCluster(parent uint32) (uint32, error) {
	clusters, err := fs.table.AllocateChain(1, 0)
	if err != nil {
		return 0, err
	}
	c := clusters[0]

	h := fs.newHeader(direntry.AttrDirectory, 0777)
	dot := h
	dot.Name = direntry.DotName(1)
	dot.SetCluster(c)
	dotDot := h
	dotDot.Name = direntry.DotName(2)
	dotDot.SetCluster(fs.dotDotCluster(parent))

	buf := make([]byte, fs.geo.ClusterSize())
	copy(buf, dot.Encode())
	copy(buf[direntry.Size:], dotDot.Encode())
	if err := fs.dev.WriteSectors(fs.geo.ClusterToSector(c), buf); err != nil {
		if releaseErr := fs.table.Release(clusters); releaseErr != nil {
			fs.log.WithError(releaseErr).Warn("could not free cluster of a failed mkdir")
		}
		return 0, err
	}
	return c, nil
}

// dotDot returns the parent directory of dir.
func (fs *Fs) dotDot(dir uint32) (uint32, error) {
	if dir == fs.rootDir() {
		return dir, nil
	}

	buf := make([]byte, fs.geo.BytesPerSector)
	if err := fs.dev.ReadSectors(fs.geo.ClusterToSector(dir), buf); err != nil {
		return 0, err
	}

	h := direntry.DecodeHeader(buf[direntry.Size:])
	if h.Name != direntry.DotName(2) {
		return 0, checkpoint.New(ErrCorruption, "directory %d has no \"..\" entry", dir)
	}
	if c := h.Cluster(); c != 0 {
		return c, nil
	}
	return fs.rootDir(), nil
}

// setDotDot points the ".." entry of dir to parent.
func (fs *Fs) setDotDot(dir uint32, parent uint32) error {
	sectors, _, err := fs.dirSectors(dir)
	if err != nil {
		return err
	}

	return fs.modifyDir(sectors, direntry.Size, direntry.Size, func(region []byte) {
		h := direntry.DecodeHeader(region)
		if h.Name != direntry.DotName(2) {
			return
		}
		h.SetCluster(fs.dotDotCluster(parent))
		copy(region, h.Encode())
	})
}

// rootLabel returns the label stored in the root directory.
func (fs *Fs) rootLabel() (string, bool, error) {
	d, err := fs.readDir(fs.rootDir())
	if err != nil {
		return "", false, err
	}

	for _, e := range direntry.Scan(d.data, 0, fs.opts.encoder) {
		if e.IsVolumeLabel() {
			return direntry.DisplayLabel(e.EntryHeader.Name, fs.opts.encoder), true, nil
		}
	}
	return "", false, nil
}
