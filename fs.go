// Package gofat implements a FAT12, FAT16 and FAT32 filesystem on top of any
// sector addressed block device.
//
// Fs implements afero.Fs and File implements afero.File, so the filesystem can
// be used everywhere afero is supported. GoFs adapts it to io/fs.
package gofat

import (
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/audit"
	"github.com/aligator/gofat/v2/internal/bootrecord"
	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/aligator/gofat/v2/internal/fat"
	"github.com/aligator/gofat/v2/internal/lock"
	"github.com/aligator/gofat/v2/internal/txlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
)

// FATType is the FAT variant of a volume.
type FATType = bootrecord.FATType

const (
	FAT12 = bootrecord.FAT12
	FAT16 = bootrecord.FAT16
	FAT32 = bootrecord.FAT32
)

// MaxFileSize is the biggest size a file can have.
const MaxFileSize = 0xFFFFFFFF

// Fs is a mounted FAT volume.
//
// All operations of the Fs and of the files opened from it are serialized by
// one mutex, so it is safe for concurrent use.
type Fs struct {
	mu sync.Mutex

	dev  blockdev.Device
	geo  *bootrecord.Geometry
	opts options
	log  logrus.FieldLogger

	gen      *fat.Generation
	cache    *fat.SectorCache
	table    *fat.Table
	dirCache *direntry.Cache
	txlog    *txlog.Log
	locks    *lock.Table
	audit    *audit.Log

	// meta receives all metadata sector writes, either directly or through the log.
	meta fat.SectorWriter

	open   map[*File]struct{}
	dirty  *entryHandle
	closed bool
}

// New mounts the FAT volume on dev.
func New(dev blockdev.Device, opts ...Option) (*Fs, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	fs := &Fs{
		dev:   dev,
		opts:  o,
		log:   o.log,
		gen:   &fat.Generation{},
		locks: lock.NewTable(),
		open:  make(map[*File]struct{}),
		meta:  fat.DirectWriter{Dev: dev},
	}

	if err := fs.mount(); err != nil {
		return nil, err
	}
	return fs, nil
}

// NewSkipChecks mounts the volume just like New but it skips some filesystem
// validations which may allow you to open not perfectly standard FAT filesystems.
// Use with caution!
func NewSkipChecks(dev blockdev.Device, opts ...Option) (*Fs, error) {
	return New(dev, append(opts, WithSkipChecks())...)
}

func (fs *Fs) mount() error {
	sector0 := make([]byte, fs.dev.SectorSize())
	if err := fs.dev.ReadSectors(0, sector0); err != nil {
		return err
	}

	geo, err := bootrecord.Parse(sector0, fs.dev.TotalSectors(), fs.opts.skipChecks)
	if err != nil {
		return err
	}
	if int(geo.BytesPerSector) != fs.dev.SectorSize() {
		return checkpoint.New(ErrFormatInvalid, "volume uses %d byte sectors, device %d", geo.BytesPerSector, fs.dev.SectorSize())
	}
	fs.geo = geo
	fs.log = fs.log.WithField("type", geo.Type)

	fs.cache, err = fat.NewSectorCache(fs.dev, fs.meta, fs.opts.fatCacheSectors, fat.MirrorOffsets(geo), fs.log)
	if err != nil {
		return err
	}
	fs.table = fat.NewTable(fs.dev, geo, fs.cache, fs.gen, fs.log)

	fs.dirCache, err = direntry.NewCache(fs.opts.dirCacheEntries)
	if err != nil {
		return checkpoint.From(err)
	}

	writable := !fs.opts.readOnly
	if writable && fs.opts.txLog {
		if err := fs.openLog(); err != nil {
			return err
		}
	}

	if writable {
		if _, err := fat.Reconcile(fs.dev, geo, fs.meta, fs.log); err != nil {
			return err
		}
	}

	clean, hardError, err := fs.table.VolumeState()
	if err != nil {
		return err
	}
	if !clean {
		fs.log.Warn("volume was not unmounted cleanly")
	}
	if hardError {
		fs.log.Warn("volume reports a previous disk error")
	}

	if fs.opts.freeBitmap {
		if err := fs.table.RebuildBitmap(); err != nil {
			return err
		}
	}

	if clean && geo.Type == FAT32 {
		if err := fs.loadFSInfo(); err != nil {
			return err
		}
	}

	if err := fs.openAudit(); err != nil {
		return err
	}

	if !writable {
		return nil
	}

	if err := fs.table.SetVolumeClean(false); err != nil {
		return err
	}
	if err := fs.table.Flush(); err != nil {
		return err
	}

	if fs.opts.txLog && fs.txlog == nil {
		if err := fs.createLog(); err != nil {
			return err
		}
	}
	return fs.dev.Flush()
}

func (fs *Fs) loadFSInfo() error {
	if fs.geo.FSInfoSector == 0 {
		return nil
	}

	sector := make([]byte, fs.geo.BytesPerSector)
	if err := fs.dev.ReadSectors(uint64(fs.geo.FSInfoSector), sector); err != nil {
		return err
	}
	if info, ok := bootrecord.ParseFSInfo(sector); ok && info.NextFree != bootrecord.FSInfoUnknown {
		fs.table.SetAllocationHint(info.NextFree)
	}
	return nil
}

func (fs *Fs) storeFSInfo() error {
	if fs.geo.Type != FAT32 || fs.geo.FSInfoSector == 0 {
		return nil
	}

	sector := make([]byte, fs.geo.BytesPerSector)
	if err := fs.dev.ReadSectors(uint64(fs.geo.FSInfoSector), sector); err != nil {
		return err
	}

	info := bootrecord.FSInfo{
		FreeCount: bootrecord.FSInfoUnknown,
		NextFree:  fs.table.NextFreeHint(),
	}
	if bitmap := fs.table.Bitmap(); bitmap != nil {
		info.FreeCount = bitmap.Free()
	}
	info.Put(sector)
	return fs.meta.WriteSector(uint64(fs.geo.FSInfoSector), sector)
}

// checkOpen returns ErrClosed after unmount.
func (fs *Fs) checkOpen() error {
	if fs.closed {
		return checkpoint.New(ErrClosed, "filesystem is unmounted")
	}
	return nil
}

// checkWritable returns ErrReadOnly on read only mounts.
func (fs *Fs) checkWritable() error {
	if err := fs.checkOpen(); err != nil {
		return err
	}
	if fs.opts.readOnly {
		return checkpoint.New(ErrReadOnly, "volume is mounted read only")
	}
	return nil
}

func (fs *Fs) now() time.Time {
	return fs.opts.clock.Now()
}

// Flush writes all cached metadata to the device and flushes it.
func (fs *Fs) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkOpen(); err != nil {
		return err
	}
	return fs.flush()
}

func (fs *Fs) flush() error {
	if fs.opts.readOnly {
		return nil
	}
	if err := fs.table.Flush(); err != nil {
		return err
	}
	if err := fs.storeAudit(); err != nil {
		return err
	}
	return fs.dev.Flush()
}

// Close unmounts the volume. All files have to be closed before, otherwise
// ErrHandleLeaked is returned and the volume stays mounted.
func (fs *Fs) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkOpen(); err != nil {
		return err
	}
	if len(fs.open) > 0 {
		return checkpoint.New(ErrHandleLeaked, "%d files are still open", len(fs.open))
	}

	fs.dirCache.Purge()
	if fs.opts.readOnly {
		fs.closed = true
		return nil
	}

	// The volume stays mounted until everything reached the device, so a
	// failed Close can be retried.
	err := fs.table.Flush()
	if err == nil {
		err = multierr.Combine(
			fs.storeFSInfo(),
			fs.storeAudit(),
			fs.table.SetVolumeClean(true),
		)
		err = multierr.Append(err, fs.table.Flush())
	}
	err = multierr.Append(err, fs.dev.Flush())
	if err != nil {
		return err
	}
	fs.closed = true
	return nil
}

// Label returns the volume label. The label entry of the root directory takes
// precedence over the one in the boot sector.
func (fs *Fs) Label() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.closed {
		if label, ok, err := fs.rootLabel(); err == nil && ok {
			return label
		}
	}
	return strings.TrimRight(fs.geo.VolumeLabel, " ")
}

// FSType returns the FAT type of the volume.
func (fs *Fs) FSType() FATType {
	return fs.geo.Type
}

// Geometry returns a copy of the volume geometry.
func (fs *Fs) Geometry() bootrecord.Geometry {
	return *fs.geo
}

// resolved is the result of a path lookup.
type resolved struct {
	// parent is the directory containing the entry.
	parent uint32
	entry  direntry.Entry
	root   bool
}

// dir returns the directory cluster of a resolved directory.
func (r resolved) dir(fs *Fs) uint32 {
	if r.root {
		return fs.rootDir()
	}
	return fs.dirOf(r.entry)
}

func splitPath(name string) []string {
	cleaned := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	if cleaned == "/" {
		return nil
	}
	return strings.Split(cleaned[1:], "/")
}

// resolve walks the path from the root directory.
func (fs *Fs) resolve(name string) (resolved, error) {
	parts := splitPath(name)
	current := resolved{root: true}

	for _, part := range parts {
		if !current.root && !current.entry.IsDir() {
			return resolved{}, syscall.ENOTDIR
		}

		dir := current.dir(fs)
		e, ok, err := fs.lookup(dir, part)
		if err != nil {
			return resolved{}, err
		}
		if !ok {
			return resolved{}, os.ErrNotExist
		}
		current = resolved{parent: dir, entry: e}
	}
	return current, nil
}

// resolveParent resolves the directory a new entry called name would be created in.
func (fs *Fs) resolveParent(name string) (dir uint32, base string, err error) {
	parts := splitPath(name)
	if len(parts) == 0 {
		return 0, "", syscall.EINVAL
	}

	parent, err := fs.resolve(strings.Join(parts[:len(parts)-1], "/"))
	if err != nil {
		return 0, "", err
	}
	if !parent.root && !parent.entry.IsDir() {
		return 0, "", syscall.ENOTDIR
	}

	base, err = direntry.CleanName(parts[len(parts)-1])
	if err != nil {
		return 0, "", err
	}
	return parent.dir(fs), base, nil
}

func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return pathError("mkdir", name, fs.mkdir(name, perm))
}

func (fs *Fs) mkdir(name string, perm os.FileMode) (err error) {
	if err := fs.checkWritable(); err != nil {
		return err
	}

	if _, err := fs.resolve(name); err == nil {
		return os.ErrExist
	}

	parent, base, err := fs.resolveParent(name)
	if err != nil {
		return err
	}
	if _, exists, err := fs.lookup(parent, base); err != nil {
		return err
	} else if exists {
		return os.ErrExist
	}

	defer func() { fs.record(AuditMkdir, name, "", 0, err) }()

	cluster, err := fs.newDirCluster(parent)
	if err != nil {
		return err
	}

	h := fs.newHeader(direntry.AttrDirectory, perm)
	h.SetCluster(cluster)
	if _, err := fs.insertEntry(parent, base, h, nil); err != nil {
		if releaseErr := fs.table.Release([]uint32{cluster}); releaseErr != nil {
			err = multierr.Append(err, releaseErr)
		}
		return err
	}
	return fs.table.Flush()
}

func (fs *Fs) MkdirAll(name string, perm os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	parts := splitPath(name)
	for i := range parts {
		current := strings.Join(parts[:i+1], "/")
		r, err := fs.resolve(current)
		if err == nil {
			if !r.entry.IsDir() {
				return pathError("mkdir", current, syscall.ENOTDIR)
			}
			continue
		}
		if !os.IsNotExist(err) {
			return pathError("mkdir", current, err)
		}
		if err := fs.mkdir(current, perm); err != nil {
			return pathError("mkdir", current, err)
		}
	}
	return nil
}

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	f, err := fs.openFile(name, flag, perm)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	return f, nil
}

func (fs *Fs) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return pathError("remove", name, fs.remove(name))
}

func (fs *Fs) remove(name string) (err error) {
	if err := fs.checkWritable(); err != nil {
		return err
	}

	r, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if r.root {
		return syscall.EINVAL
	}
	if r.entry.Attribute&direntry.AttrReadOnly != 0 {
		return os.ErrPermission
	}
	if mode, holders := fs.locks.Held(fs.lockID(r)); mode != lock.None {
		return checkpoint.New(ErrLocked, "%v lock held by %d", mode, holders)
	}

	op := AuditDelete
	if r.entry.IsDir() {
		op = AuditRmdir
	}
	defer func() { fs.record(op, name, "", 0, err) }()

	if r.entry.IsDir() {
		entries, err := fs.listDir(fs.dirOf(r.entry))
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return syscall.ENOTEMPTY
		}
	}

	// The entry goes first so it never points to freed clusters.
	if err := fs.removeEntry(r.parent, r.entry); err != nil {
		return err
	}
	if c := r.entry.Cluster(); c != 0 {
		if _, err := fs.table.FreeChain(c); err != nil {
			return err
		}
	}
	return fs.table.Flush()
}

func (fs *Fs) RemoveAll(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return pathError("removeall", name, fs.removeAll(name))
}

func (fs *Fs) removeAll(name string) error {
	r, err := fs.resolve(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if r.root || r.entry.IsDir() {
		entries, err := fs.listDir(r.dir(fs))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fs.removeAll(path.Join("/", name, e.Name)); err != nil {
				return err
			}
		}
	}

	if r.root {
		return nil
	}
	return fs.remove(name)
}

func (fs *Fs) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return pathError("rename", oldname, fs.rename(oldname, newname))
}

func (fs *Fs) rename(oldname, newname string) (err error) {
	if err := fs.checkWritable(); err != nil {
		return err
	}

	src, err := fs.resolve(oldname)
	if err != nil {
		return err
	}
	if src.root {
		return syscall.EINVAL
	}
	if mode, holders := fs.locks.Held(fs.lockID(src)); mode != lock.None {
		return checkpoint.New(ErrLocked, "%v lock held by %d", mode, holders)
	}

	parent, base, err := fs.resolveParent(newname)
	if err != nil {
		return err
	}

	sameDir := parent == src.parent
	if existing, ok, err := fs.lookup(parent, base); err != nil {
		return err
	} else if ok && !(sameDir && existing.Offset == src.entry.Offset) {
		return os.ErrExist
	}

	if src.entry.IsDir() {
		// A directory cannot be moved into itself.
		moved := fs.dirOf(src.entry)
		for d := parent; d != fs.rootDir(); {
			if d == moved {
				return syscall.EINVAL
			}
			up, err := fs.dotDot(d)
			if err != nil {
				return err
			}
			d = up
		}
	}

	defer func() { fs.record(AuditRename, oldname, newname, 0, err) }()

	var ignore *direntry.Entry
	if sameDir {
		ignore = &src.entry
	}
	if _, err := fs.insertEntry(parent, base, src.entry.EntryHeader, ignore); err != nil {
		return err
	}
	if err := fs.removeEntry(src.parent, src.entry); err != nil {
		return err
	}
	fs.dirCache.Invalidate(src.parent, src.entry.Name)

	if src.entry.IsDir() && !sameDir {
		if err := fs.setDotDot(fs.dirOf(src.entry), parent); err != nil {
			return err
		}
	}
	return fs.table.Flush()
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkOpen(); err != nil {
		return nil, pathError("stat", name, err)
	}

	r, err := fs.resolve(name)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return fs.fileInfo(r), nil
}

func (fs *Fs) Name() string {
	return "gofat"
}

// Chmod sets or clears the read only attribute depending on the owner write bit.
// All other permission bits are ignored.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return pathError("chmod", name, fs.updateEntry(name, func(h *direntry.EntryHeader) {
		if mode&0200 == 0 {
			h.Attribute |= direntry.AttrReadOnly
		} else {
			h.Attribute &^= direntry.AttrReadOnly
		}
	}))
}

// Chown does nothing as FAT has no owners.
func (fs *Fs) Chown(name string, uid, gid int) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkOpen(); err != nil {
		return pathError("chown", name, err)
	}
	_, err := fs.resolve(name)
	return pathError("chown", name, err)
}

// Chtimes sets the modification time and the access date.
func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return pathError("chtimes", name, fs.updateEntry(name, func(h *direntry.EntryHeader) {
		h.WriteDate, h.WriteTime, _ = direntry.EncodeDateTime(mtime)
		h.LastAccessDate = direntry.EncodeDate(atime)
	}))
}

// updateEntry changes the directory entry of name and flushes it.
func (fs *Fs) updateEntry(name string, fn func(h *direntry.EntryHeader)) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}

	r, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if r.root {
		return nil
	}

	err = fs.newEntryHandle(r).update(fn)
	fs.record(AuditMetadata, name, "", 0, err)
	return err
}

func (fs *Fs) newHeader(attr byte, perm os.FileMode) direntry.EntryHeader {
	now := fs.now()
	h := direntry.EntryHeader{Attribute: attr}
	if attr&direntry.AttrDirectory == 0 {
		h.Attribute |= direntry.AttrArchive
		if perm&0200 == 0 {
			h.Attribute |= direntry.AttrReadOnly
		}
	}
	h.CreateDate, h.CreateTime, h.CreateTimeTenth = direntry.EncodeDateTime(now)
	h.WriteDate, h.WriteTime, _ = direntry.EncodeDateTime(now)
	h.LastAccessDate = h.WriteDate
	return h
}

func (fs *Fs) lockID(r resolved) lock.ID {
	return lock.ID{Parent: r.parent, Offset: r.entry.Offset}
}
