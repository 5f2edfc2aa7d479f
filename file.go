package gofat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/aligator/gofat/v2/internal/fat"
	"github.com/aligator/gofat/v2/internal/lock"
	"github.com/spf13/afero"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

// LockMode is the kind of a file lock.
type LockMode = lock.Mode

const (
	LockNone      = lock.None
	LockShared    = lock.Shared
	LockExclusive = lock.Exclusive
)

// File is an open file or directory.
type File struct {
	fs   *Fs
	path string
	name string
	flag int

	isDirectory bool
	isReadOnly  bool
	isHidden    bool
	isSystem    bool

	// entry is nil for the root directory.
	entry *entryHandle
	// dir is the directory cluster if the file is a directory.
	dir uint32

	firstCluster uint32
	size         int64
	offset       int64

	// The cursor remembers the last resolved cluster of the chain so that
	// sequential access does not walk the chain from the start.
	curCluster uint32
	curIndex   uint32

	chainLen    uint32
	lastCluster uint32
	contiguous  bool

	lockID   lock.ID
	lockMode lock.Mode

	closed bool
}

func (fs *Fs) openFile(name string, flag int, perm os.FileMode) (*File, error) {
	if err := fs.checkOpen(); err != nil {
		return nil, err
	}

	accessWrite := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if accessWrite || flag&(os.O_CREATE|os.O_TRUNC) != 0 {
		if err := fs.checkWritable(); err != nil {
			return nil, err
		}
	}

	created := false
	r, err := fs.resolve(name)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, os.ErrExist
		}
	case os.IsNotExist(err) && flag&os.O_CREATE != 0:
		r, err = fs.createFile(name, perm)
		if err != nil {
			return nil, err
		}
		created = true
	default:
		return nil, err
	}

	isDir := r.root || r.entry.IsDir()
	if isDir && (accessWrite || flag&os.O_TRUNC != 0) {
		return nil, syscall.EISDIR
	}
	if !isDir && !created && accessWrite && r.entry.Attribute&direntry.AttrReadOnly != 0 {
		return nil, os.ErrPermission
	}

	f := &File{
		fs:   fs,
		path: name,
		flag: flag,
	}
	if r.root {
		f.isDirectory = true
		f.name = "/"
		f.dir = fs.rootDir()
	} else {
		f.entry = fs.newEntryHandle(r)
		f.name = r.entry.Name
		if err := f.load(); err != nil {
			return nil, err
		}
	}

	if fs.opts.locking && !isDir {
		mode := lock.Shared
		if accessWrite {
			mode = lock.Exclusive
		}
		id := fs.lockID(r)
		if err := fs.locks.TryLock(id, mode); err != nil {
			return nil, err
		}
		f.lockID, f.lockMode = id, mode
	}

	if accessWrite && flag&os.O_TRUNC != 0 && f.size > 0 {
		if err := f.truncate(0); err != nil {
			fs.locks.Unlock(f.lockID, f.lockMode)
			return nil, err
		}
	}

	fs.open[f] = struct{}{}
	fs.record(AuditOpen, name, "", uint64(flag), nil)
	return f, nil
}

func (fs *Fs) createFile(name string, perm os.FileMode) (resolved, error) {
	parent, base, err := fs.resolveParent(name)
	if err != nil {
		return resolved{}, err
	}

	e, err := fs.insertEntry(parent, base, fs.newHeader(0, perm), nil)
	fs.record(AuditCreate, name, "", 0, err)
	if err != nil {
		return resolved{}, err
	}
	return resolved{parent: parent, entry: e}, nil
}

// load initializes the file from its directory entry.
func (f *File) load() error {
	h := f.entry.header
	f.isDirectory = h.IsDir()
	f.isReadOnly = h.Attribute&direntry.AttrReadOnly != 0
	f.isHidden = h.Attribute&direntry.AttrHidden != 0
	f.isSystem = h.Attribute&direntry.AttrSystem != 0
	f.firstCluster = h.Cluster()
	f.size = int64(h.FileSize)
	f.curCluster, f.curIndex = 0, 0
	f.chainLen, f.lastCluster, f.contiguous = 0, 0, true

	if f.isDirectory {
		f.dir = f.fs.dirOf(direntry.Entry{EntryHeader: h})
		f.size = 0
		return nil
	}
	if f.firstCluster == 0 {
		return nil
	}

	chain, err := f.fs.table.Chain(f.firstCluster)
	if err != nil {
		return err
	}
	f.chainLen = uint32(len(chain))
	f.lastCluster = chain[len(chain)-1]
	f.contiguous = fat.IsContiguous(chain)

	if need := f.clustersFor(f.size); need > f.chainLen {
		return checkpoint.New(ErrCorruption, "%q has %d bytes but only %d clusters", f.path, f.size, f.chainLen)
	}
	return nil
}

func (f *File) writable() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR) != 0
}

func (f *File) clustersFor(size int64) uint32 {
	cs := int64(f.fs.geo.ClusterSize())
	return uint32((size + cs - 1) / cs)
}

// clusterAt returns the cluster with the given index in the chain.
func (f *File) clusterAt(index uint32) (uint32, error) {
	if f.firstCluster == 0 || index >= f.chainLen {
		return 0, checkpoint.New(ErrCorruption, "cluster %d of %q is beyond its chain of %d clusters", index, f.path, f.chainLen)
	}
	if f.contiguous {
		return f.firstCluster + index, nil
	}

	if f.curCluster == 0 || index < f.curIndex {
		f.curCluster, f.curIndex = f.firstCluster, 0
	}
	for f.curIndex < index {
		e, err := f.fs.table.ReadEntry(f.curCluster)
		if err != nil {
			return 0, err
		}
		if !e.IsNext() {
			return 0, checkpoint.New(ErrCorruption, "chain of %q ends after %d clusters", f.path, f.curIndex+1)
		}
		f.curCluster = uint32(e)
		f.curIndex++
	}
	return f.curCluster, nil
}

// run returns the cluster at index and how many clusters starting there can
// be transferred with one device call to cover span bytes.
func (f *File) run(index uint32, span int64) (uint32, int64, error) {
	c, err := f.clusterAt(index)
	if err != nil {
		return 0, 0, err
	}
	if !f.contiguous {
		return c, 1, nil
	}

	cs := int64(f.fs.geo.ClusterSize())
	count := (span + cs - 1) / cs
	if limit := int64(f.fs.opts.batchClusters); count > limit {
		count = limit
	}
	if available := int64(f.chainLen - index); count > available {
		count = available
	}
	if count < 1 {
		count = 1
	}
	return c, count, nil
}

// transfer reads or writes p at off. The clusters have to exist already.
func (f *File) transfer(p []byte, off int64, write bool) (int, error) {
	cs := int64(f.fs.geo.ClusterSize())
	total := int64(len(p))

	n := int64(0)
	for n < total {
		pos := off + n
		inCluster := pos % cs

		c, count, err := f.run(uint32(pos/cs), inCluster+total-n)
		if err != nil {
			return int(n), err
		}

		length := count*cs - inCluster
		if length > total-n {
			length = total - n
		}

		if write {
			err = f.fs.writeData(c, inCluster, p[n:n+length])
		} else {
			err = f.fs.readData(c, inCluster, p[n:n+length])
		}
		if err != nil {
			return int(n), err
		}
		n += length
	}
	return int(n), nil
}

// readData reads buf from the data region starting offset bytes into cluster c.
func (fs *Fs) readData(c uint32, offset int64, buf []byte) error {
	ss := int64(fs.geo.BytesPerSector)
	first := fs.geo.ClusterToSector(c) + uint64(offset/ss)
	skip := offset % ss

	if skip == 0 && int64(len(buf))%ss == 0 {
		return fs.dev.ReadSectors(first, buf)
	}

	tmp := make([]byte, (skip+int64(len(buf))+ss-1)/ss*ss)
	if err := fs.dev.ReadSectors(first, tmp); err != nil {
		return err
	}
	copy(buf, tmp[skip:])
	return nil
}

// writeData writes buf to the data region starting offset bytes into cluster c.
// Partially written sectors are read first so the rest of them is kept.
func (fs *Fs) writeData(c uint32, offset int64, buf []byte) error {
	ss := int64(fs.geo.BytesPerSector)
	first := fs.geo.ClusterToSector(c) + uint64(offset/ss)
	skip := offset % ss
	end := skip + int64(len(buf))

	if skip == 0 && end%ss == 0 {
		return fs.dev.WriteSectors(first, buf)
	}

	sectors := (end + ss - 1) / ss
	tmp := make([]byte, sectors*ss)
	if skip != 0 {
		if err := fs.dev.ReadSectors(first, tmp[:ss]); err != nil {
			return err
		}
	}
	if end%ss != 0 && (sectors > 1 || skip == 0) {
		if err := fs.dev.ReadSectors(first+uint64(sectors-1), tmp[(sectors-1)*ss:]); err != nil {
			return err
		}
	}

	copy(tmp[skip:], buf)
	return fs.dev.WriteSectors(first, tmp)
}

// ensureClusters extends the chain so that it can hold size bytes.
// It reports whether clusters were allocated.
func (f *File) ensureClusters(size int64) (bool, error) {
	need := f.clustersFor(size)
	if need <= f.chainLen {
		return false, nil
	}
	count := need - f.chainLen

	var clusters []uint32
	var err error
	if f.firstCluster == 0 {
		clusters, err = f.fs.table.AllocateChain(count, 0)
		if err != nil {
			return false, err
		}
		f.firstCluster = clusters[0]
		f.contiguous = fat.IsContiguous(clusters)
	} else {
		clusters, err = f.fs.table.Extend(f.lastCluster, count)
		if err != nil {
			return false, err
		}
		f.contiguous = f.contiguous && clusters[0] == f.lastCluster+1 && fat.IsContiguous(clusters)
	}

	f.chainLen = need
	f.lastCluster = clusters[len(clusters)-1]
	f.curCluster, f.curIndex = 0, 0
	return true, nil
}

// zeroRange fills [from, to) with zeros.
func (f *File) zeroRange(from, to int64) error {
	chunk := int64(f.fs.opts.batchClusters) * int64(f.fs.geo.ClusterSize())
	if to-from < chunk {
		chunk = to - from
	}
	zeros := make([]byte, chunk)

	for pos := from; pos < to; {
		n := to - pos
		if n > chunk {
			n = chunk
		}
		if _, err := f.transfer(zeros[:n], pos, true); err != nil {
			return err
		}
		pos += n
	}
	return nil
}

// flushEntry stores size, first cluster and modification time in the entry.
func (f *File) flushEntry() error {
	now := f.fs.now()
	size := uint32(f.size)
	first := f.firstCluster
	return f.entry.update(func(h *direntry.EntryHeader) {
		h.FileSize = size
		h.SetCluster(first)
		h.WriteDate, h.WriteTime, _ = direntry.EncodeDateTime(now)
		h.LastAccessDate = h.WriteDate
		h.Attribute |= direntry.AttrArchive
	})
}

func (f *File) writeAt(p []byte, off int64) (n int, err error) {
	if err := f.entry.checkStale(); err != nil {
		return 0, err
	}
	defer func() { f.fs.record(AuditWrite, f.path, "", uint64(n), err) }()

	end := off + int64(len(p))
	if end > MaxFileSize {
		return 0, syscall.EFBIG
	}
	if len(p) == 0 {
		return 0, nil
	}

	allocated, err := f.ensureClusters(end)
	if err != nil {
		return 0, err
	}

	if off > f.size {
		if err := f.zeroRange(f.size, off); err != nil {
			return 0, err
		}
	}

	n, err = f.transfer(p, off, true)
	if written := off + int64(n); written > f.size {
		f.size = written
	}

	// The FAT has to reach the device before the entry references the new clusters.
	if allocated {
		if flushErr := f.fs.table.Flush(); flushErr != nil && err == nil {
			err = flushErr
		}
	}
	if entryErr := f.flushEntry(); entryErr != nil && err == nil {
		err = entryErr
	}
	return n, err
}

func (f *File) truncate(size int64) (err error) {
	if err := f.entry.checkStale(); err != nil {
		return err
	}
	defer func() { f.fs.record(AuditTruncate, f.path, "", uint64(size), err) }()
	if size > MaxFileSize {
		return syscall.EFBIG
	}

	if size > f.size {
		if _, err := f.ensureClusters(size); err != nil {
			return err
		}
		if err := f.zeroRange(f.size, size); err != nil {
			return err
		}
		f.size = size
		if err := f.fs.table.Flush(); err != nil {
			return err
		}
		return f.flushEntry()
	}

	need := f.clustersFor(size)
	oldFirst := f.firstCluster
	var keepLast uint32
	if need > 0 && need < f.chainLen {
		c, err := f.clusterAt(need - 1)
		if err != nil {
			return err
		}
		keepLast = c
	}

	// The entry is shortened before its clusters are freed.
	f.size = size
	if need == 0 {
		f.firstCluster = 0
	}
	if err := f.flushEntry(); err != nil {
		return err
	}

	if need < f.chainLen {
		var err error
		if need == 0 {
			_, err = f.fs.table.FreeChain(oldFirst)
			f.lastCluster, f.contiguous = 0, true
		} else {
			err = f.fs.table.TruncateAfter(keepLast)
			f.lastCluster = keepLast
		}
		f.chainLen = need
		f.curCluster, f.curIndex = 0, 0
		// Freeing our own clusters advanced the generation.
		f.entry.refresh()
		if err != nil {
			return err
		}
	}
	return f.fs.table.Flush()
}

// checkClosed has to be called with the Fs mutex held.
func (f *File) checkClosed(op string) error {
	if f.closed {
		return pathError(op, f.path, os.ErrClosed)
	}
	return nil
}

// Close flushes everything written through the file and releases its lock.
// Closing a file twice returns os.ErrClosed.
func (f *File) Close() error {
	fs := f.fs
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := f.checkClosed("close"); err != nil {
		return err
	}

	var err error
	if f.entry != nil && f.entry.state == entryDirty {
		err = f.entry.flush()
	}
	if err == nil && f.writable() && !fs.closed {
		err = fs.flush()
	}

	fs.locks.Unlock(f.lockID, f.lockMode)
	delete(fs.open, f)

	f.closed = true
	f.entry = nil
	f.lockID, f.lockMode = lock.ID{}, lock.None
	return err
}

func (f *File) Read(p []byte) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("read"); err != nil {
		return 0, err
	}

	if f.isDirectory {
		return 0, pathError("read", f.path, syscall.EISDIR)
	}
	if f.flag&os.O_WRONLY != 0 {
		return 0, pathError("read", f.path, syscall.EBADF)
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Reading a file if the size has been already reached, makes no sense.
	if f.size <= f.offset {
		return 0, io.EOF
	}

	want := int64(len(p))
	if rest := f.size - f.offset; want > rest {
		want = rest
	}
	n, err = f.transfer(p[:want], f.offset, false)
	f.offset += int64(n)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}
	return n, nil
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("read"); err != nil {
		return 0, err
	}

	if f.isDirectory {
		return 0, pathError("read", f.path, syscall.EISDIR)
	}
	if f.flag&os.O_WRONLY != 0 {
		return 0, pathError("read", f.path, syscall.EBADF)
	}
	if off < 0 {
		return 0, pathError("readat", f.path, syscall.EINVAL)
	}
	if len(p) == 0 {
		return 0, nil
	}

	// Reading over the end makes no sense.
	if f.size <= off {
		return 0, io.EOF
	}

	want := int64(len(p))
	if rest := f.size - off; want > rest {
		want = rest
	}
	n, err = f.transfer(p[:want], off, false)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrReadFile)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Seek jumps to a specific offset in the file. This affects all Read and Write operations except ReadAt and WriteAt.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the offset is out of range. Files
// opened for writing may seek past the end, the gap is filled with zeros by the
// next write.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("seek"); err != nil {
		return 0, err
	}

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = f.size + offset
	default:
		return 0, checkpoint.Wrap(ErrSeekFile, fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence))
	}

	if offset < 0 || (offset > f.size && !f.writable()) {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) Write(p []byte) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("write"); err != nil {
		return 0, err
	}

	if err := f.checkWrite("write"); err != nil {
		return 0, err
	}

	if f.flag&os.O_APPEND != 0 {
		f.offset = f.size
	}
	n, err = f.writeAt(p, f.offset)
	f.offset += int64(n)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrWriteFile)
	}
	return n, nil
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("write"); err != nil {
		return 0, err
	}

	if err := f.checkWrite("writeat"); err != nil {
		return 0, err
	}
	if f.flag&os.O_APPEND != 0 || off < 0 {
		return 0, pathError("writeat", f.path, syscall.EINVAL)
	}

	n, err = f.writeAt(p, off)
	if err != nil {
		return n, checkpoint.Wrap(err, ErrWriteFile)
	}
	return n, nil
}

func (f *File) checkWrite(op string) error {
	if err := f.fs.checkWritable(); err != nil {
		return err
	}
	if f.isDirectory {
		return pathError(op, f.path, syscall.EISDIR)
	}
	if !f.writable() {
		return pathError(op, f.path, syscall.EBADF)
	}
	return nil
}

func (f *File) Name() string {
	return f.name
}

// Readdir reads the contents of a directory.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("readdir"); err != nil {
		return nil, err
	}

	if !f.isDirectory {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}
	if err := f.fs.checkOpen(); err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	content, err := f.fs.listDir(f.dir)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	if f.offset > int64(len(content)) {
		f.offset = int64(len(content))
	}
	content = content[f.offset:]

	if count > 0 {
		if len(content) == 0 {
			return nil, io.EOF
		}
		if len(content) > count {
			content = content[:count]
		}
	}
	f.offset += int64(len(content))

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = f.fs.fileInfo(resolved{parent: f.dir, entry: content[i]})
	}
	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("stat"); err != nil {
		return nil, err
	}

	if f.entry == nil {
		return rootInfo(), nil
	}

	h := f.entry.header
	if !f.isDirectory {
		h.FileSize = uint32(f.size)
	}
	return (&ExtendedEntryHeader{EntryHeader: h, ExtendedName: f.name}).FileInfo(), nil
}

// Sync writes all cached metadata and flushes the device.
func (f *File) Sync() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("sync"); err != nil {
		return err
	}

	if err := f.fs.checkOpen(); err != nil {
		return err
	}
	return f.fs.flush()
}

// Truncate changes the size of the file. Shrinking frees the clusters which
// are not needed anymore, growing fills the new part with zeros.
// The offset is not changed.
func (f *File) Truncate(size int64) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("truncate"); err != nil {
		return err
	}

	if err := f.checkWrite("truncate"); err != nil {
		return err
	}
	if size < 0 {
		return pathError("truncate", f.path, syscall.EINVAL)
	}
	return f.truncate(size)
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}

// Revalidate resolves the file again by its path. It refreshes the position
// of the directory entry and its generation tag, so writes which failed with
// ErrStaleEntry can be retried.
func (f *File) Revalidate() error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("revalidate"); err != nil {
		return err
	}

	if err := f.fs.checkOpen(); err != nil {
		return err
	}
	if f.entry == nil {
		return nil
	}

	r, err := f.fs.resolve(f.path)
	if err != nil {
		return pathError("revalidate", f.path, err)
	}

	if id := f.fs.lockID(r); id != f.lockID && f.lockMode != lock.None {
		if err := f.fs.locks.TryLock(id, f.lockMode); err != nil {
			return err
		}
		f.fs.locks.Unlock(f.lockID, f.lockMode)
		f.lockID = id
	}

	f.entry = f.fs.newEntryHandle(r)
	f.name = r.entry.Name
	return f.load()
}

// Lock changes the lock held on the file. A conflicting lock fails
// immediately with ErrLocked.
func (f *File) Lock(mode LockMode) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	if err := f.checkClosed("lock"); err != nil {
		return err
	}

	if f.entry == nil || f.isDirectory {
		return pathError("lock", f.path, syscall.EISDIR)
	}
	if f.lockMode == lock.None {
		f.lockID = lock.ID{Parent: f.entry.parent, Offset: f.entry.offset}
	}
	if err := f.fs.locks.Convert(f.lockID, f.lockMode, mode); err != nil {
		return err
	}
	f.lockMode = mode
	return nil
}

// Unlock releases the lock held on the file.
func (f *File) Unlock() error {
	return f.Lock(LockNone)
}
