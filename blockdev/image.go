package blockdev

import (
	"io"
	"os"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/spf13/afero"
)

// ReadWriterAt is the minimal interface an image backend has to provide.
// afero.File and *os.File both implement it.
type ReadWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// Image is a Device backed by a file like object, for example a disk image.
// The volume may start at a byte offset inside of the image, e.g. when it is
// a partition of a bigger disk image.
type Image struct {
	backend    ReadWriterAt
	baseOffset int64
	sectorSize int
	sectors    uint64
	readOnly   bool
}

// NewImage creates a Device for a volume of the given amount of sectors which
// starts at baseOffset bytes inside of backend.
func NewImage(backend ReadWriterAt, baseOffset int64, sectorSize int, sectors uint64) *Image {
	return &Image{
		backend:    backend,
		baseOffset: baseOffset,
		sectorSize: sectorSize,
		sectors:    sectors,
	}
}

// OpenImage opens the image file at path inside of afs.
// The whole file is used as volume.
// If the file cannot be opened for writing it gets opened read only and all
// writes fail with ErrTransport.
func OpenImage(afs afero.Fs, path string, sectorSize int) (*Image, error) {
	readOnly := false
	file, err := afs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		file, err = afs.Open(path)
		if err != nil {
			return nil, checkpoint.Wrap(err, fserr.ErrTransport)
		}
		readOnly = true
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, checkpoint.Wrap(err, fserr.ErrTransport)
	}

	img := NewImage(file, 0, sectorSize, uint64(stat.Size())/uint64(sectorSize))
	img.readOnly = readOnly
	return img, nil
}

func (i *Image) SectorSize() int {
	return i.sectorSize
}

func (i *Image) TotalSectors() uint64 {
	return i.sectors
}

func (i *Image) offset(sector uint64) int64 {
	return i.baseOffset + int64(sector)*int64(i.sectorSize)
}

func (i *Image) ReadSectors(sector uint64, buf []byte) error {
	if err := checkRange(i.sectorSize, i.sectors, sector, buf); err != nil {
		return err
	}

	n, err := i.backend.ReadAt(buf, i.offset(sector))
	if err == io.EOF && n == len(buf) {
		err = nil
	}
	if err != nil {
		return checkpoint.Wrapf(err, fserr.ErrTransport, "read of sector %d", sector)
	}
	return nil
}

func (i *Image) WriteSectors(sector uint64, buf []byte) error {
	if i.readOnly {
		return checkpoint.New(fserr.ErrTransport, "image is opened read only")
	}
	if err := checkRange(i.sectorSize, i.sectors, sector, buf); err != nil {
		return err
	}

	if _, err := i.backend.WriteAt(buf, i.offset(sector)); err != nil {
		return checkpoint.Wrapf(err, fserr.ErrTransport, "write of sector %d", sector)
	}
	return nil
}

// Flush syncs the backend if it supports it.
func (i *Image) Flush() error {
	if i.readOnly {
		return nil
	}
	if s, ok := i.backend.(syncer); ok {
		return checkpoint.Wrap(s.Sync(), fserr.ErrTransport)
	}
	return nil
}

// Close closes the backend if it is closable.
func (i *Image) Close() error {
	if c, ok := i.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
