package gofat

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/blockdev/mock_blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/golang/mock/gomock"
	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var testLog = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

var testTime = time.Date(2021, 5, 17, 10, 30, 20, 0, time.UTC)

var testClock = ClockFunc(func() time.Time { return testTime })

var testSizes = map[FATType]uint64{
	FAT12: 8192,
	FAT16: 16384,
	FAT32: 36 * 2048,
}

func allTypes() []FATType {
	return []FATType{FAT12, FAT16, FAT32}
}

// testingFormat creates an empty volume of the given type in memory.
func testingFormat(t *testing.T, typ FATType) *blockdev.Memory {
	t.Helper()

	dev := blockdev.NewMemory(512, testSizes[typ])
	require.NoError(t, Format(dev, FormatOptions{
		Type:     typ,
		Label:    "GOFAT TEST",
		VolumeID: 0x12345678,
		Time:     testTime,
	}))
	return dev
}

func testingNew(t *testing.T, dev blockdev.Device, opts ...Option) *Fs {
	t.Helper()

	fs, err := New(dev, append([]Option{WithLogger(testLog), WithClock(testClock)}, opts...)...)
	require.NoError(t, err)
	return fs
}

func writeTestFile(t *testing.T, fs afero.Fs, name, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(fs, name, []byte(content), 0666))
}

func readTestFile(t *testing.T, fs afero.Fs, name string) string {
	t.Helper()
	data, err := afero.ReadFile(fs, name)
	require.NoError(t, err)
	return string(data)
}

func TestNew(t *testing.T) {
	noFAT := blockdev.NewMemory(512, 64)
	require.NoError(t, noFAT.WriteSectors(0, append([]byte("This is no FAT file"), make([]byte, 512-19)...)))

	tests := []struct {
		name      string
		dev       blockdev.Device
		wantType  FATType
		wantLabel string
		wantErr   error
	}{
		{name: "FAT12", dev: testingFormat(t, FAT12), wantType: FAT12, wantLabel: "GOFAT TEST"},
		{name: "FAT16", dev: testingFormat(t, FAT16), wantType: FAT16, wantLabel: "GOFAT TEST"},
		{name: "FAT32", dev: testingFormat(t, FAT32), wantType: FAT32, wantLabel: "GOFAT TEST"},
		{name: "no FAT", dev: noFAT, wantErr: ErrFormatInvalid},
		{name: "empty device", dev: blockdev.NewMemory(512, 64), wantErr: ErrFormatInvalid},
		{name: "different sector size", dev: blockdev.NewMemoryFrom(1024, testingFormat(t, FAT16).Bytes()), wantErr: ErrFormatInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := New(tt.dev, WithLogger(testLog))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, fs)
				return
			}
			require.NoError(t, err)

			assert.Equal(t, tt.wantType, fs.FSType())
			assert.Equal(t, tt.wantLabel, fs.Label())
			assert.Equal(t, "gofat", fs.Name())
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_MultipleFiles(t *testing.T) {
	files := map[string]string{
		"first.txt":  "First file content",
		"second.txt": "Second file content",
		"third.txt":  "Third file content",
	}

	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ))

			for name, content := range files {
				writeTestFile(t, fs, name, content)
			}
			for name, content := range files {
				assert.Equal(t, content, readTestFile(t, fs, name))
			}
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_Remount(t *testing.T) {
	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			dev := testingFormat(t, typ)
			big := bytes.Repeat([]byte("0123456789abcdef"), 4096)

			fs := testingNew(t, dev)
			require.NoError(t, fs.MkdirAll("a/b/c", 0755))
			writeTestFile(t, fs, "a/b/c/small.txt", "Hello World")
			require.NoError(t, afero.WriteFile(fs, "a/big.bin", big, 0666))
			require.NoError(t, fs.Close())

			fs = testingNew(t, dev, WithReadOnly())
			assert.Equal(t, "Hello World", readTestFile(t, fs, "a/b/c/small.txt"))
			assert.Equal(t, string(big), readTestFile(t, fs, "/a/big.bin"))

			info, err := fs.Stat("a/b")
			require.NoError(t, err)
			assert.True(t, info.IsDir())
			assert.Equal(t, "b", info.Name())
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_LongNames(t *testing.T) {
	names := []string{
		"HelloWorldThisIsALoongFileName.txt",
		"lower.txt",
		"MixedCase.Txt",
		"two dots.tar.gz",
		"über.txt",
		"README.md",
	}

	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			dev := testingFormat(t, typ)
			fs := testingNew(t, dev)
			require.NoError(t, fs.Mkdir("dir", 0755))
			for _, name := range names {
				writeTestFile(t, fs, "dir/"+name, name)
			}
			require.NoError(t, fs.Close())

			fs = testingNew(t, dev)
			dir, err := fs.Open("dir")
			require.NoError(t, err)
			got, err := dir.Readdirnames(-1)
			require.NoError(t, err)
			require.NoError(t, dir.Close())

			want := append([]string{}, names...)
			sort.Strings(want)
			sort.Strings(got)
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Readdirnames() mismatch (-want +got):\n%s", diff)
			}

			for _, name := range names {
				assert.Equal(t, name, readTestFile(t, fs, "dir/"+name))
			}

			// Lookups ignore the case.
			assert.Equal(t, "lower.txt", readTestFile(t, fs, "DIR/LOWER.TXT"))

			_, err = fs.Create("dir/" + string(make([]byte, 300)))
			assert.Error(t, err)
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_Mkdir(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT16))

	require.NoError(t, fs.Mkdir("dir", 0755))
	assert.ErrorIs(t, fs.Mkdir("dir", 0755), os.ErrExist)
	assert.ErrorIs(t, fs.Mkdir("missing/dir", 0755), os.ErrNotExist)

	writeTestFile(t, fs, "file", "content")
	assert.ErrorIs(t, fs.Mkdir("file/dir", 0755), syscall.ENOTDIR)
	assert.ErrorIs(t, fs.MkdirAll("file/dir", 0755), syscall.ENOTDIR)

	require.NoError(t, fs.MkdirAll("dir/a/b", 0755))
	require.NoError(t, fs.MkdirAll("dir/a/b", 0755))

	// New directories are empty apart from the hidden dot entries.
	d, err := fs.Open("dir/a/b")
	require.NoError(t, err)
	infos, err := d.Readdir(-1)
	require.NoError(t, err)
	assert.Empty(t, infos)
	require.NoError(t, d.Close())

	r, err := fs.resolve("dir/a/b")
	require.NoError(t, err)
	parent, err := fs.resolve("dir/a")
	require.NoError(t, err)
	up, err := fs.dotDot(r.dir(fs))
	require.NoError(t, err)
	assert.Equal(t, parent.dir(fs), up)

	require.NoError(t, fs.Close())
}

func TestFs_GrowDirectory(t *testing.T) {
	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ))
			require.NoError(t, fs.Mkdir("many", 0755))

			// Long names use several records each, so this needs several clusters.
			for i := 0; i < 100; i++ {
				writeTestFile(t, fs, fmt.Sprintf("many/a rather long file name %03d.txt", i), fmt.Sprint(i))
			}
			for i := 0; i < 100; i++ {
				assert.Equal(t, fmt.Sprint(i), readTestFile(t, fs, fmt.Sprintf("many/a rather long file name %03d.txt", i)))
			}

			d, err := fs.Open("many")
			require.NoError(t, err)
			names, err := d.Readdirnames(-1)
			require.NoError(t, err)
			assert.Len(t, names, 100)
			require.NoError(t, d.Close())
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_FixedRootFull(t *testing.T) {
	dev := blockdev.NewMemory(512, testSizes[FAT16])
	require.NoError(t, Format(dev, FormatOptions{Type: FAT16, RootEntries: 16, Time: testTime}))
	fs := testingNew(t, dev)

	for i := 0; i < 16; i++ {
		writeTestFile(t, fs, fmt.Sprintf("F%d", i), "x")
	}
	_, err := fs.Create("ONEMORE")
	assert.ErrorIs(t, err, ErrOutOfSpace)

	// A failed mkdir gives its cluster back without making open files stale.
	f := openTestFile(t, fs, "F0", os.O_RDWR)
	before, err := fs.Stats()
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Mkdir("DIR", 0755), ErrOutOfSpace)
	after, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.FreeClusters, after.FreeClusters)
	assert.Equal(t, before.Generation, after.Generation)

	_, err = f.Write([]byte("y"))
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "y", readTestFile(t, fs, "F0"))
	require.NoError(t, fs.Close())
}

func TestFs_InsertBehindGarbage(t *testing.T) {
	dev := testingFormat(t, FAT12)
	fs := testingNew(t, dev)
	writeTestFile(t, fs, "a.txt", "a")
	root := uint64(fs.Geometry().RootDirStart)
	require.NoError(t, fs.Close())

	// Leave a record behind the end marker, as some tools do.
	sector := make([]byte, 512)
	require.NoError(t, dev.ReadSectors(root, sector))
	end := 0
	for sector[end] != direntry.MarkerEnd {
		end += direntry.Size
	}
	copy(sector[end+direntry.Size:], direntry.EntryHeader{Name: [11]byte{'G', 'H', 'O', 'S', 'T', ' ', ' ', ' ', 'T', 'X', 'T'}}.Encode())
	require.NoError(t, dev.WriteSectors(root, sector))

	fs = testingNew(t, dev)
	writeTestFile(t, fs, "b.txt", "b")

	d, err := fs.Open("/")
	require.NoError(t, err)
	names, err := d.Readdirnames(-1)
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.Equal(t, []string{"a.txt", "b.txt"}, names)
	require.NoError(t, fs.Close())
}

func TestFs_Remove(t *testing.T) {
	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ))

			before, err := fs.Stats()
			require.NoError(t, err)

			require.NoError(t, fs.MkdirAll("dir/sub", 0755))
			writeTestFile(t, fs, "dir/sub/file.txt", string(make([]byte, 10000)))

			assert.ErrorIs(t, fs.Remove("dir"), syscall.ENOTEMPTY)
			assert.ErrorIs(t, fs.Remove("missing"), os.ErrNotExist)
			assert.ErrorIs(t, fs.Remove("/"), syscall.EINVAL)

			require.NoError(t, fs.Remove("dir/sub/file.txt"))
			_, err = fs.Stat("dir/sub/file.txt")
			assert.ErrorIs(t, err, os.ErrNotExist)

			writeTestFile(t, fs, "dir/sub/again.txt", "again")
			require.NoError(t, fs.RemoveAll("dir"))
			require.NoError(t, fs.RemoveAll("dir"))
			_, err = fs.Stat("dir")
			assert.ErrorIs(t, err, os.ErrNotExist)

			after, err := fs.Stats()
			require.NoError(t, err)
			assert.Equal(t, before.FreeClusters, after.FreeClusters)
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_Rename(t *testing.T) {
	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ))
			require.NoError(t, fs.MkdirAll("a/sub", 0755))
			require.NoError(t, fs.Mkdir("b", 0755))
			writeTestFile(t, fs, "a/sub/file.txt", "content")
			writeTestFile(t, fs, "other.txt", "other")

			// Changing only the case keeps the entry.
			require.NoError(t, fs.Rename("other.txt", "OTHER.txt"))
			info, err := fs.Stat("other.txt")
			require.NoError(t, err)
			assert.Equal(t, "OTHER.txt", info.Name())

			assert.ErrorIs(t, fs.Rename("a/sub/file.txt", "OTHER.txt"), os.ErrExist)
			assert.ErrorIs(t, fs.Rename("a", "a/sub/a"), syscall.EINVAL)
			assert.ErrorIs(t, fs.Rename("missing", "x"), os.ErrNotExist)

			require.NoError(t, fs.Rename("a/sub/file.txt", "b/moved with a long name.txt"))
			_, err = fs.Stat("a/sub/file.txt")
			assert.ErrorIs(t, err, os.ErrNotExist)
			assert.Equal(t, "content", readTestFile(t, fs, "b/moved with a long name.txt"))

			require.NoError(t, fs.Rename("a/sub", "b/sub"))
			moved, err := fs.resolve("b/sub")
			require.NoError(t, err)
			parent, err := fs.resolve("b")
			require.NoError(t, err)
			up, err := fs.dotDot(moved.dir(fs))
			require.NoError(t, err)
			assert.Equal(t, parent.dir(fs), up)

			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_Chmod(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT32))
	writeTestFile(t, fs, "file.txt", "content")

	require.NoError(t, fs.Chmod("file.txt", 0444))
	info, err := fs.Stat("file.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0444), info.Mode())

	_, err = fs.OpenFile("file.txt", os.O_RDWR, 0)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.ErrorIs(t, fs.Remove("file.txt"), os.ErrPermission)
	assert.Equal(t, "content", readTestFile(t, fs, "file.txt"))

	require.NoError(t, fs.Chmod("file.txt", 0644))
	info, err = fs.Stat("file.txt")
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0666), info.Mode())
	require.NoError(t, fs.Remove("file.txt"))

	assert.NoError(t, fs.Chown("/", 1, 1))
	assert.ErrorIs(t, fs.Chown("missing", 1, 1), os.ErrNotExist)
	require.NoError(t, fs.Close())
}

func TestFs_Chtimes(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT16))
	writeTestFile(t, fs, "file.txt", "content")

	info, err := fs.Stat("file.txt")
	require.NoError(t, err)
	assert.Equal(t, testTime, info.ModTime())

	mtime := time.Date(2000, 2, 29, 23, 59, 58, 0, time.UTC)
	require.NoError(t, fs.Chtimes("file.txt", mtime, mtime))
	info, err = fs.Stat("file.txt")
	require.NoError(t, err)
	assert.Equal(t, mtime, info.ModTime())
	require.NoError(t, fs.Close())
}

func TestFs_ReadOnly(t *testing.T) {
	dev := testingFormat(t, FAT12)
	fs := testingNew(t, dev)
	writeTestFile(t, fs, "file.txt", "content")
	require.NoError(t, fs.Close())

	image := append([]byte{}, dev.Bytes()...)
	fs = testingNew(t, dev, WithReadOnly())

	_, err := fs.Create("new.txt")
	assert.ErrorIs(t, err, ErrReadOnly)
	_, err = fs.OpenFile("file.txt", os.O_WRONLY, 0)
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, fs.Mkdir("dir", 0755), ErrReadOnly)
	assert.ErrorIs(t, fs.Remove("file.txt"), ErrReadOnly)
	assert.ErrorIs(t, fs.Rename("file.txt", "x"), ErrReadOnly)
	assert.ErrorIs(t, fs.Chmod("file.txt", 0444), ErrReadOnly)
	assert.Equal(t, "content", readTestFile(t, fs, "file.txt"))
	require.NoError(t, fs.Close())

	assert.True(t, bytes.Equal(image, dev.Bytes()), "a read only mount changed the device")
}

func TestFs_Close(t *testing.T) {
	dev := testingFormat(t, FAT32)
	fs := testingNew(t, dev)

	f, err := fs.Create("file.txt")
	require.NoError(t, err)
	assert.ErrorIs(t, fs.Close(), ErrHandleLeaked)

	// The filesystem is still usable.
	_, err = f.WriteString("content")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.ErrorIs(t, f.Close(), os.ErrClosed)

	require.NoError(t, fs.Close())
	assert.ErrorIs(t, fs.Close(), ErrClosed)
	_, err = fs.Stat("file.txt")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = fs.Open("file.txt")
	assert.ErrorIs(t, err, ErrClosed)

	check := testingNew(t, dev, WithReadOnly())
	clean, _, err := check.table.VolumeState()
	require.NoError(t, err)
	assert.True(t, clean)
	assert.Equal(t, "content", readTestFile(t, check, "file.txt"))
	require.NoError(t, check.Close())
}

func TestFs_CloseRetry(t *testing.T) {
	mem := testingFormat(t, FAT32)
	dev := blockdev.NewFaulty(mem)
	fs := testingNew(t, dev)
	writeTestFile(t, fs, "file.txt", "content")

	dev.FailWriteAfter = dev.Writes
	assert.ErrorIs(t, fs.Close(), ErrTransport)
	dev.Reset()

	// Still mounted after the failure.
	assert.Equal(t, "content", readTestFile(t, fs, "file.txt"))
	require.NoError(t, fs.Close())
	assert.ErrorIs(t, fs.Close(), ErrClosed)

	check := testingNew(t, mem, WithReadOnly())
	clean, _, err := check.table.VolumeState()
	require.NoError(t, err)
	assert.True(t, clean)
	require.NoError(t, check.Close())
}

func TestFs_DirtyAfterCrash(t *testing.T) {
	dev := testingFormat(t, FAT16)
	fs := testingNew(t, dev)
	writeTestFile(t, fs, "file.txt", "content")
	// No Close, the volume stays marked as in use.

	check := testingNew(t, dev.Clone(), WithReadOnly())
	clean, _, err := check.table.VolumeState()
	require.NoError(t, err)
	assert.False(t, clean)
	assert.Equal(t, "content", readTestFile(t, check, "file.txt"))
	require.NoError(t, check.Close())
	require.NoError(t, fs.Close())
}

func TestFs_StaleEntry(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT16))
	writeTestFile(t, fs, "a.txt", "will be removed")
	writeTestFile(t, fs, "b.txt", "stays")

	f, err := fs.OpenFile("b.txt", os.O_RDWR, 0)
	require.NoError(t, err)
	file := f.(*File)

	require.NoError(t, fs.Remove("a.txt"))

	_, err = file.Write([]byte("new"))
	assert.ErrorIs(t, err, ErrStaleEntry)
	assert.ErrorIs(t, file.Truncate(0), ErrStaleEntry)

	// Reading does not need the entry.
	buf := make([]byte, 5)
	_, err = file.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "stays", string(buf))

	require.NoError(t, file.Revalidate())
	_, err = file.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, file.Close())

	assert.Equal(t, "newys", readTestFile(t, fs, "b.txt"))
	require.NoError(t, fs.Close())
}

func TestFs_StaleEntryWithoutFree(t *testing.T) {
	listRoot := func(t *testing.T, fs *Fs) []string {
		t.Helper()
		entries, err := fs.listDir(fs.rootDir())
		require.NoError(t, err)
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name
		}
		return names
	}

	for _, typ := range allTypes() {
		t.Run(typ.String()+" removed", func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ), WithLocking(false))
			f := openTestFile(t, fs, "a.txt", os.O_RDWR|os.O_CREATE)

			// a.txt has no clusters, so nothing advances the generation.
			require.NoError(t, fs.Remove("a.txt"))
			writeTestFile(t, fs, "c.txt", "sibling")
			before, err := fs.Stats()
			require.NoError(t, err)

			_, err = f.Write([]byte("overwrite"))
			assert.ErrorIs(t, err, ErrStaleEntry)

			after, err := fs.Stats()
			require.NoError(t, err)
			assert.Equal(t, before.FreeClusters, after.FreeClusters)
			assert.Equal(t, []string{"c.txt"}, listRoot(t, fs))
			assert.Equal(t, "sibling", readTestFile(t, fs, "c.txt"))

			_, err = f.Stat()
			require.NoError(t, err)
			assert.ErrorIs(t, f.Revalidate(), os.ErrNotExist)
			require.NoError(t, f.Close())
			require.NoError(t, fs.Close())
		})

		t.Run(typ.String()+" renamed", func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ), WithLocking(false))
			writeTestFile(t, fs, "a.txt", "hello")
			f := openTestFile(t, fs, "a.txt", os.O_RDWR)

			require.NoError(t, fs.Rename("a.txt", "b.txt"))
			_, err := f.Write([]byte("hello world"))
			assert.ErrorIs(t, err, ErrStaleEntry)
			assert.ErrorIs(t, f.Truncate(0), ErrStaleEntry)

			assert.Equal(t, []string{"b.txt"}, listRoot(t, fs))
			assert.Equal(t, "hello", readTestFile(t, fs, "b.txt"))
			require.NoError(t, f.Close())

			// The new name can be written normally.
			g := openTestFile(t, fs, "b.txt", os.O_RDWR)
			_, err = g.Write([]byte("HELLO"))
			require.NoError(t, err)
			require.NoError(t, g.Close())
			assert.Equal(t, "HELLO", readTestFile(t, fs, "b.txt"))
			require.NoError(t, fs.Close())
		})
	}
}

func TestFs_UnflushedEntry(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT12))
	writeTestFile(t, fs, "a.txt", "a")
	writeTestFile(t, fs, "b.txt", "b")

	ra, err := fs.resolve("a.txt")
	require.NoError(t, err)
	rb, err := fs.resolve("b.txt")
	require.NoError(t, err)

	a := fs.newEntryHandle(ra)
	b := fs.newEntryHandle(rb)

	require.NoError(t, a.begin())
	assert.Equal(t, entryDirty, a.state)
	assert.ErrorIs(t, b.update(func(h *direntry.EntryHeader) {}), ErrUnflushedEntry)

	require.NoError(t, a.flush())
	assert.Equal(t, entryClean, a.state)
	assert.NoError(t, b.update(func(h *direntry.EntryHeader) { h.FileSize = 1 }))
	require.NoError(t, fs.Close())
}

func TestFs_TransactionLog(t *testing.T) {
	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			mem := testingFormat(t, typ)
			dev := blockdev.NewFaulty(mem)

			fs := testingNew(t, dev, WithTransactionLog(true))
			require.NotNil(t, fs.txlog)
			writeTestFile(t, fs, "file.txt", "content")

			// The log file is not listed.
			root, err := fs.Open("/")
			require.NoError(t, err)
			names, err := root.Readdirnames(-1)
			require.NoError(t, err)
			assert.Equal(t, []string{"file.txt"}, names)
			require.NoError(t, root.Close())

			// Append and commit reach the device, the directory sector does not.
			dev.Reset()
			dev.FailWriteAfter = 2
			assert.ErrorIs(t, fs.Chmod("file.txt", 0444), ErrTransport)
			dev.Reset()

			// Without the log the change is lost.
			plain := testingNew(t, mem.Clone(), WithReadOnly())
			info, err := plain.Stat("file.txt")
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0666), info.Mode())
			require.NoError(t, plain.Close())

			replayed := testingNew(t, mem, WithTransactionLog(true))
			info, err = replayed.Stat("file.txt")
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0444), info.Mode())
			assert.Equal(t, "content", readTestFile(t, replayed, "file.txt"))
			require.NoError(t, replayed.Close())

			// A second mount reuses the existing log.
			again := testingNew(t, mem, WithTransactionLog(true))
			entries, err := again.listDir(again.rootDir())
			require.NoError(t, err)
			assert.Len(t, entries, 1)
			require.NoError(t, again.Close())
		})
	}
}

func TestFs_CacheDisabledIsTransparent(t *testing.T) {
	workload := func(t *testing.T, opts ...Option) []byte {
		dev := testingFormat(t, FAT16)
		fs := testingNew(t, dev, opts...)

		require.NoError(t, fs.MkdirAll("dir/sub", 0755))
		for i := 0; i < 20; i++ {
			writeTestFile(t, fs, fmt.Sprintf("dir/file%d.txt", i), string(bytes.Repeat([]byte{byte(i)}, 700*i)))
		}
		for i := 0; i < 20; i += 3 {
			require.NoError(t, fs.Remove(fmt.Sprintf("dir/file%d.txt", i)))
		}
		writeTestFile(t, fs, "dir/sub/late.txt", string(make([]byte, 5000)))
		require.NoError(t, fs.Close())
		return dev.Bytes()
	}

	cached := workload(t)
	uncached := workload(t, WithFATCacheSectors(0))
	small := workload(t, WithFATCacheSectors(1), WithDirCacheEntries(0))

	assert.True(t, bytes.Equal(cached, uncached), "disabling the FAT cache changed the result")
	assert.True(t, bytes.Equal(cached, small), "a tiny cache changed the result")
}

func TestFs_WithoutBitmap(t *testing.T) {
	for _, typ := range allTypes() {
		t.Run(typ.String(), func(t *testing.T) {
			fs := testingNew(t, testingFormat(t, typ), WithFreeBitmap(false))
			writeTestFile(t, fs, "a.txt", string(make([]byte, 4000)))
			writeTestFile(t, fs, "b.txt", "b")
			require.NoError(t, fs.Remove("a.txt"))
			writeTestFile(t, fs, "c.txt", "c")

			stats, err := fs.Stats()
			require.NoError(t, err)
			assert.Zero(t, stats.LargestFreeRun)
			assert.Equal(t, stats.TotalClusters-uint32(boolInt(typ == FAT32))-2, stats.FreeClusters)
			assert.Equal(t, "b", readTestFile(t, fs, "b.txt"))
			require.NoError(t, fs.Close())
		})
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func TestFs_OutOfSpace(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT12))
	before, err := fs.Stats()
	require.NoError(t, err)

	f, err := fs.Create("huge.bin")
	require.NoError(t, err)
	_, err = f.Write(make([]byte, before.FreeBytes()+1))
	assert.ErrorIs(t, err, ErrOutOfSpace)

	info, err := f.Stat()
	require.NoError(t, err)
	assert.Zero(t, info.Size())
	require.NoError(t, f.Close())

	after, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.FreeClusters, after.FreeClusters)

	// Exactly the free space fits.
	require.NoError(t, afero.WriteFile(fs, "huge.bin", make([]byte, before.FreeBytes()), 0666))
	after, err = fs.Stats()
	require.NoError(t, err)
	assert.Zero(t, after.FreeClusters)
	require.NoError(t, fs.Close())
}

func TestFs_Stats(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT32))
	before, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint32(512), before.ClusterSize)
	assert.Equal(t, before.TotalClusters-1, before.FreeClusters)

	writeTestFile(t, fs, "file.bin", string(make([]byte, 10*512)))
	after, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.FreeClusters-10, after.FreeClusters)
	assert.Zero(t, after.OpenFiles)
	assert.NotZero(t, after.FATCacheHits+after.FATCacheMisses)
	assert.Contains(t, after.String(), "free of")

	require.NoError(t, fs.Remove("file.bin"))
	removed, err := fs.Stats()
	require.NoError(t, err)
	assert.Equal(t, after.Generation+1, removed.Generation)
	require.NoError(t, fs.Close())
}

func TestFs_TransportErrors(t *testing.T) {
	cableUnplugged := checkpoint.New(ErrTransport, "cable unplugged")

	t.Run("boot sector", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		dev := mock_blockdev.NewMockDevice(ctrl)
		dev.EXPECT().SectorSize().Return(512).AnyTimes()
		dev.EXPECT().TotalSectors().Return(uint64(16384)).AnyTimes()
		dev.EXPECT().ReadSectors(uint64(0), gomock.Any()).Return(cableUnplugged)

		_, err := New(dev, WithLogger(testLog))
		assert.ErrorIs(t, err, ErrTransport)
	})

	t.Run("writes fail", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mem := testingFormat(t, FAT16)
		image := append([]byte{}, mem.Bytes()...)

		dev := mock_blockdev.NewMockDevice(ctrl)
		dev.EXPECT().SectorSize().Return(512).AnyTimes()
		dev.EXPECT().TotalSectors().Return(mem.TotalSectors()).AnyTimes()
		dev.EXPECT().ReadSectors(gomock.Any(), gomock.Any()).DoAndReturn(mem.ReadSectors).AnyTimes()
		dev.EXPECT().WriteSectors(gomock.Any(), gomock.Any()).Return(cableUnplugged).MinTimes(1)
		dev.EXPECT().Flush().Return(nil).AnyTimes()

		_, err := New(dev, WithLogger(testLog))
		assert.ErrorIs(t, err, ErrTransport)
		assert.True(t, bytes.Equal(image, mem.Bytes()))
	})

	t.Run("read only mount never writes", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		mem := testingFormat(t, FAT12)
		dev := mock_blockdev.NewMockDevice(ctrl)
		dev.EXPECT().SectorSize().Return(512).AnyTimes()
		dev.EXPECT().TotalSectors().Return(mem.TotalSectors()).AnyTimes()
		dev.EXPECT().ReadSectors(gomock.Any(), gomock.Any()).DoAndReturn(mem.ReadSectors).AnyTimes()

		fs, err := New(dev, WithLogger(testLog), WithReadOnly())
		require.NoError(t, err)
		_, err = fs.Stat("/")
		require.NoError(t, err)
		require.NoError(t, fs.Close())
	})

	t.Run("data read fails", func(t *testing.T) {
		mem := testingFormat(t, FAT16)
		fs := testingNew(t, mem)
		writeTestFile(t, fs, "file.txt", "content")
		require.NoError(t, fs.Close())

		faulty := blockdev.NewFaulty(mem)
		fs = testingNew(t, faulty, WithReadOnly())
		f, err := fs.Open("file.txt")
		require.NoError(t, err)

		faulty.FailReadAfter = faulty.Reads
		_, err = f.Read(make([]byte, 7))
		assert.ErrorIs(t, err, ErrTransport)
		assert.ErrorIs(t, err, ErrReadFile)
		faulty.Reset()

		require.NoError(t, f.Close())
		require.NoError(t, fs.Close())
	})
}

func TestFs_Concurrent(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT32))
	require.NoError(t, fs.Mkdir("shared", 0755))

	g := errgroup.Group{}
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			content := bytes.Repeat([]byte{byte('a' + i)}, 1000+i*700)
			// Nothing is freed, so no handle of another worker gets stale.
			for round := 0; round < 5; round++ {
				name := fmt.Sprintf("shared/worker %d round %d.txt", i, round)
				if err := afero.WriteFile(fs, name, content, 0666); err != nil {
					return err
				}
				got, err := afero.ReadFile(fs, name)
				if err != nil {
					return err
				}
				if !bytes.Equal(got, content) {
					return errors.New(name + " has unexpected content")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	d, err := fs.Open("shared")
	require.NoError(t, err)
	names, err := d.Readdirnames(-1)
	require.NoError(t, err)
	assert.Len(t, names, 40)
	require.NoError(t, d.Close())
	require.NoError(t, fs.Close())
}
