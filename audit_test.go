package gofat

import (
	"fmt"
	"os"
	"testing"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type auditStep struct {
	Op     AuditOperation
	Path   string
	Target string
	Size   uint64
	Failed bool
}

func auditSteps(entries []AuditEntry) []auditStep {
	var steps []auditStep
	for _, e := range entries {
		steps = append(steps, auditStep{Op: e.Op, Path: e.Path, Target: e.Target, Size: e.Size, Failed: e.Failed})
	}
	return steps
}

func TestFs_Audit(t *testing.T) {
	dev := testingFormat(t, FAT32)
	opts := []Option{WithAudit(AuditStandard, 0), WithAuditRegion(8, 4)}
	fs := testingNew(t, dev, opts...)

	writeTestFile(t, fs, "a.txt", "hello")
	require.NoError(t, fs.Mkdir("dir", 0755))
	require.NoError(t, fs.Rename("a.txt", "dir/b.txt"))
	f := openTestFile(t, fs, "dir/b.txt", os.O_RDWR)
	require.NoError(t, f.Truncate(2))
	require.NoError(t, f.Close())
	require.NoError(t, fs.Remove("dir/b.txt"))
	require.NoError(t, fs.Remove("dir"))

	want := []auditStep{
		{Op: AuditCreate, Path: "a.txt"},
		{Op: AuditMkdir, Path: "dir"},
		{Op: AuditRename, Path: "a.txt", Target: "dir/b.txt"},
		{Op: AuditTruncate, Path: "dir/b.txt", Size: 2},
		{Op: AuditDelete, Path: "dir/b.txt"},
		{Op: AuditRmdir, Path: "dir"},
	}
	assert.Equal(t, want, auditSteps(fs.AuditTrail()))
	require.NoError(t, fs.Close())

	// The trail survives a remount, also a read only one.
	ro := testingNew(t, dev, append(opts, WithReadOnly())...)
	assert.Equal(t, want, auditSteps(ro.AuditTrail()))
	require.NoError(t, ro.Close())

	// Mounting without the trail ignores the region.
	check := testingNew(t, dev)
	_, err := check.Stat("dir")
	assert.ErrorIs(t, err, os.ErrNotExist)
	require.NoError(t, check.Close())
}

func TestFs_AuditFull(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT16), WithAudit(AuditFull, 3))
	writeTestFile(t, fs, "a.txt", "hello")
	require.NoError(t, fs.Chmod("a.txt", 0444))

	// Only the newest three are kept.
	assert.Equal(t, []auditStep{
		{Op: AuditOpen, Path: "a.txt", Size: uint64(os.O_WRONLY | os.O_CREATE | os.O_TRUNC)},
		{Op: AuditWrite, Path: "a.txt", Size: 5},
		{Op: AuditMetadata, Path: "a.txt"},
	}, auditSteps(fs.AuditTrail()))
	require.NoError(t, fs.Close())
}

func TestFs_AuditFailed(t *testing.T) {
	dev := blockdev.NewMemory(512, testSizes[FAT16])
	require.NoError(t, Format(dev, FormatOptions{Type: FAT16, RootEntries: 16, Time: testTime}))
	fs := testingNew(t, dev, WithAudit(AuditMinimal, 0))

	for i := 0; i < 16; i++ {
		writeTestFile(t, fs, fmt.Sprintf("F%d", i), "x")
	}
	_, err := fs.Create("ONEMORE")
	assert.ErrorIs(t, err, ErrOutOfSpace)

	trail := fs.AuditTrail()
	require.Len(t, trail, 17)
	assert.Equal(t, auditStep{Op: AuditCreate, Path: "ONEMORE", Failed: true}, auditSteps(trail)[16])
	require.NoError(t, fs.Close())
}

func TestFs_AuditDisabled(t *testing.T) {
	fs := testingNew(t, testingFormat(t, FAT12))
	writeTestFile(t, fs, "a.txt", "hello")
	assert.Empty(t, fs.AuditTrail())
	require.NoError(t, fs.Close())
}

func TestFs_AuditRegion(t *testing.T) {
	tests := []struct {
		name    string
		typ     FATType
		start   uint64
		sectors uint64
		wantErr bool
	}{
		{name: "free reserved sectors", typ: FAT32, start: 2, sectors: 4},
		{name: "after the backup", typ: FAT32, start: 8, sectors: 24},
		{name: "boot sector", typ: FAT32, start: 0, sectors: 2, wantErr: true},
		{name: "fsinfo", typ: FAT32, start: 1, sectors: 1, wantErr: true},
		{name: "backup fsinfo", typ: FAT32, start: 7, sectors: 2, wantErr: true},
		{name: "into the FAT", typ: FAT32, start: 8, sectors: 25, wantErr: true},
		{name: "no reserved room", typ: FAT16, start: 1, sectors: 1, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs, err := New(testingFormat(t, tt.typ), WithLogger(testLog), WithAudit(AuditMinimal, 0), WithAuditRegion(tt.start, tt.sectors))
			if tt.wantErr {
				assert.ErrorIs(t, err, os.ErrInvalid)
				return
			}
			require.NoError(t, err)
			require.NoError(t, fs.Close())
		})
	}
}
