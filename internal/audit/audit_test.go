package audit

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/internal/fserr"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

func newTestLog(level Level, capacity int) *Log {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(level, capacity, l)
}

func entry(op Operation, path string, i int) Entry {
	return Entry{Time: testTime.Add(time.Duration(i) * time.Second), Op: op, Path: path}
}

func TestOperation_RecordedAt(t *testing.T) {
	tests := []struct {
		op   Operation
		want map[Level]bool
	}{
		{op: OpCreate, want: map[Level]bool{LevelMinimal: true, LevelStandard: true, LevelFull: true}},
		{op: OpRmdir, want: map[Level]bool{LevelMinimal: true, LevelStandard: true, LevelFull: true}},
		{op: OpRename, want: map[Level]bool{LevelStandard: true, LevelFull: true}},
		{op: OpTruncate, want: map[Level]bool{LevelStandard: true, LevelFull: true}},
		{op: OpWrite, want: map[Level]bool{LevelFull: true}},
		{op: OpOpen, want: map[Level]bool{LevelFull: true}},
	}
	for _, tt := range tests {
		t.Run(tt.op.String(), func(t *testing.T) {
			for l := LevelNone; l <= LevelFull; l++ {
				assert.Equal(t, tt.want[l], tt.op.RecordedAt(l), "level %v", l)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	for l := LevelNone; l <= LevelFull; l++ {
		got, err := ParseLevel(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, got)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestLog_Record(t *testing.T) {
	l := newTestLog(LevelMinimal, 16)
	assert.True(t, l.Record(entry(OpCreate, "/a.txt", 0)))
	assert.False(t, l.Record(entry(OpWrite, "/a.txt", 1)))
	assert.False(t, l.Record(entry(OpRename, "/a.txt", 2)))
	assert.True(t, l.Record(entry(OpDelete, "/a.txt", 3)))

	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Dirty())
	got := l.Entries()
	assert.Equal(t, OpCreate, got[0].Op)
	assert.Equal(t, OpDelete, got[1].Op)

	l.Clear()
	assert.Zero(t, l.Len())
	assert.Empty(t, l.Entries())
}

func TestLog_Overflow(t *testing.T) {
	l := newTestLog(LevelFull, 16)
	for i := 0; i < 20; i++ {
		l.Record(entry(OpCreate, "/test.txt", i))
	}

	assert.Equal(t, 16, l.Len())
	got := l.Entries()
	require.Len(t, got, 16)
	// The first four were dropped.
	assert.Equal(t, testTime.Add(4*time.Second), got[0].Time)
	assert.Equal(t, testTime.Add(19*time.Second), got[15].Time)
}

func TestEncode(t *testing.T) {
	entries := []Entry{
		entry(OpCreate, "/a.txt", 0),
		{Time: testTime, Op: OpRename, Path: "/a.txt", Target: "/dir/b.txt"},
		{Time: testTime, Op: OpTruncate, Path: "/dir/b.txt", Size: 4096, Failed: true},
	}

	got, err := Decode(Encode(entries, 512))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i := range entries {
		assert.True(t, entries[i].Time.Equal(got[i].Time))
		got[i].Time = entries[i].Time
	}
	assert.Equal(t, entries, got)

	t.Run("too small", func(t *testing.T) {
		// Only the newest entries fit.
		size := headerLen + encodedLen(entries[2]) + encodedLen(entries[1])
		got, err := Decode(Encode(entries, size))
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, OpRename, got[0].Op)
		assert.Equal(t, OpTruncate, got[1].Op)
	})

	t.Run("long path", func(t *testing.T) {
		long := "/" + strings.Repeat("x", 400)
		got, err := Decode(Encode([]Entry{entry(OpCreate, long, 0)}, 512))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, long[:MaxPath], got[0].Path)
	})

	t.Run("never written", func(t *testing.T) {
		got, err := Decode(make([]byte, 512))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("damaged", func(t *testing.T) {
		data := Encode(entries, 512)
		data[headerLen+3] ^= 0xFF
		_, err := Decode(data)
		assert.ErrorIs(t, err, fserr.ErrCorruption)
	})
}

func TestLog_StoreLoad(t *testing.T) {
	dev := blockdev.NewFaulty(blockdev.NewMemory(512, 64))
	region := Region{Start: 8, Sectors: 2}

	l := newTestLog(LevelStandard, 4)
	for i := 0; i < 6; i++ {
		l.Record(entry(OpCreate, "/file.txt", i))
	}
	require.NoError(t, l.Store(dev, region))
	assert.False(t, l.Dirty())

	// Nothing changed, nothing is written.
	writes := dev.Writes
	require.NoError(t, l.Store(dev, region))
	assert.Equal(t, writes, dev.Writes)

	// A smaller ring keeps the newest entries.
	small := newTestLog(LevelStandard, 2)
	require.NoError(t, small.Load(dev, region))
	got := small.Entries()
	require.Len(t, got, 2)
	assert.True(t, testTime.Add(4*time.Second).Equal(got[0].Time))
	assert.True(t, testTime.Add(5*time.Second).Equal(got[1].Time))
	assert.False(t, small.Dirty())

	dev.FailWriteAfter = dev.Writes
	small.Record(entry(OpDelete, "/file.txt", 6))
	assert.ErrorIs(t, small.Store(dev, region), fserr.ErrTransport)
	assert.True(t, small.Dirty())
}
