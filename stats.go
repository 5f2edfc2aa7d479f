package gofat

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// Stats is a snapshot of the usage and the cache counters of a filesystem.
type Stats struct {
	FATCacheHits       uint64
	FATCacheMisses     uint64
	FATCacheWritebacks uint64
	DirCacheHits       uint64
	DirCacheMisses     uint64

	TotalClusters uint32
	FreeClusters  uint32
	// LargestFreeRun is only known if the free cluster bitmap is enabled.
	LargestFreeRun uint32
	ClusterSize    uint32

	Generation uint64
	OpenFiles  int
	LogRecords uint64
}

// FreeBytes returns the free space in bytes.
func (s Stats) FreeBytes() uint64 {
	return uint64(s.FreeClusters) * uint64(s.ClusterSize)
}

// TotalBytes returns the size of the data region in bytes.
func (s Stats) TotalBytes() uint64 {
	return uint64(s.TotalClusters) * uint64(s.ClusterSize)
}

func (s Stats) String() string {
	b := strings.Builder{}
	fmt.Fprintf(&b, "space:      %s free of %s (%s clusters)\n",
		humanize.IBytes(s.FreeBytes()), humanize.IBytes(s.TotalBytes()), humanize.Bytes(uint64(s.ClusterSize)))
	fmt.Fprintf(&b, "clusters:   %s free of %s, largest free run %s\n",
		humanize.Comma(int64(s.FreeClusters)), humanize.Comma(int64(s.TotalClusters)), humanize.Comma(int64(s.LargestFreeRun)))
	fmt.Fprintf(&b, "fat cache:  %d hits, %d misses, %d write-backs\n", s.FATCacheHits, s.FATCacheMisses, s.FATCacheWritebacks)
	fmt.Fprintf(&b, "dir cache:  %d hits, %d misses\n", s.DirCacheHits, s.DirCacheMisses)
	fmt.Fprintf(&b, "generation: %d, open files: %d, log records: %d", s.Generation, s.OpenFiles, s.LogRecords)
	return b.String()
}

// Stats collects the current usage and cache counters.
func (fs *Fs) Stats() (Stats, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.checkOpen(); err != nil {
		return Stats{}, err
	}

	cache := fs.cache.Stats()
	s := Stats{
		FATCacheHits:       cache.Hits,
		FATCacheMisses:     cache.Misses,
		FATCacheWritebacks: cache.Writebacks,
		TotalClusters:      fs.geo.ClusterCount,
		ClusterSize:        fs.geo.ClusterSize(),
		Generation:         fs.gen.Value(),
		OpenFiles:          len(fs.open),
	}
	s.DirCacheHits, s.DirCacheMisses = fs.dirCache.Stats()

	if bitmap := fs.table.Bitmap(); bitmap != nil {
		s.FreeClusters = bitmap.Free()
		s.LargestFreeRun = bitmap.LargestFreeRun()
	} else {
		free, err := fs.table.CountFree()
		if err != nil {
			return Stats{}, err
		}
		s.FreeClusters = free
	}

	if fs.txlog != nil {
		s.LogRecords = fs.txlog.Records()
	}
	return s, nil
}
