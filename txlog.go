package gofat

import (
	"errors"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/aligator/gofat/v2/internal/fat"
	"github.com/aligator/gofat/v2/internal/txlog"
)

// logFileName is the root directory entry which reserves the clusters of the
// transaction log. It is hidden, system and read only so that other
// implementations leave it alone.
const logFileName = "FATTXLOG.SYS"

const logFileAttr = direntry.AttrHidden | direntry.AttrSystem | direntry.AttrReadOnly

func (fs *Fs) isLogEntry(e direntry.Entry) bool {
	return e.Attribute&logFileAttr == logFileAttr && e.ShortName == logFileName
}

// findLogEntry searches the log file in the root directory.
func (fs *Fs) findLogEntry() (direntry.Entry, bool, error) {
	d, err := fs.readDir(fs.rootDir())
	if err != nil {
		return direntry.Entry{}, false, err
	}

	for _, e := range direntry.Scan(d.data, 0, fs.opts.encoder) {
		if fs.isLogEntry(e) {
			return e, true, nil
		}
	}
	return direntry.Entry{}, false, nil
}

// logRegion returns the sectors reserved by the log file.
func (fs *Fs) logRegion(e direntry.Entry) (start, sectors uint64, err error) {
	chain, err := fs.table.Chain(e.Cluster())
	if err != nil {
		return 0, 0, err
	}
	if !fat.IsContiguous(chain) {
		return 0, 0, checkpoint.New(ErrCorruption, "transaction log is fragmented")
	}
	return fs.geo.ClusterToSector(chain[0]), uint64(len(chain)) * uint64(fs.geo.SectorsPerCluster), nil
}

// openLog opens and replays an existing transaction log. Afterwards all
// metadata writes go through the log.
func (fs *Fs) openLog() error {
	e, ok, err := fs.findLogEntry()
	if err != nil || !ok {
		return err
	}

	start, sectors, err := fs.logRegion(e)
	if err != nil {
		return err
	}

	l, err := txlog.Open(fs.dev, start, sectors, fs.log)
	if err != nil {
		return err
	}

	applied, discarded, err := l.Replay()
	if err != nil {
		if !errors.Is(err, ErrCorruption) && !errors.Is(err, ErrTransport) {
			err = checkpoint.Wrap(err, ErrCorruption)
		}
		return err
	}
	if applied > 0 {
		// The replay may have changed FAT sectors and directories behind the caches.
		fs.cache.Purge()
		fs.dirCache.Purge()
	}
	fs.log.Debugf("transaction log replayed, %d applied, %d discarded", applied, discarded)

	fs.useLog(l)
	return nil
}

// createLog reserves a contiguous region for a new log, stores the log file
// entry and formats the region.
func (fs *Fs) createLog() error {
	clusterSectors := uint64(fs.geo.SectorsPerCluster)
	clusters := (txlog.Sectors(fs.opts.txLogSlots) + clusterSectors - 1) / clusterSectors

	chain, err := fs.table.AllocateContiguous(uint32(clusters))
	if err != nil {
		return err
	}

	h := fs.newHeader(logFileAttr, 0)
	h.SetCluster(chain[0])
	h.FileSize = uint32(clusters * uint64(fs.geo.ClusterSize()))
	if _, err := fs.insertEntry(fs.rootDir(), logFileName, h, nil); err != nil {
		if releaseErr := fs.table.Release(chain); releaseErr != nil {
			fs.log.WithError(releaseErr).Warn("could not free the clusters of the transaction log")
		}
		return err
	}
	if err := fs.table.Flush(); err != nil {
		return err
	}

	start := fs.geo.ClusterToSector(chain[0])
	sectors := clusters * clusterSectors
	if err := txlog.Format(fs.dev, start, sectors); err != nil {
		return err
	}

	l, err := txlog.Open(fs.dev, start, sectors, fs.log)
	if err != nil {
		return err
	}
	fs.log.Debugf("created transaction log with %d sectors at sector %d", sectors, start)

	fs.useLog(l)
	return nil
}

func (fs *Fs) useLog(l *txlog.Log) {
	fs.txlog = l
	fs.meta = l
	fs.cache.SetWriter(l)
}
