package gofat

import (
	"time"

	"github.com/aligator/gofat/v2/internal/audit"
	"github.com/aligator/gofat/v2/internal/direntry"
	"github.com/sirupsen/logrus"
)

// Clock provides the time used for directory entry timestamps.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// NameEncoder converts between unicode and the OEM code page of short names.
// Any *charmap.Charmap of golang.org/x/text/encoding/charmap can be used.
type NameEncoder = direntry.NameEncoder

// Default values of the options.
const (
	DefaultFATCacheSectors  = 64
	DefaultDirCacheEntries  = 256
	DefaultBatchClusters    = 16
	DefaultTransactionSlots = 32
	DefaultAuditEntries     = 64
)

type options struct {
	readOnly        bool
	skipChecks      bool
	fatCacheSectors int
	dirCacheEntries int
	freeBitmap      bool
	txLog           bool
	txLogSlots      uint64
	batchClusters   int
	locking         bool
	auditLevel      AuditLevel
	auditEntries    int
	auditRegion     audit.Region
	clock           Clock
	encoder         NameEncoder
	log             *logrus.Entry
}

func defaultOptions() options {
	return options{
		fatCacheSectors: DefaultFATCacheSectors,
		dirCacheEntries: DefaultDirCacheEntries,
		freeBitmap:      true,
		txLogSlots:      DefaultTransactionSlots,
		batchClusters:   DefaultBatchClusters,
		locking:         true,
		auditEntries:    DefaultAuditEntries,
		clock:           ClockFunc(time.Now),
		encoder:         direntry.DefaultEncoder,
		log:             logrus.StandardLogger().WithField("fs", "gofat"),
	}
}

// Option configures a filesystem at mount time.
type Option func(*options)

// WithReadOnly mounts the volume read only. Nothing is ever written to the device.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithSkipChecks skips some boot sector validations which may allow you to
// open not perfectly standard FAT filesystems.
// Use with caution!
func WithSkipChecks() Option {
	return func(o *options) {
		o.skipChecks = true
	}
}

// WithFATCacheSectors sets the number of FAT sectors kept in the write-back
// cache. 0 disables the cache and writes every FAT change through.
func WithFATCacheSectors(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.fatCacheSectors = n
	}
}

// WithDirCacheEntries sets the number of cached name lookups. 0 disables the cache.
func WithDirCacheEntries(n int) Option {
	return func(o *options) {
		if n < 0 {
			n = 0
		}
		o.dirCacheEntries = n
	}
}

// WithFreeBitmap enables or disables the in-memory free cluster bitmap.
func WithFreeBitmap(enabled bool) Option {
	return func(o *options) {
		o.freeBitmap = enabled
	}
}

// WithTransactionLog routes all metadata writes through a write-ahead log
// stored in a hidden system file in the root directory.
func WithTransactionLog(enabled bool) Option {
	return func(o *options) {
		o.txLog = enabled
	}
}

// WithTransactionLogSlots sets the number of records the log can hold when it
// gets created. An existing log keeps its size.
func WithTransactionLogSlots(slots uint64) Option {
	return func(o *options) {
		if slots > 0 {
			o.txLogSlots = slots
		}
	}
}

// WithBatchClusters limits how many contiguous clusters are transferred with a
// single device call. 1 disables batching.
func WithBatchClusters(n int) Option {
	return func(o *options) {
		if n < 1 {
			n = 1
		}
		o.batchClusters = n
	}
}

// WithLocking enables or disables the file sharing locks taken on open.
func WithLocking(enabled bool) Option {
	return func(o *options) {
		o.locking = enabled
	}
}

// WithAudit records the operations of the given level in a ring of the
// newest entries. AuditTrail returns them.
func WithAudit(level AuditLevel, entries int) Option {
	return func(o *options) {
		o.auditLevel = level
		if entries > 0 {
			if entries > maxAuditEntries {
				entries = maxAuditEntries
			}
			o.auditEntries = entries
		}
	}
}

// WithAuditRegion stores the audit trail in sectors of the reserved area which
// are not used by the boot sectors or the FSInfo. It is loaded on mount and
// written by Flush and Close.
func WithAuditRegion(start, sectors uint64) Option {
	return func(o *options) {
		o.auditRegion = audit.Region{Start: start, Sectors: sectors}
	}
}

// WithClock sets the time source for timestamps.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithNameEncoder sets the code page used for short names.
func WithNameEncoder(enc NameEncoder) Option {
	return func(o *options) {
		if enc != nil {
			o.encoder = enc
		}
	}
}

// WithLogger sets the logger. All messages get the field fs=gofat.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l.WithField("fs", "gofat")
		}
	}
}
