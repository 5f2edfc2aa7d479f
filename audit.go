package gofat

import (
	"errors"
	"os"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/audit"
)

// AuditLevel selects which operations WithAudit records.
type AuditLevel = audit.Level

const (
	AuditNone     = audit.LevelNone
	AuditMinimal  = audit.LevelMinimal
	AuditStandard = audit.LevelStandard
	AuditFull     = audit.LevelFull
)

// AuditOperation is the kind of a recorded operation.
type AuditOperation = audit.Operation

const (
	AuditCreate   = audit.OpCreate
	AuditDelete   = audit.OpDelete
	AuditMkdir    = audit.OpMkdir
	AuditRmdir    = audit.OpRmdir
	AuditRename   = audit.OpRename
	AuditTruncate = audit.OpTruncate
	AuditOpen     = audit.OpOpen
	AuditWrite    = audit.OpWrite
	AuditMetadata = audit.OpMetadata
)

// AuditEntry is one recorded operation.
type AuditEntry = audit.Entry

// maxAuditEntries is the most the region header can count.
const maxAuditEntries = 0xFFFF

// openAudit creates the trail and loads it from its region.
func (fs *Fs) openAudit() error {
	if fs.opts.auditLevel == AuditNone {
		return nil
	}
	fs.audit = audit.New(fs.opts.auditLevel, fs.opts.auditEntries, fs.log)

	r := fs.opts.auditRegion
	if r.Sectors == 0 {
		return nil
	}
	if err := fs.checkAuditRegion(r); err != nil {
		return err
	}

	err := fs.audit.Load(fs.dev, r)
	if errors.Is(err, ErrCorruption) {
		fs.log.WithError(err).Warn("discarding the stored audit trail")
		return nil
	}
	return err
}

// checkAuditRegion makes sure r lies in the reserved area and leaves the boot
// sectors and the FSInfo alone.
func (fs *Fs) checkAuditRegion(r audit.Region) error {
	end := r.Start + r.Sectors
	if r.Start == 0 || end > uint64(fs.geo.ReservedSectors) {
		return checkpoint.New(os.ErrInvalid, "audit region %d-%d is outside of the reserved sectors 1-%d", r.Start, end-1, fs.geo.ReservedSectors-1)
	}

	used := []uint64{uint64(fs.geo.FSInfoSector)}
	if b := uint64(fs.geo.BackupBootSector); b != 0 {
		used = append(used, b, b+1)
	}
	for _, s := range used {
		if s != 0 && s >= r.Start && s < end {
			return checkpoint.New(os.ErrInvalid, "audit region %d-%d contains sector %d", r.Start, end-1, s)
		}
	}
	return nil
}

// storeAudit writes the trail to its region if it changed.
func (fs *Fs) storeAudit() error {
	if fs.audit == nil || fs.opts.auditRegion.Sectors == 0 || fs.opts.readOnly {
		return nil
	}
	return fs.audit.Store(fs.dev, fs.opts.auditRegion)
}

// record adds an entry to the audit trail. err is the result of the operation.
func (fs *Fs) record(op AuditOperation, name, target string, size uint64, err error) {
	if fs.audit == nil {
		return
	}
	fs.audit.Record(AuditEntry{
		Time:   fs.now(),
		Op:     op,
		Path:   name,
		Target: target,
		Size:   size,
		Failed: err != nil,
	})
}

// AuditTrail returns the recorded operations, oldest first. It is empty if
// WithAudit was not used.
func (fs *Fs) AuditTrail() []AuditEntry {
	if fs.audit == nil {
		return nil
	}
	return fs.audit.Entries()
}
