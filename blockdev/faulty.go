package blockdev

import (
	"sync"

	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/aligator/gofat/v2/internal/fserr"
)

// ErrInjected is the cause of all failures produced by Faulty.
var ErrInjected = checkpoint.New(fserr.ErrTransport, "injected failure")

// Faulty wraps a Device, counts all calls and can fail them on demand.
// It is meant to simulate transport failures and power loss in tests.
type Faulty struct {
	Device

	mu sync.Mutex

	// FailReadAfter fails every read call after that many successful ones if it is >= 0.
	FailReadAfter int
	// FailWriteAfter fails every write call after that many successful ones if it is >= 0.
	FailWriteAfter int

	Reads   int
	Writes  int
	Flushes int
}

// NewFaulty wraps dev without injecting any failure.
func NewFaulty(dev Device) *Faulty {
	return &Faulty{
		Device:         dev,
		FailReadAfter:  -1,
		FailWriteAfter: -1,
	}
}

func (f *Faulty) ReadSectors(sector uint64, buf []byte) error {
	f.mu.Lock()
	fail := f.FailReadAfter >= 0 && f.Reads >= f.FailReadAfter
	if !fail {
		f.Reads++
	}
	f.mu.Unlock()

	if fail {
		return ErrInjected
	}
	return f.Device.ReadSectors(sector, buf)
}

func (f *Faulty) WriteSectors(sector uint64, buf []byte) error {
	f.mu.Lock()
	fail := f.FailWriteAfter >= 0 && f.Writes >= f.FailWriteAfter
	if !fail {
		f.Writes++
	}
	f.mu.Unlock()

	if fail {
		return ErrInjected
	}
	return f.Device.WriteSectors(sector, buf)
}

func (f *Faulty) Flush() error {
	f.mu.Lock()
	f.Flushes++
	f.mu.Unlock()
	return f.Device.Flush()
}

// Reset clears all counters and disables the failure injection.
func (f *Faulty) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailReadAfter = -1
	f.FailWriteAfter = -1
	f.Reads = 0
	f.Writes = 0
	f.Flushes = 0
}
