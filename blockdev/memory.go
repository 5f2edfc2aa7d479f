package blockdev

import (
	"sync"
)

// Memory is a Device backed by a byte slice.
// It is mainly used for tests and for building images before writing them somewhere.
type Memory struct {
	mu         sync.Mutex
	sectorSize int
	data       []byte
}

// NewMemory creates a zeroed in-memory device.
func NewMemory(sectorSize int, sectors uint64) *Memory {
	return &Memory{
		sectorSize: sectorSize,
		data:       make([]byte, uint64(sectorSize)*sectors),
	}
}

// NewMemoryFrom creates an in-memory device which uses the given image as its content.
// The slice is not copied.
func NewMemoryFrom(sectorSize int, image []byte) *Memory {
	return &Memory{
		sectorSize: sectorSize,
		data:       image[:len(image)-len(image)%sectorSize],
	}
}

func (m *Memory) SectorSize() int {
	return m.sectorSize
}

func (m *Memory) TotalSectors() uint64 {
	return uint64(len(m.data) / m.sectorSize)
}

func (m *Memory) ReadSectors(sector uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkRange(m.sectorSize, m.TotalSectors(), sector, buf); err != nil {
		return err
	}

	start := sector * uint64(m.sectorSize)
	copy(buf, m.data[start:start+uint64(len(buf))])
	return nil
}

func (m *Memory) WriteSectors(sector uint64, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := checkRange(m.sectorSize, m.TotalSectors(), sector, buf); err != nil {
		return err
	}

	start := sector * uint64(m.sectorSize)
	copy(m.data[start:], buf)
	return nil
}

func (m *Memory) Flush() error {
	return nil
}

// Bytes returns a copy of the whole device content.
func (m *Memory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]byte, len(m.data))
	copy(result, m.data)
	return result
}

// Clone returns an independent copy of the device.
func (m *Memory) Clone() *Memory {
	return NewMemoryFrom(m.sectorSize, m.Bytes())
}
