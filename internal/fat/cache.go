package fat

import (
	"github.com/aligator/gofat/v2/blockdev"
	"github.com/aligator/gofat/v2/checkpoint"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/sirupsen/logrus"
)

// CacheStats contains the counters of a SectorCache.
type CacheStats struct {
	Hits       uint64
	Misses     uint64
	Writebacks uint64
}

type cachedSector struct {
	data  []byte
	dirty bool
}

// SectorCache is a write-back LRU cache for the sectors of the FAT.
//
// Sectors are keyed by their volume relative index in the active FAT copy.
// Writing a sector back writes it to every mirror, the mirror offsets are
// relative to the active copy.
// A cache with capacity 0 is disabled: every read goes to the device and
// every update is written through immediately.
type SectorCache struct {
	dev        blockdev.Device
	writer     SectorWriter
	sectorSize int
	mirrors    []int64
	capacity   int

	lru   *simplelru.LRU
	stats CacheStats
	log   logrus.FieldLogger
}

// NewSectorCache creates a cache holding at most capacity sectors.
// mirrors contains the sector distance from the active copy to every FAT copy
// which has to be written, including 0 for the active copy itself.
func NewSectorCache(dev blockdev.Device, writer SectorWriter, capacity int, mirrors []int64, log logrus.FieldLogger) (*SectorCache, error) {
	c := &SectorCache{
		dev:        dev,
		writer:     writer,
		sectorSize: dev.SectorSize(),
		mirrors:    mirrors,
		capacity:   capacity,
		log:        log,
	}

	if capacity > 0 {
		lru, err := simplelru.NewLRU(capacity, nil)
		if err != nil {
			return nil, checkpoint.From(err)
		}
		c.lru = lru
	}

	return c, nil
}

// SetWriter replaces the writer used for write-backs.
// Dirty sectors have to be flushed before.
func (c *SectorCache) SetWriter(w SectorWriter) {
	c.writer = w
}

// Stats returns a copy of the counters.
func (c *SectorCache) Stats() CacheStats {
	return c.stats
}

// Len returns the number of cached sectors.
func (c *SectorCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}

func (c *SectorCache) load(sector uint64) ([]byte, error) {
	data := make([]byte, c.sectorSize)
	if err := c.dev.ReadSectors(sector, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *SectorCache) writeBack(sector uint64, data []byte) error {
	for _, offset := range c.mirrors {
		if err := c.writer.WriteSector(uint64(int64(sector)+offset), data); err != nil {
			return err
		}
	}
	c.stats.Writebacks++
	return nil
}

// get returns the cache slot of the sector and faults it in on a miss.
func (c *SectorCache) get(sector uint64) (*cachedSector, error) {
	if v, ok := c.lru.Get(sector); ok {
		c.stats.Hits++
		return v.(*cachedSector), nil
	}
	c.stats.Misses++

	// Make room first so that the LRU never evicts on its own and a dirty
	// sector is never dropped without being written.
	for c.lru.Len() >= c.capacity {
		key, v, ok := c.lru.GetOldest()
		if !ok {
			break
		}
		victim := v.(*cachedSector)
		if victim.dirty {
			c.log.Debugf("evicting dirty FAT sector %d", key)
			if err := c.writeBack(key.(uint64), victim.data); err != nil {
				return nil, err
			}
			victim.dirty = false
		}
		c.lru.RemoveOldest()
	}

	data, err := c.load(sector)
	if err != nil {
		return nil, err
	}

	slot := &cachedSector{data: data}
	c.lru.Add(sector, slot)
	return slot, nil
}

// Read calls fn with the content of the sector.
// fn must not keep a reference to the buffer.
func (c *SectorCache) Read(sector uint64, fn func(data []byte)) error {
	if c.lru == nil {
		c.stats.Misses++
		data, err := c.load(sector)
		if err != nil {
			return err
		}
		fn(data)
		return nil
	}

	slot, err := c.get(sector)
	if err != nil {
		return err
	}
	fn(slot.data)
	return nil
}

// Update lets fn modify the sector in place and marks it dirty.
// Without cache the sector is written through to all mirrors immediately.
func (c *SectorCache) Update(sector uint64, fn func(data []byte)) error {
	if c.lru == nil {
		c.stats.Misses++
		data, err := c.load(sector)
		if err != nil {
			return err
		}
		fn(data)
		return c.writeBack(sector, data)
	}

	slot, err := c.get(sector)
	if err != nil {
		return err
	}
	fn(slot.data)
	slot.dirty = true
	return nil
}

// Dirty returns the number of sectors waiting for write-back.
func (c *SectorCache) Dirty() int {
	if c.lru == nil {
		return 0
	}

	count := 0
	for _, key := range c.lru.Keys() {
		if v, ok := c.lru.Peek(key); ok && v.(*cachedSector).dirty {
			count++
		}
	}
	return count
}

// Flush writes all dirty sectors back, oldest first.
// A sector stays dirty if writing it fails.
func (c *SectorCache) Flush() error {
	if c.lru == nil {
		return nil
	}

	for _, key := range c.lru.Keys() {
		v, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		slot := v.(*cachedSector)
		if !slot.dirty {
			continue
		}
		if err := c.writeBack(key.(uint64), slot.data); err != nil {
			return checkpoint.From(err)
		}
		slot.dirty = false
	}
	return nil
}

// Purge drops all cached sectors. Dirty sectors are lost, call Flush before.
func (c *SectorCache) Purge() {
	if c.lru != nil {
		c.lru.Purge()
	}
}
