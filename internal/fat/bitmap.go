package fat

import (
	"math/bits"

	"github.com/willf/bitset"
)

// Bitmap mirrors the allocation state of every cluster, a set bit means allocated.
// The bits of the reserved clusters 0 and 1 are always set.
type Bitmap struct {
	bits *bitset.BitSet
	max  uint32
	free uint32

	largest      uint32
	largestValid bool
}

// NewBitmap creates a bitmap for clusters 2..maxCluster where all clusters are free.
func NewBitmap(maxCluster uint32) *Bitmap {
	b := &Bitmap{
		bits: bitset.New(uint(maxCluster) + 1),
		max:  maxCluster,
	}
	b.bits.Set(0).Set(1)
	b.free = maxCluster - 1
	return b
}

// Allocated reports whether the bit of cluster c is set.
func (b *Bitmap) Allocated(c uint32) bool {
	return b.bits.Test(uint(c))
}

// SetAllocated marks c as allocated.
func (b *Bitmap) SetAllocated(c uint32) {
	if c < 2 || c > b.max || b.bits.Test(uint(c)) {
		return
	}
	b.bits.Set(uint(c))
	b.free--
	b.largestValid = false
}

// SetFree marks c as free.
func (b *Bitmap) SetFree(c uint32) {
	if c < 2 || c > b.max || !b.bits.Test(uint(c)) {
		return
	}
	b.bits.Clear(uint(c))
	b.free++
	b.largestValid = false
}

// Free returns the number of free clusters.
func (b *Bitmap) Free() uint32 {
	return b.free
}

// Total returns the number of data clusters.
func (b *Bitmap) Total() uint32 {
	return b.max - 1
}

// nextClearIn returns the first free cluster in [from, to].
func (b *Bitmap) nextClearIn(from, to uint32) (uint32, bool) {
	words := b.bits.Bytes()
	i := from
	for i <= to {
		w := i / 64
		if int(w) >= len(words) {
			return 0, false
		}
		inverted := ^words[w] >> (i % 64)
		if inverted != 0 {
			c := i + uint32(bits.TrailingZeros64(inverted))
			if c <= to {
				return c, true
			}
			return 0, false
		}
		i = (w + 1) * 64
	}
	return 0, false
}

// NextFree returns the first free cluster at or after from.
// The search wraps around to cluster 2.
func (b *Bitmap) NextFree(from uint32) (uint32, bool) {
	if b.free == 0 {
		return 0, false
	}
	if from < 2 || from > b.max {
		from = 2
	}
	if c, ok := b.nextClearIn(from, b.max); ok {
		return c, true
	}
	if from > 2 {
		return b.nextClearIn(2, from-1)
	}
	return 0, false
}

// FindRun returns the first cluster of a run of count free clusters.
func (b *Bitmap) FindRun(count uint32) (uint32, bool) {
	if count == 0 || count > b.free {
		return 0, false
	}

	c, ok := b.nextClearIn(2, b.max)
	for ok {
		end := c
		for end < b.max && end-c+1 < count && !b.bits.Test(uint(end+1)) {
			end++
		}
		if end-c+1 >= count {
			return c, true
		}
		if end+2 > b.max {
			break
		}
		c, ok = b.nextClearIn(end+2, b.max)
	}
	return 0, false
}

// LargestFreeRun returns the length of the longest run of free clusters.
// The value is cached until the next change.
func (b *Bitmap) LargestFreeRun() uint32 {
	if b.largestValid {
		return b.largest
	}

	var largest, current uint32
	for c := uint32(2); c <= b.max; c++ {
		if b.bits.Test(uint(c)) {
			current = 0
			continue
		}
		current++
		if current > largest {
			largest = current
		}
	}

	b.largest = largest
	b.largestValid = true
	return largest
}
