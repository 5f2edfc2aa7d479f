package fat

import "testing"

func TestBitmap(t *testing.T) {
	b := NewBitmap(200)

	if b.Free() != 199 || b.Total() != 199 {
		t.Fatalf("Free() = %d Total() = %d, want 199", b.Free(), b.Total())
	}

	for c := uint32(2); c < 100; c++ {
		b.SetAllocated(c)
	}
	b.SetAllocated(150)

	tests := []struct {
		name   string
		from   uint32
		want   uint32
		wantOk bool
	}{
		{name: "from start", from: 2, want: 100, wantOk: true},
		{name: "skip allocated", from: 150, want: 151, wantOk: true},
		{name: "invalid start", from: 0, want: 100, wantOk: true},
		{name: "last cluster", from: 200, want: 200, wantOk: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := b.NextFree(tt.from)
			if got != tt.want || ok != tt.wantOk {
				t.Errorf("NextFree(%d) = %d, %v want %d, %v", tt.from, got, ok, tt.want, tt.wantOk)
			}
		})
	}

	if got := b.LargestFreeRun(); got != 50 {
		t.Errorf("LargestFreeRun() = %d, want 50", got)
	}
	if got, ok := b.FindRun(50); !ok || got != 100 {
		t.Errorf("FindRun(50) = %d, %v want 100, true", got, ok)
	}
	if got, ok := b.FindRun(5); !ok || got != 100 {
		t.Errorf("FindRun(5) = %d, %v want 100, true", got, ok)
	}
	if _, ok := b.FindRun(51); ok {
		t.Errorf("FindRun(51) found a run which does not exist")
	}

	// Wrap around.
	for c := uint32(100); c <= 200; c++ {
		b.SetAllocated(c)
	}
	b.SetFree(50)
	if got, ok := b.NextFree(120); !ok || got != 50 {
		t.Errorf("NextFree(120) = %d, %v want 50, true", got, ok)
	}
	b.SetAllocated(50)
	if _, ok := b.NextFree(2); ok {
		t.Errorf("NextFree() on a full bitmap returned a cluster")
	}
	if b.Free() != 0 {
		t.Errorf("Free() = %d, want 0", b.Free())
	}
}

func TestEntry(t *testing.T) {
	tests := []struct {
		raw  uint32
		bits int
		want Entry
	}{
		{raw: 0, bits: 12, want: EntryFree},
		{raw: 0xFF7, bits: 12, want: EntryBad},
		{raw: 0xFF8, bits: 12, want: 0x0FFFFFF8},
		{raw: 0xFFF, bits: 12, want: EntryEOC},
		{raw: 0xFEF, bits: 12, want: 0xFEF},
		{raw: 0xFFF7, bits: 16, want: EntryBad},
		{raw: 0xFFFF, bits: 16, want: EntryEOC},
		{raw: 0x1234, bits: 16, want: 0x1234},
		{raw: 0xF0000005, bits: 32, want: 5},
		{raw: 0x0FFFFFF8, bits: 32, want: 0x0FFFFFF8},
	}
	for _, tt := range tests {
		got := normalize(tt.raw, tt.bits)
		if got != tt.want {
			t.Errorf("normalize(0x%X, %d) = 0x%X, want 0x%X", tt.raw, tt.bits, uint32(got), uint32(tt.want))
		}
		if !got.IsEOC() && denormalize(got, tt.bits) != tt.raw&widthMask(tt.bits) {
			t.Errorf("denormalize(normalize(0x%X)) = 0x%X", tt.raw, denormalize(got, tt.bits))
		}
	}
}
