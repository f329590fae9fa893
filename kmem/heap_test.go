package kmem

import (
	"bytes"
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"mazarin/arch"
)

type heapState struct {
	bits      []byte
	counts    []int
	allocated uintptr
	live      int
	resident  int
}

func capture(h *Heap, m *mockPager) heapState {
	st := h.Stats()
	return heapState{
		bits:      h.bits.snapshot(),
		counts:    st.Free,
		allocated: st.Allocated,
		live:      st.Live,
		resident:  m.resident(),
	}
}

func (s heapState) diff(o heapState) string {
	switch {
	case !bytes.Equal(s.bits, o.bits):
		for i := range s.bits {
			if s.bits[i] != o.bits[i] {
				return fmt.Sprintf("bitmap byte %d: 0x%02x != 0x%02x", i, s.bits[i], o.bits[i])
			}
		}
	case fmt.Sprint(s.counts) != fmt.Sprint(o.counts):
		return fmt.Sprintf("free counts %v != %v", s.counts, o.counts)
	case s.allocated != o.allocated || s.live != o.live:
		return fmt.Sprintf("allocated %d/%d != %d/%d", s.allocated, s.live, o.allocated, o.live)
	case s.resident != o.resident:
		return fmt.Sprintf("resident pages %d != %d", s.resident, o.resident)
	}
	return ""
}

func TestSizeLevel(t *testing.T) {
	tests := []struct {
		size uintptr
		want int
	}{
		{0, 5},
		{1, 5},
		{31, 5},
		{32, 5},
		{33, 6},
		{64, 6},
		{65, 7},
		{4095, 12},
		{4096, 12},
		{4097, 13},
		{1 << 20, 20},
		{1<<20 + 1, 21},
		{1 << 30, 30},
	}
	for _, tt := range tests {
		if got := sizeLevel(tt.size, MIN_LEVEL); got != tt.want {
			t.Errorf("sizeLevel(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestBoundaryLevels(t *testing.T) {
	h, _ := newTestHeap(t)
	tests := []struct {
		size uintptr
		want int
	}{
		{1, 5},
		{32, 5},
		{33, 6},
	}
	for _, tt := range tests {
		p := h.Alloc(tt.size)
		if got := h.Classify(p); got != tt.want {
			t.Errorf("Classify(Alloc(%d)) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestClassifyMatchesSize(t *testing.T) {
	h, _ := newTestHeap(t)
	sizes := []uintptr{1, 7, 32, 33, 100, 128, 1000, 2048, 4095, 4096, 4097, 10000, 1 << 15, 1<<16 + 1}
	ptrs := make([]uintptr, len(sizes))
	for i, s := range sizes {
		ptrs[i] = h.Alloc(s)
		if ptrs[i]&(uintptr(1)<<sizeLevel(s, MIN_LEVEL)-1) != 0 {
			t.Errorf("Alloc(%d) = 0x%x is not block aligned", s, ptrs[i])
		}
	}
	for i, s := range sizes {
		if got, want := h.Classify(ptrs[i]), sizeLevel(s, MIN_LEVEL); got != want {
			t.Errorf("Classify(Alloc(%d)) = %d, want %d", s, got, want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	sizes := []uintptr{1, 31, 32, 33, 100, 2047, 4095, 4096, 4097, 1 << 14, 1<<15 + 3, 1 << 18, 1 << 19}
	for _, size := range sizes {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			h, m := newTestHeap(t)
			before := capture(h, m)
			p := h.Alloc(size)
			h.Free(p)
			if d := capture(h, m).diff(before); d != "" {
				t.Errorf("state changed after Alloc(%d)/Free: %s", size, d)
			}
		})
	}
}

func TestRoundTripFreshHeap(t *testing.T) {
	cfg := testConfig()
	for level := cfg.MinLevel; level <= cfg.MaxLevel; level++ {
		h, m := newFreshHeap(t, cfg)
		before := capture(h, m)
		h.Free(h.Alloc(uintptr(1) << level))
		if d := capture(h, m).diff(before); d != "" {
			t.Errorf("level %d: %s", level, d)
		}
	}
}

func TestFullHeapOnce(t *testing.T) {
	cfg := testConfig()
	h, _ := newFreshHeap(t, cfg)
	p := h.Alloc(cfg.Size())
	if p != cfg.Base {
		t.Fatalf("Alloc(heap size) = 0x%x, want 0x%x", p, cfg.Base)
	}
	expectFatal(t, ErrExhausted, func() { h.Alloc(cfg.Size()) })
}

func TestFullHeapAfterBootstrap(t *testing.T) {
	h, _ := newTestHeap(t)
	// The bitmap already occupies the bottom of the heap.
	expectFatal(t, ErrExhausted, func() { h.Alloc(testConfig().Size()) })
}

func TestTooLarge(t *testing.T) {
	h, _ := newTestHeap(t)
	expectFatal(t, ErrTooLarge, func() { h.Alloc(testConfig().Size() + 1) })
	expectFatal(t, ErrTooLarge, func() { h.getHole(h.max + 1) })
}

func TestExhaustSmallBlocks(t *testing.T) {
	cfg := Config{MinLevel: 10, MaxLevel: 13, Base: KMALLOC_HEAP_BASE}
	h, _ := newFreshHeap(t, cfg)
	for i := 0; i < 8; i++ {
		h.Alloc(1024)
	}
	expectFatal(t, ErrExhausted, func() { h.Alloc(1) })
}

func TestFreeReallocSameAddress(t *testing.T) {
	h, _ := newTestHeap(t)
	for _, size := range []uintptr{1, 100, 4096, 50000} {
		p := h.Alloc(size)
		h.Free(p)
		if q := h.Alloc(size); q != p {
			t.Errorf("Alloc(%d) after free = 0x%x, want 0x%x", size, q, p)
		}
	}
}

func TestBuddyCoalescing(t *testing.T) {
	h, m := newTestHeap(t)
	baseline := capture(h, m)

	a := h.Alloc(64)
	b := h.Alloc(64)
	if (a-h.base)^(b-h.base) != 64 {
		t.Fatalf("second block 0x%x is not the buddy of 0x%x", b, a)
	}
	// c is the buddy of a and b's parent, so the merge stops at level 7.
	c := h.Alloc(128)
	parent := a &^ 64
	if (c-h.base)^(parent-h.base) != 128 {
		t.Fatalf("level 7 block 0x%x is not the buddy of parent 0x%x", c, parent)
	}

	h.Free(a)
	h.Free(b)
	for _, p := range h.FreeBlocks(6) {
		if p == a || p == b {
			t.Errorf("level 6 free list still holds 0x%x", p)
		}
	}
	var found int
	for _, p := range h.FreeBlocks(7) {
		if p == parent {
			found++
		}
	}
	if found != 1 {
		t.Errorf("parent 0x%x appears %d times on the level 7 list, want 1", parent, found)
	}

	h.Free(c)
	if d := capture(h, m).diff(baseline); d != "" {
		t.Errorf("heap did not coalesce back: %s", d)
	}
}

func TestFreeInvalid(t *testing.T) {
	tests := []struct {
		name string
		ptr  func(h *Heap) uintptr
	}{
		{"double free", func(h *Heap) uintptr {
			p := h.Alloc(64)
			h.Free(p)
			return p
		}},
		{"interior pointer", func(h *Heap) uintptr { return h.Alloc(64) + 32 }},
		{"below heap", func(h *Heap) uintptr { return h.base - 8 }},
		{"above heap", func(h *Heap) uintptr { return h.base + uintptr(1)<<h.max }},
		{"never allocated", func(h *Heap) uintptr { return h.base + 1<<19 }},
		{"bitmap", func(h *Heap) uintptr { return h.base + h.bitmapOff }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newTestHeap(t)
			p := tt.ptr(h)
			expectFatal(t, ErrBadPointer, func() { h.Free(p) })
		})
	}
}

func TestWriteRead(t *testing.T) {
	h, _ := newTestHeap(t)
	p := h.Alloc(6000)
	msg := bytes.Repeat([]byte("kmem"), 1500)
	if err := h.Write(p, msg); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	got := make([]byte, len(msg))
	if err := h.Read(p, got); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Error("Read() does not return what was written")
	}
	if err := h.Write(h.base+uintptr(1)<<h.max-2, msg); err == nil {
		t.Error("Write() past the heap end should fail")
	}
}

// checkTiling verifies that Walk covers the heap exactly once, that the free
// blocks it reports are exactly the free list contents, and that the
// allocated ones are the live set.
func checkTiling(t *testing.T, h *Heap, m *mockPager, live map[uintptr]int) {
	t.Helper()
	var blocks []Block
	h.Walk(func(b Block) { blocks = append(blocks, b) })

	next := h.base
	listed := map[uintptr]int{}
	for level := h.min; level <= h.max; level++ {
		for _, p := range h.FreeBlocks(level) {
			listed[p] = level
		}
	}

	allocated := 0
	for _, b := range blocks {
		if b.Addr != next {
			t.Fatalf("gap or overlap at 0x%x, block starts at 0x%x", next, b.Addr)
		}
		next += b.Size()

		switch b.State {
		case BlockFree:
			if lvl, ok := listed[b.Addr]; !ok || lvl != b.Level {
				t.Errorf("free block 0x%x level %d is not on its free list", b.Addr, b.Level)
			}
			delete(listed, b.Addr)
			checkFreePages(t, m, b)
		case BlockAllocated:
			allocated++
			if b.Addr == h.base+h.bitmapOff {
				continue
			}
			if lvl, ok := live[b.Addr]; !ok || lvl != b.Level {
				t.Errorf("allocated block 0x%x level %d is not a live allocation", b.Addr, b.Level)
			}
			start, end := pageSpan(b.Addr-h.base, b.Level)
			for va := start; va < end; va += arch.PAGE_SIZE {
				if !m.IsMapped(h.base + va) {
					t.Errorf("live block 0x%x has unmapped page 0x%x", b.Addr, h.base+va)
				}
			}
		}
	}
	if next != h.base+uintptr(1)<<h.max {
		t.Errorf("walk ends at 0x%x, want heap end", next)
	}
	if len(listed) != 0 {
		t.Errorf("free list entries not reported by walk: %v", listed)
	}
	if allocated != len(live)+1 {
		t.Errorf("walk found %d allocated blocks, want %d", allocated, len(live)+1)
	}
}

// checkFreePages: a free block of a page or more keeps only the page that
// holds its list node.
func checkFreePages(t *testing.T, m *mockPager, b Block) {
	t.Helper()
	if !m.IsMapped(b.Addr) {
		t.Errorf("free block 0x%x has no resident node page", b.Addr)
	}
	if b.Level < arch.PAGE_SHIFT {
		return
	}
	for va := b.Addr + arch.PAGE_SIZE; va < b.Addr+b.Size(); va += arch.PAGE_SIZE {
		if m.IsMapped(va) {
			t.Errorf("free block 0x%x still maps page 0x%x", b.Addr, va)
		}
	}
}

func TestRandomWorkloadTiling(t *testing.T) {
	h, m := newTestHeap(t)
	baseline := capture(h, m)
	rng := rand.New(rand.NewSource(1))
	live := map[uintptr]int{}
	var order []uintptr

	for step := 0; step < 2000; step++ {
		if len(order) < 20 && (len(order) == 0 || rng.Intn(3) != 0) {
			var size uintptr
			switch rng.Intn(3) {
			case 0:
				size = uintptr(1 + rng.Intn(256))
			case 1:
				size = uintptr(1 + rng.Intn(8192))
			default:
				size = uintptr(1 + rng.Intn(32768))
			}
			p := h.Alloc(size)
			if _, dup := live[p]; dup {
				t.Fatalf("Alloc(%d) returned live address 0x%x", size, p)
			}
			live[p] = sizeLevel(size, h.min)
			order = append(order, p)
		} else {
			i := rng.Intn(len(order))
			p := order[i]
			order = append(order[:i], order[i+1:]...)
			if got := h.Classify(p); got != live[p] {
				t.Fatalf("Classify(0x%x) = %d, want %d", p, got, live[p])
			}
			h.Free(p)
			delete(live, p)
		}
		if step%50 == 0 {
			checkTiling(t, h, m, live)
		}
	}

	keys := make([]uintptr, 0, len(live))
	for p := range live {
		keys = append(keys, p)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	for _, p := range keys {
		h.Free(p)
	}
	checkTiling(t, h, m, map[uintptr]int{})
	if d := capture(h, m).diff(baseline); d != "" {
		t.Errorf("heap not quiescent after freeing everything: %s", d)
	}
}

func TestStats(t *testing.T) {
	h, _ := newTestHeap(t)
	st := h.Stats()
	if st.Live != 1 || st.Allocated != bitmapBytes(5, 20) {
		t.Errorf("Stats() after bootstrap = %+v, want only the bitmap", st)
	}
	p := h.Alloc(100)
	if got := h.Stats().Allocated - st.Allocated; got != 128 {
		t.Errorf("Alloc(100) added %d bytes, want 128", got)
	}
	h.Free(p)
	after := h.Stats()
	if after.Allocated != st.Allocated || after.Live != st.Live {
		t.Errorf("Stats() after free = %+v, want %+v", after, st)
	}
	if after.FreeBytes+after.Allocated != testConfig().Size() {
		t.Errorf("free %d + allocated %d != heap size", after.FreeBytes, after.Allocated)
	}
}

func TestDefaultGeometry(t *testing.T) {
	cfg := DefaultConfig()
	m := newMockPager(t, cfg)
	h, err := New(m, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got := bitmapBytes(cfg.MinLevel, cfg.MaxLevel); got != 8<<20 {
		t.Fatalf("bitmap is %d bytes, want 8MB", got)
	}
	if sm := h.bits.submaps[MIN_LEVEL]; sm.start != 1<<25-1 || sm.slots != 1<<25 {
		t.Errorf("level 5 submap = %+v", sm)
	}
	if h.bitmapOff != 0 || h.Classify(cfg.Base) != 23 {
		t.Errorf("bitmap block at offset 0x%x", h.bitmapOff)
	}
	for level := cfg.MinLevel; level <= cfg.MaxLevel; level++ {
		want := 0
		if level >= 23 && level < cfg.MaxLevel {
			want = 1
		}
		if got := len(h.FreeBlocks(level)); got != want {
			t.Errorf("level %d has %d free blocks, want %d", level, got, want)
		}
	}

	tests := []struct {
		size  uintptr
		level int
	}{
		{1, 5},
		{32, 5},
		{33, 6},
		{4096, 12},
		{1 << 20, 20},
		{1 << 24, 24},
	}
	before := capture(h, m)
	for _, tt := range tests {
		p := h.Alloc(tt.size)
		if got := h.Classify(p); got != tt.level {
			t.Errorf("Classify(Alloc(%d)) = %d, want %d", tt.size, got, tt.level)
		}
		h.Free(p)
		if d := capture(h, m).diff(before); d != "" {
			t.Errorf("Alloc(%d)/Free: %s", tt.size, d)
		}
	}

	if got := h.Alloc(1); got != cfg.Base+8<<20 {
		t.Errorf("first Alloc(1) = 0x%x, want 0x%x", got, cfg.Base+8<<20)
	}
	expectFatal(t, ErrTooLarge, func() { h.Alloc(cfg.Size() + 1) })
}
