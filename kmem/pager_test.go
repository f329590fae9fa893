package kmem

import (
	"testing"

	"github.com/cockroachdb/errors"

	"mazarin/arch"
)

// mockPager backs pages with Go memory and fails the test on any map of a
// mapped page or unmap of an unmapped one.
type mockPager struct {
	t           *testing.T
	base, limit uintptr
	pages       map[uintptr][]byte

	maps, unmaps, faults int
}

func newMockPager(t *testing.T, cfg Config) *mockPager {
	return &mockPager{
		t:     t,
		base:  cfg.Base,
		limit: cfg.Base + cfg.Size(),
		pages: make(map[uintptr][]byte),
	}
}

func pageOf(va uintptr) uintptr { return va &^ (arch.PAGE_SIZE - 1) }

func (m *mockPager) Map(va uintptr, _ bool) arch.Status {
	m.t.Helper()
	va = pageOf(va)
	if _, ok := m.pages[va]; ok {
		m.t.Errorf("Map(0x%x): page already mapped", va)
		return arch.Busy
	}
	m.pages[va] = make([]byte, arch.PAGE_SIZE)
	m.maps++
	return arch.OK
}

func (m *mockPager) Unmap(va uintptr) arch.Status {
	m.t.Helper()
	va = pageOf(va)
	if _, ok := m.pages[va]; !ok {
		m.t.Errorf("Unmap(0x%x): page not mapped", va)
		return arch.Busy
	}
	delete(m.pages, va)
	m.unmaps++
	return arch.OK
}

func (m *mockPager) IsMapped(va uintptr) bool {
	_, ok := m.pages[pageOf(va)]
	return ok
}

func (m *mockPager) Translate(va uintptr) uintptr {
	if !m.IsMapped(va) {
		return 0
	}
	return va | 1<<40
}

func (m *mockPager) Page(va uintptr) ([]byte, error) {
	if va < m.base || va >= m.limit {
		return nil, errors.Newf("fault at 0x%x outside the heap", va)
	}
	p, ok := m.pages[pageOf(va)]
	if !ok {
		p = make([]byte, arch.PAGE_SIZE)
		m.pages[pageOf(va)] = p
		m.faults++
	}
	return p, nil
}

func (m *mockPager) resident() int { return len(m.pages) }

// testConfig is a 1MB heap with a two page bitmap.
func testConfig() Config {
	return Config{MinLevel: 5, MaxLevel: 20, Base: KMALLOC_HEAP_BASE}
}

func newTestHeap(t *testing.T) (*Heap, *mockPager) {
	t.Helper()
	cfg := testConfig()
	m := newMockPager(t, cfg)
	h, err := New(m, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h, m
}

// newFreshHeap builds a heap whose bitmap lives outside the heap, so the
// whole heap is one free block.
func newFreshHeap(t *testing.T, cfg Config) (*Heap, *mockPager) {
	t.Helper()
	m := newMockPager(t, cfg)
	h := newHeap(m, cfg)
	buf := make([]byte, bitmapBytes(cfg.MinLevel, cfg.MaxLevel))
	var chunks [][]byte
	for len(buf) > arch.PAGE_SIZE {
		chunks = append(chunks, buf[:arch.PAGE_SIZE])
		buf = buf[arch.PAGE_SIZE:]
	}
	h.bits.attach(append(chunks, buf))
	h.seedRoot()
	return h, m
}

// expectFatal runs fn and checks that it panics with a *Fatal matching want.
// A nil want accepts any assertion failure.
func expectFatal(t *testing.T, want error, fn func()) {
	t.Helper()
	defer func() {
		t.Helper()
		r := recover()
		if r == nil {
			t.Fatalf("expected fatal %v, got none", want)
		}
		f, ok := r.(*Fatal)
		if !ok {
			t.Fatalf("panic value %T (%v), want *Fatal", r, r)
		}
		if want == nil {
			if !errors.HasAssertionFailure(f.Err) {
				t.Errorf("fatal %v is not an assertion failure", f)
			}
			return
		}
		if !errors.Is(f, want) {
			t.Errorf("fatal %v, want %v", f, want)
		}
	}()
	fn()
}
