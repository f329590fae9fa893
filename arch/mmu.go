package arch

import (
	"sync"

	"go.uber.org/zap"

	"mazarin/bitfield"
)

// Page table size constants
const (
	PTE_COUNT = 512 // 512 entries per table
	L2_SHIFT  = 21  // Bits 29-21 select an L3 table
	L3_SHIFT  = 12  // Bits 20-12 select the entry
)

// Status is the result of a single page map or unmap.
type Status int

const (
	OK       Status = iota // Mapping changed
	Busy                   // Map: already mapped. Unmap: not mapped.
	NoMemory               // No physical frame left
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case NoMemory:
		return "no memory"
	}
	return "unknown"
}

type l3Table [PTE_COUNT]uint64

// Space is one virtual address space: page tables over a FramePool plus the
// region table consulted by the fault handler.
//
// L3 tables are allocated on demand when the first page in a 2MB region is
// mapped, the same as the hardware walker expects, so a 1GB heap that is
// mostly unmapped only costs tables for the pages it touches.
type Space struct {
	mu      sync.Mutex
	frames  *FramePool
	tables  map[uintptr]*l3Table // keyed by va >> L2_SHIFT
	regions []Region
	log     *zap.Logger

	mapped      int
	faults      uint64
	fileFaults  uint64
	zeroFaults  uint64
	lastFaultVA uintptr
}

// NewSpace creates an empty address space drawing frames from frames.
// A nil logger disables logging.
func NewSpace(frames *FramePool, log *zap.Logger) *Space {
	if log == nil {
		log = zap.NewNop()
	}
	return &Space{
		frames: frames,
		tables: make(map[uintptr]*l3Table),
		log:    log.Named("arch"),
	}
}

func pageAlign(va uintptr) uintptr {
	return va &^ (PAGE_SIZE - 1)
}

// entry returns the L3 slot for va, allocating its table when create is set.
func (s *Space) entry(va uintptr, create bool) *uint64 {
	t := s.tables[va>>L2_SHIFT]
	if t == nil {
		if !create {
			return nil
		}
		t = new(l3Table)
		s.tables[va>>L2_SHIFT] = t
	}
	return &t[(va>>L3_SHIFT)&(PTE_COUNT-1)]
}

func (s *Space) lookup(va uintptr) (bitfield.PTE, bool) {
	e := s.entry(va, false)
	if e == nil || *e == 0 {
		return bitfield.PTE{}, false
	}
	pte := bitfield.UnpackPTE(*e)
	return pte, pte.Valid
}

func frameAddr(pte bitfield.PTE) uintptr {
	return uintptr(pte.Frame) << PAGE_SHIFT
}

// Map makes the page containing va valid, backed by a fresh zeroed frame.
// Mapping a page twice is rejected with Busy.
func (s *Space) Map(va uintptr, user bool) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, _ := s.mapLocked(pageAlign(va), user, false)
	return st
}

func (s *Space) mapLocked(va uintptr, user, fileBacked bool) (Status, uintptr) {
	e := s.entry(va, true)
	if *e != 0 && bitfield.UnpackPTE(*e).Valid {
		return Busy, 0
	}
	phys, ok := s.frames.AllocPage(va)
	if !ok {
		s.log.Warn("out of physical frames", zap.Uintptr("va", va))
		return NoMemory, 0
	}
	packed, err := bitfield.PackPTE(bitfield.PTE{
		Valid:      true,
		User:       user,
		FileBacked: fileBacked,
		Frame:      uint64(phys >> PAGE_SHIFT),
	})
	if err != nil {
		panic(err)
	}
	*e = packed
	s.mapped++
	s.log.Debug("map", zap.Uintptr("va", va), zap.Uintptr("pa", phys))
	return OK, phys
}

// Unmap removes the mapping for the page containing va and returns its frame
// to the pool. Unmapping a page that is not mapped is rejected with Busy.
func (s *Space) Unmap(va uintptr) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unmapLocked(pageAlign(va))
}

func (s *Space) unmapLocked(va uintptr) Status {
	pte, ok := s.lookup(va)
	if !ok {
		return Busy
	}
	if err := s.frames.FreePage(frameAddr(pte)); err != nil {
		// The table and the pool disagree; nothing sane can continue.
		panic(err)
	}
	*s.entry(va, false) = 0
	s.mapped--
	s.log.Debug("unmap", zap.Uintptr("va", va), zap.Uintptr("pa", frameAddr(pte)))
	return OK
}

// IsMapped reports whether the page containing va is valid.
func (s *Space) IsMapped(va uintptr) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lookup(pageAlign(va))
	return ok
}

// Translate returns the physical address for va, or 0 when it is not mapped.
func (s *Space) Translate(va uintptr) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	pte, ok := s.lookup(pageAlign(va))
	if !ok {
		return 0
	}
	return frameAddr(pte) | va&(PAGE_SIZE-1)
}

// Stats describes the state of an address space.
type Stats struct {
	MappedPages int
	Tables      int
	Faults      uint64
	FileFaults  uint64
	ZeroFaults  uint64
	FramesInUse int
	FramesTotal int
}

// Stats returns mapping and fault counters.
func (s *Space) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		MappedPages: s.mapped,
		Tables:      len(s.tables),
		Faults:      s.faults,
		FileFaults:  s.fileFaults,
		ZeroFaults:  s.zeroFaults,
		FramesInUse: s.frames.InUse(),
		FramesTotal: s.frames.Total(),
	}
}
