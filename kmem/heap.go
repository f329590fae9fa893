// Package kmem is the kernel heap: a binary buddy allocator whose free
// lists live inside the free blocks, whose per-level bitmap lives inside the
// heap it describes, and which unmaps the pages of every freed block of one
// page or more so that free memory holds no physical frames.
//
// The recursive split and merge code is single threaded. Heap serializes its
// exported methods with one mutex; nothing below them takes a lock.
package kmem

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"modernc.org/mathutil"

	"mazarin/arch"
)

// Pager is the page-mapping backend the heap runs on. *arch.Space
// implements it.
type Pager interface {
	// Map backs one page with a fresh frame. Mapping twice is Busy.
	Map(va uintptr, user bool) arch.Status
	// Unmap releases one page. Unmapping an unmapped page is Busy.
	Unmap(va uintptr) arch.Status
	IsMapped(va uintptr) bool
	Translate(va uintptr) uintptr
	// Page returns the memory of the page holding va, faulting it in.
	Page(va uintptr) ([]byte, error)
}

// Heap is a buddy allocator over [Base, Base+1<<MaxLevel).
type Heap struct {
	mu    sync.Mutex
	pager Pager
	log   *zap.Logger

	base     uintptr
	min, max int
	lists    []freeList // indexed by level
	bits     *bitmap

	bitmapOff uintptr // heap offset of the bitmap's own block
	allocated uintptr // outstanding bytes, rounded to block sizes
	live      int
}

// Option configures a Heap.
type Option func(*Heap)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(h *Heap) {
		if log != nil {
			h.log = log.Named("kmem")
		}
	}
}

func newHeap(pager Pager, cfg Config, opts ...Option) *Heap {
	h := &Heap{
		pager:     pager,
		log:       zap.NewNop(),
		base:      cfg.Base,
		min:       cfg.MinLevel,
		max:       cfg.MaxLevel,
		lists:     make([]freeList, cfg.MaxLevel+1),
		bitmapOff: noBlock,
	}
	for _, opt := range opts {
		opt(h)
	}
	for i := range h.lists {
		h.lists[i] = freeList{first: noBlock, last: noBlock}
	}
	h.bits = newBitmap(h.min, h.max, h.log)
	return h
}

// New builds a heap on pager. The pager must already fault in zeroed pages
// anywhere in the heap range. New returns once the heap describes itself,
// and only then may the heap be shared.
func New(pager Pager, cfg Config, opts ...Option) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := newHeap(pager, cfg, opts...)
	h.seedRoot()
	h.allocBitmap()
	h.log.Info("heap ready",
		zap.Uintptr("base", h.base),
		zap.Int("min_level", h.min),
		zap.Int("max_level", h.max),
		zap.Uintptr("bitmap", h.base+h.bitmapOff),
		zap.Uintptr("bitmap_bytes", bitmapBytes(h.min, h.max)))
	return h, nil
}

// NewOnSpace reserves the heap range in space as a demand-zero region and
// builds a heap on it.
func NewOnSpace(space *arch.Space, cfg Config, opts ...Option) (*Heap, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := space.Reserve("kheap", cfg.Base, cfg.Size(), false); err != nil {
		return nil, errors.Wrap(err, "kmem: reserve heap")
	}
	return New(space, cfg, opts...)
}

// sizeLevel is the level of the smallest block holding size bytes.
func sizeLevel(size uintptr, min int) int {
	if size <= uintptr(1)<<min {
		return min
	}
	return mathutil.BitLen(int(size - 1))
}

// Alloc returns the address of a block of at least size bytes (kmalloc).
// Sizes round up to a power of two of at least 1<<MinLevel. A request above
// the heap size or an exhausted heap is fatal.
func (h *Heap) Alloc(size uintptr) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	if size > uintptr(1)<<h.max {
		halt(h.log, "kmalloc", errors.Wrapf(ErrTooLarge, "%d bytes", size))
	}
	level := sizeLevel(size, h.min)
	off := h.getHole(level)
	h.allocated += uintptr(1) << level
	h.live++
	return h.base + off
}

// Free releases a block returned by Alloc (kfree). Anything else is fatal.
func (h *Heap) Free(ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.offset("kfree", ptr)
	if off == h.bitmapOff {
		halt(h.log, "kfree", errors.Wrapf(ErrBadPointer, "0x%x is the heap bitmap", ptr))
	}
	level := h.classify("kfree", off)
	h.markChildren(level, off, false)
	h.putHole(level, off)
	h.allocated -= uintptr(1) << level
	h.live--
}

// Classify returns the level of the live allocation at ptr. It is fatal for
// anything that is not the start of a live allocation.
func (h *Heap) Classify(ptr uintptr) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.classify("classify", h.offset("classify", ptr))
}

func (h *Heap) offset(op string, ptr uintptr) uintptr {
	if ptr < h.base || ptr-h.base >= uintptr(1)<<h.max {
		halt(h.log, op, errors.Wrapf(ErrBadPointer, "0x%x outside the heap", ptr))
	}
	return ptr - h.base
}

// Stats is a point in time view of the heap.
type Stats struct {
	Allocated uintptr // bytes handed out, rounded to block sizes
	Live      int     // number of live allocations, the bitmap included
	Free      []int   // free blocks per level, indexed by level
	FreeBytes uintptr
}

// Stats returns the outstanding byte counter and free list lengths.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Stats{
		Allocated: h.allocated,
		Live:      h.live,
		Free:      make([]int, len(h.lists)),
	}
	for level := h.min; level <= h.max; level++ {
		st.Free[level] = h.lists[level].count
		st.FreeBytes += uintptr(h.lists[level].count) << level
	}
	return st
}

// FreeBlocks returns the addresses on level's free list, head first.
func (h *Heap) FreeBlocks(level int) []uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if level < h.min || level > h.max {
		return nil
	}
	var out []uintptr
	h.walkList(level, func(off uintptr) {
		out = append(out, h.base+off)
	})
	return out
}

// Walk reports the heap as consecutive blocks in address order. Every byte
// of the heap is in exactly one reported block.
func (h *Heap) Walk(fn func(Block)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.walk(h.max, 0, fn)
}

// Config returns the geometry the heap was built with.
func (h *Heap) Config() Config {
	return Config{MinLevel: h.min, MaxLevel: h.max, Base: h.base}
}

// Write copies p to heap memory at ptr.
func (h *Heap) Write(ptr uintptr, p []byte) error {
	return h.copyPages(ptr, p, true)
}

// Read copies heap memory at ptr into p.
func (h *Heap) Read(ptr uintptr, p []byte) error {
	return h.copyPages(ptr, p, false)
}

func (h *Heap) copyPages(ptr uintptr, p []byte, write bool) error {
	if ptr < h.base || ptr-h.base+uintptr(len(p)) > uintptr(1)<<h.max {
		return errors.Newf("kmem: [0x%x, +%d) outside the heap", ptr, len(p))
	}
	for len(p) > 0 {
		page, err := h.pager.Page(ptr)
		if err != nil {
			return err
		}
		at := page[ptr&(arch.PAGE_SIZE-1):]
		var n int
		if write {
			n = copy(at, p)
		} else {
			n = copy(p, at)
		}
		p = p[n:]
		ptr += uintptr(n)
	}
	return nil
}
