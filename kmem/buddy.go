package kmem

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mazarin/arch"
)

// getHole returns the heap offset of a block of 1<<level bytes with all of
// its pages mapped. Levels below the minimum are raised to it.
func (h *Heap) getHole(level int) uintptr {
	if level > h.max {
		halt(h.log, "get_hole", errors.Wrapf(ErrTooLarge, "level %d > %d", level, h.max))
	}
	if level < h.min {
		level = h.min
	}
	off := h.takeBlock(level)
	h.mapRange(off, level)
	return off
}

// takeBlock finds a block at level, splitting larger blocks as needed. The
// kept half is always the lower one; the upper half goes on the free list.
func (h *Heap) takeBlock(level int) uintptr {
	if off, ok := h.getFreeNode(level); ok {
		return off
	}
	if level == h.max {
		halt(h.log, "get_hole", errors.Wrapf(ErrExhausted, "no free block at level %d", level))
	}

	off := h.takeBlock(level + 1)
	upper := off + uintptr(1)<<level
	h.putFreeNode(level, upper)
	h.bits.clear(level, off>>level)
	h.markChildren(level, off, true)
	h.log.Debug("split",
		zap.Int("level", level+1),
		zap.Uintptr("addr", h.base+off),
		zap.Uintptr("upper", h.base+upper))
	return off
}

// putHole returns the block at off to level, merging it with its buddy for
// as long as the buddy is free.
func (h *Heap) putHole(level int, off uintptr) {
	if level >= arch.PAGE_SHIFT {
		h.unmapRange(off, level)
	}
	if level == h.max {
		// The root spans the whole heap and has no buddy.
		h.putFreeNode(level, off)
		return
	}

	buddy := off ^ uintptr(1)<<level
	if h.bits.get(level, buddy>>level) == 0 {
		h.putFreeNode(level, off)
		return
	}

	h.listRemove(level, buddy)
	h.bits.clear(level, buddy>>level)
	h.log.Debug("merge",
		zap.Int("level", level),
		zap.Uintptr("addr", h.base+off),
		zap.Uintptr("buddy", h.base+buddy))
	h.putHole(level+1, off&buddy)
}

// pageSpan returns the page aligned heap offsets covering a block.
func pageSpan(off uintptr, level int) (start, end uintptr) {
	start = off &^ (arch.PAGE_SIZE - 1)
	end = off + uintptr(1)<<level
	return start, end
}

// mapRange maps every page of the block that is not mapped yet. Pages can
// already be resident: the page holding a free node was faulted in when the
// node was written, and blocks smaller than a page share their page.
func (h *Heap) mapRange(off uintptr, level int) {
	start, end := pageSpan(off, level)
	for va := start; va < end; va += arch.PAGE_SIZE {
		addr := h.base + va
		if h.pager.IsMapped(addr) {
			continue
		}
		if st := h.pager.Map(addr, false); st != arch.OK {
			halt(h.log, "get_hole", errors.Wrapf(ErrNoMemory, "map 0x%x: %v", addr, st))
		}
	}
}

// unmapRange drops every resident page of a block so freed memory does not
// hold physical frames.
func (h *Heap) unmapRange(off uintptr, level int) {
	start, end := pageSpan(off, level)
	for va := start; va < end; va += arch.PAGE_SIZE {
		addr := h.base + va
		if !h.pager.IsMapped(addr) {
			continue
		}
		if st := h.pager.Unmap(addr); st != arch.OK {
			halt(h.log, "put_hole", errors.AssertionFailedf("unmap 0x%x: %v", addr, st))
		}
	}
}
