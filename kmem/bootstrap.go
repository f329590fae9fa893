package kmem

import (
	"github.com/cockroachdb/errors"

	"mazarin/arch"
)

// The heap has to allocate its own bitmap before it can allocate anything.
// Bootstrap runs in three steps:
//
//  1. seedRoot puts the whole heap on the top level free list by hand.
//  2. allocBitmap calls Alloc for the bitmap storage. While no storage is
//     attached every bit reads as free and writes are dropped, so the split
//     path runs exactly as it would later on.
//  3. patchBitmap writes the bits that step 2 could not record.

// seedRoot makes the entire heap the only free block.
func (h *Heap) seedRoot() {
	h.putFreeNode(h.max, 0)
}

// allocBitmap carves the bitmap out of the heap and attaches it.
func (h *Heap) allocBitmap() {
	n := bitmapBytes(h.min, h.max)
	ptr := h.Alloc(n)

	var chunks [][]byte
	for va, end := ptr, ptr+n; va < end; {
		page, err := h.pager.Page(va)
		if err != nil {
			halt(h.log, "kmem_init", errors.Wrapf(err, "bitmap page 0x%x", va))
		}
		at := va & (arch.PAGE_SIZE - 1)
		take := uintptr(arch.PAGE_SIZE) - at
		if take > end-va {
			take = end - va
		}
		chunk := page[at : at+take : at+take]
		// The root's free node was written here in step 1.
		clear(chunk)
		chunks = append(chunks, chunk)
		va += take
	}

	off := ptr - h.base
	h.bits.attach(chunks)
	h.bitmapOff = off
	h.patchBitmap(off, sizeLevel(n, h.min))
}

// patchBitmap records a first allocation at off of the given level: every
// block on the path from the root is split, each sibling on the path sits
// on its free list, and the block itself is handed out.
func (h *Heap) patchBitmap(off uintptr, level int) {
	for l := h.max; l > level; l-- {
		h.bits.clear(l, off>>l)
		h.bits.set(l-1, (off>>(l-1))^1)
	}
	h.bits.clear(level, off>>level)
	h.markChildren(level, off, true)
}
