package kmem

import (
	"unsafe"

	"github.com/cockroachdb/errors"

	"mazarin/arch"
)

const (
	freeMagic = 0x4b465245 // "KFRE"

	// noBlock terminates a free list. Offset 0 is a real block.
	noBlock = ^uintptr(0)
)

// freeNode is the list entry written at the start of every free block. A
// block's bytes belong either to the caller or, while the block is on a
// free list, to its freeNode; magic tells the two apart and is wiped as soon
// as the block leaves the list.
type freeNode struct {
	magic uint32
	level uint32
	prev  uintptr // heap offset of the previous free block, or noBlock
	next  uintptr // heap offset of the next free block, or noBlock
}

// freeList is the head of one level's list.
type freeList struct {
	first uintptr
	last  uintptr
	count int
}

// nodeMem returns the heap memory at off viewed as a freeNode. Touching an
// unmapped page faults it in.
func (h *Heap) nodeMem(op string, off uintptr) *freeNode {
	page, err := h.pager.Page(h.base + off)
	if err != nil {
		halt(h.log, op, errors.Wrapf(err, "free node at 0x%x", h.base+off))
	}
	return (*freeNode)(unsafe.Pointer(&page[off&(arch.PAGE_SIZE-1)]))
}

// nodeAt returns the free node of a block that must be on level's list.
func (h *Heap) nodeAt(level int, off uintptr) *freeNode {
	n := h.nodeMem("free_list", off)
	if n.magic != freeMagic || int(n.level) != level {
		halt(h.log, "free_list", errors.Wrapf(ErrCorrupt,
			"block 0x%x: magic 0x%x level %d, want level %d", h.base+off, n.magic, n.level, level))
	}
	return n
}

// listAdd pushes the block at off onto the head of level's list.
func (h *Heap) listAdd(level int, off uintptr) {
	l := &h.lists[level]
	n := h.nodeMem("list_add", off)
	n.magic = freeMagic
	n.level = uint32(level)
	n.prev = noBlock
	n.next = l.first
	if l.first != noBlock {
		h.nodeAt(level, l.first).prev = off
	} else {
		l.last = off
	}
	l.first = off
	l.count++
}

// listRemove unlinks the block at off from level's list.
func (h *Heap) listRemove(level int, off uintptr) {
	l := &h.lists[level]
	n := h.nodeAt(level, off)
	if n.prev != noBlock {
		h.nodeAt(level, n.prev).next = n.next
	} else {
		l.first = n.next
	}
	if n.next != noBlock {
		h.nodeAt(level, n.next).prev = n.prev
	} else {
		l.last = n.prev
	}
	*n = freeNode{}
	l.count--
}

// markChildren sets or clears the bits of both halves of the block at off.
func (h *Heap) markChildren(level int, off uintptr, free bool) {
	if level <= h.min {
		return
	}
	child := off >> (level - 1)
	if free {
		h.bits.set(level-1, child)
		h.bits.set(level-1, child+1)
	} else {
		h.bits.clear(level-1, child)
		h.bits.clear(level-1, child+1)
	}
}

// getFreeNode pops a block from level's list and marks it allocated. Both of
// its halves become free in principle, ready to be handed out by a split.
func (h *Heap) getFreeNode(level int) (uintptr, bool) {
	l := &h.lists[level]
	if l.count == 0 {
		return 0, false
	}
	off := l.first
	h.listRemove(level, off)
	h.bits.clear(level, off>>level)
	h.markChildren(level, off, true)
	return off, true
}

// putFreeNode puts the block at off on level's list and marks it free.
func (h *Heap) putFreeNode(level int, off uintptr) {
	h.listAdd(level, off)
	h.bits.set(level, off>>level)
}

// walkList calls fn for every block on level's list, head first.
func (h *Heap) walkList(level int, fn func(off uintptr)) {
	for off := h.lists[level].first; off != noBlock; {
		next := h.nodeAt(level, off).next
		fn(off)
		off = next
	}
}
