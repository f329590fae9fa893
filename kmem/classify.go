package kmem

import (
	"github.com/cockroachdb/errors"
)

// classify recovers the level of a live allocation at off. Levels are not
// stored anywhere; the walk from the root follows the split blocks down to
// the one whose halves are both free, which is how a handed-out block looks.
func (h *Heap) classify(op string, off uintptr) int {
	var cand uintptr
	for level := h.max; ; level-- {
		if h.bits.get(level, cand>>level) == 1 {
			halt(h.log, op, errors.Wrapf(ErrBadPointer,
				"0x%x lies in the free level %d block at 0x%x", h.base+off, level, h.base+cand))
		}

		if level == h.min || h.childrenFree(level, cand) {
			if cand != off {
				halt(h.log, op, errors.Wrapf(ErrBadPointer,
					"0x%x is inside the level %d block at 0x%x", h.base+off, level, h.base+cand))
			}
			return level
		}

		half := uintptr(1) << (level - 1)
		if off&half != 0 {
			cand += half
		}
	}
}

func (h *Heap) childrenFree(level int, off uintptr) bool {
	child := off >> (level - 1)
	return h.bits.get(level-1, child) == 1 && h.bits.get(level-1, child+1) == 1
}

// BlockState tells whether a block is on a free list or handed out.
type BlockState int

const (
	BlockFree BlockState = iota
	BlockAllocated
)

func (s BlockState) String() string {
	if s == BlockFree {
		return "free"
	}
	return "allocated"
}

// Block is one tile of the heap as reported by Walk.
type Block struct {
	Addr  uintptr
	Level int
	State BlockState
}

// Size is the block's length in bytes.
func (b Block) Size() uintptr { return uintptr(1) << b.Level }

func (h *Heap) walk(level int, off uintptr, fn func(Block)) {
	switch {
	case h.bits.get(level, off>>level) == 1:
		fn(Block{Addr: h.base + off, Level: level, State: BlockFree})
	case level == h.min || h.childrenFree(level, off):
		fn(Block{Addr: h.base + off, Level: level, State: BlockAllocated})
	default:
		h.walk(level-1, off, fn)
		h.walk(level-1, off+uintptr(1)<<(level-1), fn)
	}
}
