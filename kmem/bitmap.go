package kmem

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"mazarin/arch"
)

// submap locates one level's bits inside the shared bitmap.
type submap struct {
	start uint64 // bit offset of the level's first slot
	slots uint64 // number of blocks at this level
}

// bitmap holds one bit per block slot per level: 1 is free, 0 is allocated
// or split. All levels share one byte array, which lives inside the heap it
// describes and is therefore only reachable page by page.
type bitmap struct {
	min, max int
	submaps  []submap // indexed by level; entries below min are unused
	pages    [][]byte // nil until the storage is attached
	log      *zap.Logger
}

// bitmapBytes is the storage needed for levels [min, max].
func bitmapBytes(min, max int) uintptr {
	return (uintptr(1) << (max - min + 1)) / 8
}

func newBitmap(min, max int, log *zap.Logger) *bitmap {
	b := &bitmap{
		min:     min,
		max:     max,
		submaps: make([]submap, max+1),
		log:     log,
	}
	var start uint64
	for level := max; level >= min; level-- {
		slots := uint64(1) << (max - level)
		b.submaps[level] = submap{start: start, slots: slots}
		start += slots
	}
	return b
}

// attach points the bitmap at its storage. Every chunk but the last must be
// exactly one page long.
func (b *bitmap) attach(chunks [][]byte) {
	b.pages = chunks
}

func (b *bitmap) attached() bool { return b.pages != nil }

func (b *bitmap) locate(op string, level int, index uintptr) ([]byte, uint64, uint) {
	if level < b.min || level > b.max {
		halt(b.log, op, errors.AssertionFailedf("level %d outside [%d, %d]", level, b.min, b.max))
	}
	sm := b.submaps[level]
	if uint64(index) >= sm.slots {
		halt(b.log, op, errors.AssertionFailedf("index %d outside level %d (%d slots)", index, level, sm.slots))
	}
	bit := sm.start + uint64(index)
	byteOff := bit / 8
	return b.pages[byteOff/arch.PAGE_SIZE], byteOff % arch.PAGE_SIZE, uint(bit % 8)
}

func (b *bitmap) get(level int, index uintptr) uint8 {
	if !b.attached() {
		// Nothing is allocated before the bitmap exists.
		if level < b.min || level > b.max {
			halt(b.log, "get_bit", errors.AssertionFailedf("level %d outside [%d, %d]", level, b.min, b.max))
		}
		return 1
	}
	page, off, shift := b.locate("get_bit", level, index)
	return (page[off] >> shift) & 1
}

func (b *bitmap) set(level int, index uintptr) {
	if !b.attached() {
		return
	}
	page, off, shift := b.locate("set_bit", level, index)
	page[off] |= 1 << shift
}

func (b *bitmap) clear(level int, index uintptr) {
	if !b.attached() {
		return
	}
	page, off, shift := b.locate("clear_bit", level, index)
	page[off] &^= 1 << shift
}

// snapshot copies the raw bitmap bytes.
func (b *bitmap) snapshot() []byte {
	var out []byte
	for _, p := range b.pages {
		out = append(out, p...)
	}
	return out
}
