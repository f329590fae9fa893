package kmem

import (
	"github.com/cockroachdb/errors"

	"mazarin/arch"
)

// Heap geometry defaults: blocks from 32 bytes (level 5) to 1GB (level 30).
const (
	MIN_LEVEL = 5
	MAX_LEVEL = 30

	// KMALLOC_HEAP_BASE is the virtual address the heap starts at by default.
	KMALLOC_HEAP_BASE = 0x48000000

	// largest heap the bitmap math is exercised with
	maxSupportedLevel = 40
)

// Config describes the size classes and placement of a heap.
type Config struct {
	MinLevel int     // smallest block is 1<<MinLevel bytes
	MaxLevel int     // the heap is one block of 1<<MaxLevel bytes
	Base     uintptr // virtual address of offset 0
}

// DefaultConfig returns the kernel heap layout.
func DefaultConfig() Config {
	return Config{
		MinLevel: MIN_LEVEL,
		MaxLevel: MAX_LEVEL,
		Base:     KMALLOC_HEAP_BASE,
	}
}

// Size is the number of bytes the heap spans.
func (c Config) Size() uintptr {
	return uintptr(1) << c.MaxLevel
}

// Validate checks that the configuration can host a self-describing heap.
func (c Config) Validate() error {
	switch {
	case c.MinLevel < MIN_LEVEL:
		// a free block must hold its own list node
		return errors.Newf("kmem: MinLevel %d below %d", c.MinLevel, MIN_LEVEL)
	case c.MaxLevel < arch.PAGE_SHIFT:
		return errors.Newf("kmem: MaxLevel %d below page size level %d", c.MaxLevel, arch.PAGE_SHIFT)
	case c.MaxLevel > maxSupportedLevel:
		return errors.Newf("kmem: MaxLevel %d above %d", c.MaxLevel, maxSupportedLevel)
	case c.MaxLevel-c.MinLevel < 2:
		return errors.Newf("kmem: need at least 3 levels, got [%d, %d]", c.MinLevel, c.MaxLevel)
	case c.Base&(arch.PAGE_SIZE-1) != 0:
		return errors.Newf("kmem: Base 0x%x is not page aligned", c.Base)
	}
	return nil
}
