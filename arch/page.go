package arch

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"

	"mazarin/bitfield"
)

// Memory management constants
const (
	PAGE_SHIFT = 12              // log2(PAGE_SIZE)
	PAGE_SIZE  = 1 << PAGE_SHIFT // 4KB page size

	// PHYS_FRAME_BASE is the physical address of the first frame in a pool.
	// Keeping it non-zero lets Translate use 0 for "not mapped".
	PHYS_FRAME_BASE = 0x50000000
)

var (
	ErrBadFrame    = errors.New("arch: address is not a frame of this pool")
	ErrFrameFree   = errors.New("arch: frame is already free")
	errEmptyFrames = errors.New("arch: frame pool needs at least one page")
)

// Page is the metadata for each 4KB physical frame.
type Page struct {
	vaddrMapped uintptr // Virtual address this frame currently backs
	flags       uint32  // Packed bitfield.PageFlags
	next        *Page   // Next page in free list (or nil)
	prev        *Page   // Previous page in free list (or nil)
}

// FramePool hands out physical frames from an anonymous mapping. The frames
// are the only real memory behind an address space; virtual pages reach them
// through the page tables in Space.
type FramePool struct {
	mem       []byte
	pages     []Page
	freePages *Page
	inUse     int
}

// NewFramePool maps numPages frames of backing memory.
func NewFramePool(numPages int) (*FramePool, error) {
	if numPages <= 0 {
		return nil, errEmptyFrames
	}
	mem, err := unix.Mmap(-1, 0, numPages*PAGE_SIZE,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, errors.Wrapf(err, "arch: mmap %d frames", numPages)
	}

	p := &FramePool{
		mem:   mem,
		pages: make([]Page, numPages),
	}

	// Push in reverse so frames come out in ascending order.
	free, _ := bitfield.PackPageFlags(bitfield.PageFlags{})
	for i := numPages - 1; i >= 0; i-- {
		page := &p.pages[i]
		page.flags = free
		p.push(page)
	}
	return p, nil
}

func (p *FramePool) push(page *Page) {
	page.next = p.freePages
	page.prev = nil
	if p.freePages != nil {
		p.freePages.prev = page
	}
	p.freePages = page
}

func (p *FramePool) index(phys uintptr) (int, error) {
	if phys < PHYS_FRAME_BASE || phys&(PAGE_SIZE-1) != 0 {
		return 0, errors.Wrapf(ErrBadFrame, "phys 0x%x", phys)
	}
	i := int((phys - PHYS_FRAME_BASE) >> PAGE_SHIFT)
	if i >= len(p.pages) {
		return 0, errors.Wrapf(ErrBadFrame, "phys 0x%x", phys)
	}
	return i, nil
}

// AllocPage takes a frame off the free list and zeroes it.
// ok is false when the pool is exhausted.
func (p *FramePool) AllocPage(va uintptr) (phys uintptr, ok bool) {
	page := p.freePages
	if page == nil {
		return 0, false
	}
	p.freePages = page.next
	if p.freePages != nil {
		p.freePages.prev = nil
	}
	page.next = nil

	flags := bitfield.UnpackPageFlags(page.flags)
	flags.Allocated = true
	flags.KernelPage = true
	page.flags, _ = bitfield.PackPageFlags(flags)
	page.vaddrMapped = va
	p.inUse++

	i := p.pageIndex(page)
	phys = PHYS_FRAME_BASE + uintptr(i)<<PAGE_SHIFT

	// Zero out the frame (prevent data leakage between owners)
	clear(p.mem[i*PAGE_SIZE : (i+1)*PAGE_SIZE])
	return phys, true
}

// pageIndex recovers a frame number from its metadata entry.
func (p *FramePool) pageIndex(page *Page) int {
	base := uintptr(unsafe.Pointer(&p.pages[0]))
	return int((uintptr(unsafe.Pointer(page)) - base) / unsafe.Sizeof(Page{}))
}

// FreePage returns a frame previously handed out by AllocPage.
func (p *FramePool) FreePage(phys uintptr) error {
	i, err := p.index(phys)
	if err != nil {
		return err
	}
	page := &p.pages[i]
	flags := bitfield.UnpackPageFlags(page.flags)
	if !flags.Allocated {
		return errors.Wrapf(ErrFrameFree, "phys 0x%x", phys)
	}
	flags.Allocated = false
	flags.KernelPage = false
	page.flags, _ = bitfield.PackPageFlags(flags)
	page.vaddrMapped = 0
	p.push(page)
	p.inUse--
	return nil
}

// Frame returns the bytes of the frame at phys.
func (p *FramePool) Frame(phys uintptr) []byte {
	i, err := p.index(phys)
	if err != nil {
		panic(err)
	}
	return p.mem[i*PAGE_SIZE : (i+1)*PAGE_SIZE : (i+1)*PAGE_SIZE]
}

// Owner returns the virtual address a frame backs, or 0 when it is free.
func (p *FramePool) Owner(phys uintptr) uintptr {
	i, err := p.index(phys)
	if err != nil {
		return 0
	}
	return p.pages[i].vaddrMapped
}

// InUse is the number of frames currently handed out.
func (p *FramePool) InUse() int { return p.inUse }

// Total is the size of the pool in frames.
func (p *FramePool) Total() int { return len(p.pages) }

// Close releases the backing memory. The pool must not be used afterwards.
func (p *FramePool) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return errors.Wrap(err, "arch: munmap frame pool")
}
