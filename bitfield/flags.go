package bitfield

// PageFlags represents the flags for a physical page.
// Fields are packed into a 32-bit word using bitfield tags.
type PageFlags struct {
	// Allocated indicates if the page is currently handed out
	Allocated bool `bitfield:",1"`

	// KernelPage indicates the page backs kernel heap memory
	KernelPage bool `bitfield:",1"`

	// Reserved bits for future use (30 bits)
	Reserved uint32 `bitfield:",30"`
}

// PackPageFlags packs f into its 32-bit representation.
func PackPageFlags(f PageFlags) (uint32, error) {
	packed, err := Pack(f, &Config{NumBits: 32})
	return uint32(packed), err
}

// UnpackPageFlags decodes a word produced by PackPageFlags.
func UnpackPageFlags(packed uint32) PageFlags {
	var f PageFlags
	_ = Unpack(uint64(packed), &f)
	return f
}

// PTE is a leaf page table entry.
type PTE struct {
	// Valid means the virtual page is backed by Frame
	Valid bool `bitfield:",1"`

	// User pages are accessible outside the kernel
	User bool `bitfield:",1"`

	// FileBacked pages were filled from a file region on fault
	FileBacked bool `bitfield:",1"`

	// Reserved keeps Frame aligned with the page offset bits
	Reserved uint16 `bitfield:",9"`

	// Frame is the physical page number
	Frame uint64 `bitfield:",52"`
}

// PackPTE packs e into a 64-bit page table entry.
func PackPTE(e PTE) (uint64, error) {
	return Pack(e, &Config{NumBits: 64})
}

// UnpackPTE decodes a word produced by PackPTE.
func UnpackPTE(packed uint64) PTE {
	var e PTE
	_ = Unpack(packed, &e)
	return e
}
