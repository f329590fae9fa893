package arch

import (
	"io"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	ErrUnrecoverableFault = errors.New("arch: page fault outside any region")
	ErrOutOfFrames        = errors.New("arch: no physical frame for fault")
)

// Fault handles a page fault at va: it allocates a zeroed frame, fills it
// from the backing file when the region is file-backed, and maps it.
// A fault on a page that is already mapped is a no-op.
func (s *Space) Fault(va uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.faultLocked(va)
	return err
}

func (s *Space) faultLocked(va uintptr) (uintptr, error) {
	pageAddr := pageAlign(va)
	if pte, ok := s.lookup(pageAddr); ok {
		if pageAddr == s.lastFaultVA {
			s.log.Warn("duplicate fault", zap.Uintptr("va", va))
		}
		return frameAddr(pte), nil
	}
	s.faults++
	s.lastFaultVA = pageAddr

	r := s.regionFor(pageAddr)
	if r == nil {
		s.log.Error("fault outside regions", zap.Uintptr("va", va))
		return 0, errors.Wrapf(ErrUnrecoverableFault, "va 0x%x", va)
	}

	st, phys := s.mapLocked(pageAddr, r.User, r.File != nil)
	if st != OK {
		return 0, errors.Wrapf(ErrOutOfFrames, "va 0x%x in %s", va, r.Name)
	}

	if r.File == nil {
		s.zeroFaults++
		return phys, nil
	}

	// Copy the file contents; the frame is already zeroed so a short read
	// at the end of the file leaves the tail of the page zero filled.
	s.fileFaults++
	rel := int64(pageAddr - r.Start)
	n := r.Size - rel
	if n > PAGE_SIZE {
		n = PAGE_SIZE
	}
	if n > 0 {
		frame := s.frames.Frame(phys)
		if _, err := r.File.ReadAt(frame[:n], r.Offset+rel); err != nil && err != io.EOF {
			s.unmapLocked(pageAddr)
			return 0, errors.Wrapf(err, "arch: fill va 0x%x from %s", pageAddr, r.Name)
		}
	}
	s.log.Debug("file fault",
		zap.String("region", r.Name),
		zap.Uintptr("va", pageAddr),
		zap.Int64("bytes", n))
	return phys, nil
}

// Page returns the frame bytes of the page containing va, faulting it in
// first if needed. The slice stays valid until the page is unmapped.
func (s *Space) Page(va uintptr) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pte, ok := s.lookup(pageAlign(va)); ok {
		return s.frames.Frame(frameAddr(pte)), nil
	}
	phys, err := s.faultLocked(va)
	if err != nil {
		return nil, err
	}
	return s.frames.Frame(phys), nil
}

// Read copies len(p) bytes starting at va into p.
func (s *Space) Read(va uintptr, p []byte) error {
	return s.copyPages(va, p, false)
}

// Write copies p into memory starting at va.
func (s *Space) Write(va uintptr, p []byte) error {
	return s.copyPages(va, p, true)
}

func (s *Space) copyPages(va uintptr, p []byte, write bool) error {
	for len(p) > 0 {
		page, err := s.Page(va)
		if err != nil {
			return err
		}
		off := int(va & (PAGE_SIZE - 1))
		var n int
		if write {
			n = copy(page[off:], p)
		} else {
			n = copy(p, page[off:])
		}
		p = p[n:]
		va += uintptr(n)
	}
	return nil
}
