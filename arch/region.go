package arch

import (
	"io"
	"sort"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

var (
	ErrRegionOverlap = errors.New("arch: region overlaps an existing region")
	ErrRegionAlign   = errors.New("arch: region is not page aligned")
	ErrNoRegion      = errors.New("arch: no region at address")
)

// Region is a range of virtual addresses the fault handler may back on
// demand. Anonymous regions fault in zeroed pages; file-backed regions copy
// Size bytes of File starting at Offset, and zero the rest of the last page.
type Region struct {
	Name  string
	Start uintptr
	End   uintptr // exclusive
	User  bool

	File   io.ReaderAt
	Offset int64
	Size   int64
}

func (r *Region) contains(va uintptr) bool {
	return va >= r.Start && va < r.End
}

// Reserve adds an anonymous demand-zero region.
func (s *Space) Reserve(name string, start, length uintptr, user bool) error {
	return s.addRegion(Region{Name: name, Start: start, End: start + length, User: user})
}

// MapFile adds a region whose pages are filled from f on first access. The
// region spans size bytes rounded up to whole pages.
func (s *Space) MapFile(name string, start uintptr, f io.ReaderAt, offset, size int64, user bool) error {
	if f == nil || size <= 0 {
		return errors.Newf("arch: MapFile %s: need a file and a positive size", name)
	}
	length := (uintptr(size) + PAGE_SIZE - 1) &^ (PAGE_SIZE - 1)
	return s.addRegion(Region{
		Name:   name,
		Start:  start,
		End:    start + length,
		User:   user,
		File:   f,
		Offset: offset,
		Size:   size,
	})
}

func (s *Space) addRegion(r Region) error {
	if r.Start&(PAGE_SIZE-1) != 0 || r.End&(PAGE_SIZE-1) != 0 || r.End <= r.Start {
		return errors.Wrapf(ErrRegionAlign, "%s [0x%x, 0x%x)", r.Name, r.Start, r.End)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regions {
		o := &s.regions[i]
		if r.Start < o.End && o.Start < r.End {
			return errors.Wrapf(ErrRegionOverlap, "%s [0x%x, 0x%x) and %s", r.Name, r.Start, r.End, o.Name)
		}
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Start < s.regions[j].Start })
	s.log.Debug("region added",
		zap.String("name", r.Name),
		zap.Uintptr("start", r.Start),
		zap.Uintptr("end", r.End),
		zap.Bool("file", r.File != nil))
	return nil
}

// RemoveRegion drops the region starting at start and unmaps any of its
// pages that are resident.
func (s *Space) RemoveRegion(start uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.regions {
		r := s.regions[i]
		if r.Start != start {
			continue
		}
		for va := r.Start; va < r.End; va += PAGE_SIZE {
			if _, ok := s.lookup(va); ok {
				s.unmapLocked(va)
			}
		}
		s.regions = append(s.regions[:i], s.regions[i+1:]...)
		return nil
	}
	return errors.Wrapf(ErrNoRegion, "0x%x", start)
}

// Regions returns a copy of the region table.
func (s *Space) Regions() []Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Region(nil), s.regions...)
}

func (s *Space) regionFor(va uintptr) *Region {
	for i := range s.regions {
		if s.regions[i].contains(va) {
			return &s.regions[i]
		}
	}
	return nil
}
