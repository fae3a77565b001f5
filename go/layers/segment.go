package layers

import (
	"fmt"
	"sort"
	"strings"
)

// Segment maps Offset:Offset+Length of a layer onto MappedOffset in its base.
type Segment struct {
	Offset       uint64
	MappedOffset uint64
	Length       uint64
}

func (s *Segment) String() string {
	return fmt.Sprintf("0x%x-0x%x @ 0x%x", s.Offset, s.Offset+s.Length, s.MappedOffset)
}

func (s *Segment) Contains(addr uint64) bool {
	return addr >= s.Offset && addr < s.Offset+s.Length
}

func (s *Segment) End() uint64 {
	return s.Offset + s.Length
}

// start = max(s1, s2), end = min(e1, e2), ok = end > start
func (s *Segment) Intersect(addr, size uint64) (uint64, uint64, bool) {
	start := s.Offset
	end := s.Offset + s.Length
	e2 := addr + size
	if end > e2 {
		end = e2
	}
	if start < addr {
		start = addr
	}
	return start, end - start, end > start
}

func (s *Segment) Overlaps(addr, size uint64) bool {
	_, _, ok := s.Intersect(addr, size)
	return ok
}

type Segments []*Segment

func (s Segments) Len() int           { return len(s) }
func (s Segments) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s Segments) Less(i, j int) bool { return s[i].Offset < s[j].Offset }

func (s Segments) String() string {
	out := make([]string, len(s))
	for i, v := range s {
		out[i] = v.String()
	}
	return strings.Join(out, "\n")
}

// binary search to find index of the segment containing addr, if any, else -1
func (s Segments) bsearch(addr uint64) int {
	l := 0
	r := len(s) - 1
	for l <= r {
		mid := (l + r) / 2
		e := s[mid]
		if addr >= e.Offset {
			if addr < e.Offset+e.Length {
				return mid
			}
			l = mid + 1
		} else {
			r = mid - 1
		}
	}
	return -1
}

// index of the first segment ending after addr, len(s) if none
func (s Segments) after(addr uint64) int {
	return sort.Search(len(s), func(i int) bool { return s[i].End() > addr })
}

func (s Segments) Find(addr uint64) *Segment {
	if i := s.bsearch(addr); i >= 0 {
		return s[i]
	}
	return nil
}

// FindRange returns every segment overlapping addr:addr+size.
func (s Segments) FindRange(addr, size uint64) Segments {
	var out Segments
	for _, seg := range s[s.after(addr):] {
		if seg.Offset >= addr+size {
			break
		}
		out = append(out, seg)
	}
	return out
}
