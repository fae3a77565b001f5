package layers

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

// SegmentedLayer is a sparse physical address space made of segments
// of a base layer, as produced by LiME and ELF core containers.
type SegmentedLayer struct {
	name string
	base models.Layer
	segs Segments
}

// NewSegmentedLayer sorts segs and rejects overlapping segments or segments
// that are not fully backed by base. Empty segments are dropped.
func NewSegmentedLayer(name string, base models.Layer, segs Segments) (*SegmentedLayer, error) {
	var keep Segments
	for _, s := range segs {
		if s.Length == 0 {
			continue
		}
		if s.Offset+s.Length < s.Offset {
			return nil, errors.Errorf("segment %v wraps the address space", s)
		}
		if !base.IsValid(s.MappedOffset, s.Length) {
			return nil, errors.Errorf("segment %v is not backed by %s", s, base.Name())
		}
		keep = append(keep, s)
	}
	sort.Sort(keep)
	for i := 1; i < len(keep); i++ {
		if keep[i].Offset < keep[i-1].End() {
			return nil, errors.Errorf("segment %v overlaps %v", keep[i], keep[i-1])
		}
	}
	return &SegmentedLayer{name: name, base: base, segs: keep}, nil
}

func (m *SegmentedLayer) Name() string           { return m.name }
func (m *SegmentedLayer) Dependencies() []string { return []string{m.base.Name()} }
func (m *SegmentedLayer) Segments() Segments     { return m.segs }

func (m *SegmentedLayer) MinAddr() uint64 {
	if len(m.segs) == 0 {
		return 0
	}
	return m.segs[0].Offset
}

func (m *SegmentedLayer) MaxAddr() uint64 {
	if len(m.segs) == 0 {
		return 0
	}
	return m.segs[len(m.segs)-1].End() - 1
}

// Checks whether the address range is fully covered by segments.
func (m *SegmentedLayer) IsValid(addr, size uint64) bool {
	_, err := m.Mapping(addr, size, false)
	return err == nil
}

func (m *SegmentedLayer) Mapping(addr, size uint64, ignoreErrors bool) ([]models.Mapping, error) {
	var out []models.Mapping
	if size == 0 {
		return nil, nil
	}
	end := addr + size
	if end < addr {
		return nil, &models.InvalidAddressError{Layer: m.name, Addr: addr, Size: int(size), Enum: models.ADDR_OUT_OF_BOUNDS}
	}
	pos := addr
	for _, s := range m.segs.FindRange(addr, size) {
		if s.Offset > pos && !ignoreErrors {
			return nil, &models.InvalidAddressError{Layer: m.name, Addr: pos, Size: int(s.Offset - pos), Enum: models.ADDR_OUT_OF_BOUNDS}
		}
		start, length, _ := s.Intersect(addr, size)
		out = append(out, models.Mapping{
			Offset:       start,
			Size:         length,
			MappedOffset: s.MappedOffset + (start - s.Offset),
			MappedSize:   length,
			Layer:        m.base.Name(),
		})
		pos = start + length
	}
	if pos < end && !ignoreErrors {
		return nil, &models.InvalidAddressError{Layer: m.name, Addr: pos, Size: int(end - pos), Enum: models.ADDR_OUT_OF_BOUNDS}
	}
	return out, nil
}

func (m *SegmentedLayer) Read(addr, size uint64, pad bool) ([]byte, error) {
	return mappedRead(m, m.base, addr, size, pad)
}

type mapper interface {
	Mapping(addr, size uint64, ignoreErrors bool) ([]models.Mapping, error)
}

// mappedRead assembles addr:addr+size from the chunks l maps onto base.
// With pad set, gaps between chunks stay zero.
func mappedRead(l mapper, base models.Layer, addr, size uint64, pad bool) ([]byte, error) {
	maps, err := l.Mapping(addr, size, pad)
	if err != nil {
		return nil, err
	}
	p := make([]byte, size)
	for _, mm := range maps {
		data, err := base.Read(mm.MappedOffset, mm.MappedSize, pad)
		if err != nil {
			return nil, err
		}
		copy(p[mm.Offset-addr:], data)
	}
	return p, nil
}
