package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Layer is a readable address space. Physical layers sit on top of a file,
// translation layers sit on top of another layer.
type Layer interface {
	Name() string
	MinAddr() uint64
	MaxAddr() uint64
	// IsValid reports whether every byte in addr:addr+size can be read.
	IsValid(addr, size uint64) bool
	// Read returns exactly size bytes or an error.
	// If pad is set, unreadable bytes are returned as zero instead of failing.
	Read(addr, size uint64, pad bool) ([]byte, error)
	// Mapping returns the valid chunks of addr:addr+size in address order.
	// If ignoreErrors is false, the first invalid byte fails the whole call.
	Mapping(addr, size uint64, ignoreErrors bool) ([]Mapping, error)
	// Dependencies lists the names of the layers this one reads from.
	Dependencies() []string
}

// Mapping describes one contiguous chunk of a layer and where it lives in the
// layer below.
type Mapping struct {
	Offset       uint64
	Size         uint64
	MappedOffset uint64
	MappedSize   uint64
	Layer        string
}

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x -> %s:%#x", m.Offset, m.Offset+m.Size, m.Layer, m.MappedOffset)
}

func (m Mapping) Contains(addr uint64) bool {
	return addr >= m.Offset && addr-m.Offset < m.Size
}

// LayerSet is the named stack of layers built for one memory image.
type LayerSet struct {
	layers map[string]Layer
	order  []string
}

func NewLayerSet() *LayerSet {
	return &LayerSet{layers: make(map[string]Layer)}
}

func (s *LayerSet) Add(l Layer) error {
	if _, ok := s.layers[l.Name()]; ok {
		return errors.Errorf("duplicate layer name %q", l.Name())
	}
	for _, dep := range l.Dependencies() {
		if _, ok := s.layers[dep]; !ok {
			return errors.Errorf("layer %q depends on missing layer %q", l.Name(), dep)
		}
	}
	s.layers[l.Name()] = l
	s.order = append(s.order, l.Name())
	return nil
}

func (s *LayerSet) Get(name string) (Layer, bool) {
	l, ok := s.layers[name]
	return l, ok
}

func (s *LayerSet) MustGet(name string) (Layer, error) {
	if l, ok := s.layers[name]; ok {
		return l, nil
	}
	return nil, errors.Errorf("no layer named %q", name)
}

// Remove drops a layer unless another layer still depends on it.
func (s *LayerSet) Remove(name string) error {
	for _, other := range s.layers {
		for _, dep := range other.Dependencies() {
			if dep == name {
				return errors.Errorf("layer %q is still used by %q", name, other.Name())
			}
		}
	}
	delete(s.layers, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// Names returns the layer names in the order they were added.
func (s *LayerSet) Names() []string {
	return append([]string(nil), s.order...)
}

// Free returns prefix if unused, otherwise prefix with the lowest free numeric suffix.
func (s *LayerSet) Free(prefix string) string {
	if _, ok := s.layers[prefix]; !ok {
		return prefix
	}
	for i := 1; ; i++ {
		name := fmt.Sprintf("%s_%d", prefix, i)
		if _, ok := s.layers[name]; !ok {
			return name
		}
	}
}

// Stack renders the dependency chain of a layer, top first.
func (s *LayerSet) Stack(name string) string {
	var chain []string
	seen := make(map[string]bool)
	for name != "" && !seen[name] {
		seen[name] = true
		chain = append(chain, name)
		l, ok := s.layers[name]
		if !ok {
			break
		}
		deps := append([]string(nil), l.Dependencies()...)
		sort.Strings(deps)
		name = ""
		if len(deps) > 0 {
			name = deps[0]
		}
	}
	return strings.Join(chain, " -> ")
}
