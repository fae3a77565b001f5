package models

import (
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// StrucStream decodes consecutive fixed-layout headers from a layer.
type StrucStream struct {
	r     *LayerReader
	Order binary.ByteOrder
}

func StrucAt(l Layer, addr uint64, order binary.ByteOrder) *StrucStream {
	return &StrucStream{r: &LayerReader{L: l, Addr: addr}, Order: order}
}

func (s *StrucStream) Unpack(i interface{}) error {
	return struc.UnpackWithOrder(s.r, i, s.Order)
}

// Addr is the layer address of the next byte Unpack reads.
func (s *StrucStream) Addr() uint64 {
	return s.r.Addr
}
