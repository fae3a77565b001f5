package models

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// LayerReader is a sequential io.Reader over a layer starting at Addr.
type LayerReader struct {
	L    Layer
	Addr uint64
	Pad  bool
}

func (m *LayerReader) Read(p []byte) (int, error) {
	data, err := m.L.Read(m.Addr, uint64(len(p)), m.Pad)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	m.Addr += uint64(n)
	return n, nil
}

// LayerReaderAt exposes a window of a layer as an io.ReaderAt, with offset 0 at Base.
// Reads past Size return io.EOF so stdlib parsers (debug/pe, debug/elf) can use it.
type LayerReaderAt struct {
	L    Layer
	Base uint64
	Size uint64
	Pad  bool
}

func (m *LayerReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if uint64(off) >= m.Size {
		return 0, io.EOF
	}
	want := uint64(len(p))
	short := false
	if uint64(off)+want > m.Size {
		want = m.Size - uint64(off)
		short = true
	}
	data, err := m.L.Read(m.Base+uint64(off), want, m.Pad)
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if short {
		return n, io.EOF
	}
	return n, nil
}

func ReadUint(l Layer, addr uint64, size int, order binary.ByteOrder) (uint64, error) {
	if size > 8 {
		return 0, errors.Errorf("ReadUint size too large: %d > 8", size)
	}
	p, err := l.Read(addr, uint64(size), false)
	if err != nil {
		return 0, err
	}
	return UnpackUint(order, size, p)
}

func UnpackUint(order binary.ByteOrder, size int, p []byte) (uint64, error) {
	if len(p) < size {
		return 0, errors.Errorf("short buffer: %d < %d", len(p), size)
	}
	switch size {
	case 1:
		return uint64(p[0]), nil
	case 2:
		return uint64(order.Uint16(p)), nil
	case 4:
		return uint64(order.Uint32(p)), nil
	case 8:
		return order.Uint64(p), nil
	}
	return 0, errors.Errorf("unsupported int size: %d", size)
}

// ReadCString reads a NUL-terminated string of at most max bytes.
func ReadCString(l Layer, addr uint64, max int) (string, error) {
	p, err := l.Read(addr, uint64(max), true)
	if err != nil {
		return "", err
	}
	if !l.IsValid(addr, 1) {
		return "", &InvalidAddressError{Layer: l.Name(), Addr: addr, Size: 1, Enum: ADDR_NOT_PRESENT}
	}
	if i := bytes.IndexByte(p, 0); i >= 0 {
		p = p[:i]
	}
	return string(p), nil
}
