package layers

import (
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

// flat is a zero-based physical address space backed by readAt.
type flat struct {
	name   string
	size   uint64
	readAt func(p []byte, off uint64) error
}

func (f *flat) Name() string           { return f.name }
func (f *flat) MinAddr() uint64        { return 0 }
func (f *flat) Dependencies() []string { return nil }

func (f *flat) MaxAddr() uint64 {
	if f.size == 0 {
		return 0
	}
	return f.size - 1
}

func (f *flat) IsValid(addr, size uint64) bool {
	end := addr + size
	return end >= addr && end <= f.size
}

func (f *flat) Read(addr, size uint64, pad bool) ([]byte, error) {
	p := make([]byte, size)
	if f.IsValid(addr, size) {
		if err := f.readAt(p, addr); err != nil {
			return nil, err
		}
		return p, nil
	}
	if !pad {
		return nil, &models.InvalidAddressError{Layer: f.name, Addr: addr, Size: int(size), Enum: models.ADDR_OUT_OF_BOUNDS}
	}
	if addr < f.size {
		if err := f.readAt(p[:f.size-addr], addr); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (f *flat) Mapping(addr, size uint64, ignoreErrors bool) ([]models.Mapping, error) {
	if !f.IsValid(addr, size) {
		if !ignoreErrors {
			return nil, &models.InvalidAddressError{Layer: f.name, Addr: addr, Size: int(size), Enum: models.ADDR_OUT_OF_BOUNDS}
		}
		if addr >= f.size {
			return nil, nil
		}
		size = f.size - addr
	}
	if size == 0 {
		return nil, nil
	}
	return []models.Mapping{{Offset: addr, Size: size, MappedOffset: addr, MappedSize: size, Layer: f.name}}, nil
}

type BufferLayer struct {
	flat
	data []byte
}

func NewBufferLayer(name string, data []byte) *BufferLayer {
	b := &BufferLayer{data: data}
	b.flat = flat{name: name, size: uint64(len(data)), readAt: func(p []byte, off uint64) error {
		copy(p, b.data[off:])
		return nil
	}}
	return b
}

// FileLayer reads a raw image from disk.
type FileLayer struct {
	flat
	r io.ReaderAt
	c io.Closer
}

func NewFileLayer(name string, r io.ReaderAt, size uint64) *FileLayer {
	f := &FileLayer{r: r}
	if c, ok := r.(io.Closer); ok {
		f.c = c
	}
	f.flat = flat{name: name, size: size, readAt: func(p []byte, off uint64) error {
		n, err := f.r.ReadAt(p, int64(off))
		if n == len(p) {
			return nil
		}
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "%s: read %#x(%d)", name, off, len(p))
	}}
	return f
}

func OpenFileLayer(name, path string) (*FileLayer, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open image")
	}
	st, err := fd.Stat()
	if err != nil {
		fd.Close()
		return nil, errors.Wrap(err, "failed to stat image")
	}
	if st.IsDir() {
		fd.Close()
		return nil, errors.Errorf("%s is a directory", path)
	}
	return NewFileLayer(name, fd, uint64(st.Size())), nil
}

func (f *FileLayer) Close() error {
	if f.c != nil {
		return f.c.Close()
	}
	return nil
}
