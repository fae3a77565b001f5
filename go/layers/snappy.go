package layers

import (
	"bytes"
	"encoding/binary"
	"io"
	"sync"

	"github.com/golang/snappy"
	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

// MSIZ is a random-access snappy container for raw images:
//
//	header | chunk... | index | footer
//
// Each chunk holds ChunkSize bytes of the image compressed as a snappy block.
// All-zero chunks are stored with length 0 and no data.
var MSIZ_MAGIC = "MSIZ"

const (
	MSIZ_VERSION       = 1
	MSIZ_DEFAULT_CHUNK = 0x10000

	msizHeaderSize = 24
	msizFooterSize = 16
	msizEntrySize  = 12
	msizCacheSize  = 16
)

type SnappyHeader struct {
	Magic     string `struc:"[4]byte"`
	Version   uint32
	ChunkSize uint32
	Reserved  uint32
	Size      uint64
}

type SnappyFooter struct {
	IndexOffset uint64
	Count       uint32
	Magic       string `struc:"[4]byte"`
}

type snappyEntry struct {
	Offset uint64
	Length uint32
}

func MatchSnappy(base models.Layer) bool {
	return string(getMagic(base)) == MSIZ_MAGIC
}

type SnappyLayer struct {
	flat
	base   models.Layer
	header SnappyHeader
	index  []snappyEntry

	mu    sync.Mutex
	cache map[int][]byte
	order []int
}

func NewSnappyLayer(name string, base models.Layer) (*SnappyLayer, error) {
	s := &SnappyLayer{base: base, cache: make(map[int][]byte)}
	order := binary.LittleEndian
	if err := models.StrucAt(base, 0, order).Unpack(&s.header); err != nil {
		return nil, errors.Wrap(err, "failed to unpack MSIZ header")
	}
	if s.header.Magic != MSIZ_MAGIC {
		return nil, errors.New("invalid MSIZ magic")
	}
	if s.header.Version != MSIZ_VERSION {
		return nil, errors.Errorf("unsupported MSIZ version %d", s.header.Version)
	}
	if s.header.ChunkSize == 0 {
		return nil, errors.New("MSIZ chunk size is zero")
	}
	end := base.MaxAddr() + 1
	if end < msizHeaderSize+msizFooterSize {
		return nil, errors.New("truncated MSIZ file")
	}
	var footer SnappyFooter
	if err := models.StrucAt(base, end-msizFooterSize, order).Unpack(&footer); err != nil {
		return nil, errors.Wrap(err, "failed to unpack MSIZ footer")
	}
	if footer.Magic != MSIZ_MAGIC {
		return nil, errors.New("invalid MSIZ footer")
	}
	want := (s.header.Size + uint64(s.header.ChunkSize) - 1) / uint64(s.header.ChunkSize)
	if uint64(footer.Count) != want {
		return nil, errors.Errorf("MSIZ index has %d chunks, expected %d", footer.Count, want)
	}
	raw, err := base.Read(footer.IndexOffset, uint64(footer.Count)*msizEntrySize, false)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read MSIZ index")
	}
	r := bytes.NewReader(raw)
	s.index = make([]snappyEntry, footer.Count)
	for i := range s.index {
		if err := struc.UnpackWithOrder(r, &s.index[i], order); err != nil {
			return nil, errors.Wrap(err, "failed to unpack MSIZ index")
		}
		e := s.index[i]
		if e.Length > 0 && !base.IsValid(e.Offset, uint64(e.Length)) {
			return nil, errors.Errorf("MSIZ chunk %d points outside the file", i)
		}
	}
	s.flat = flat{name: name, size: s.header.Size, readAt: s.readAt}
	return s, nil
}

func (s *SnappyLayer) Dependencies() []string { return []string{s.base.Name()} }

func (s *SnappyLayer) chunk(i int) ([]byte, error) {
	s.mu.Lock()
	if p, ok := s.cache[i]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	e := s.index[i]
	var p []byte
	if e.Length == 0 {
		p = make([]byte, s.header.ChunkSize)
	} else {
		comp, err := s.base.Read(e.Offset, uint64(e.Length), false)
		if err != nil {
			return nil, err
		}
		p, err = snappy.Decode(nil, comp)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode MSIZ chunk %d", i)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[i]; !ok {
		if len(s.order) >= msizCacheSize {
			delete(s.cache, s.order[0])
			s.order = s.order[1:]
		}
		s.cache[i] = p
		s.order = append(s.order, i)
	}
	return p, nil
}

func (s *SnappyLayer) readAt(p []byte, off uint64) error {
	cs := uint64(s.header.ChunkSize)
	for len(p) > 0 {
		i := int(off / cs)
		data, err := s.chunk(i)
		if err != nil {
			return err
		}
		o := off % cs
		if o >= uint64(len(data)) {
			return errors.Errorf("MSIZ chunk %d is short", i)
		}
		n := copy(p, data[o:])
		p = p[n:]
		off += uint64(n)
	}
	return nil
}

// WriteSnappy streams l (padded, from address 0 to MaxAddr) into w as MSIZ.
func WriteSnappy(w io.Writer, l models.Layer, chunkSize uint32) error {
	if chunkSize == 0 {
		chunkSize = MSIZ_DEFAULT_CHUNK
	}
	order := binary.LittleEndian
	size := l.MaxAddr() + 1
	header := &SnappyHeader{Magic: MSIZ_MAGIC, Version: MSIZ_VERSION, ChunkSize: chunkSize, Size: size}
	if err := struc.PackWithOrder(w, header, order); err != nil {
		return errors.Wrap(err, "failed to pack MSIZ header")
	}
	pos := uint64(msizHeaderSize)
	var index []snappyEntry
	for off := uint64(0); off < size; off += uint64(chunkSize) {
		n := uint64(chunkSize)
		if off+n > size {
			n = size - off
		}
		data, err := l.Read(off, n, true)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s at %#x", l.Name(), off)
		}
		if uint64(len(data)) < uint64(chunkSize) {
			data = append(data, make([]byte, uint64(chunkSize)-uint64(len(data)))...)
		}
		if isZero(data) {
			index = append(index, snappyEntry{})
			continue
		}
		comp := snappy.Encode(nil, data)
		if _, err := w.Write(comp); err != nil {
			return errors.Wrap(err, "failed to write MSIZ chunk")
		}
		index = append(index, snappyEntry{Offset: pos, Length: uint32(len(comp))})
		pos += uint64(len(comp))
	}
	for i := range index {
		if err := struc.PackWithOrder(w, &index[i], order); err != nil {
			return errors.Wrap(err, "failed to pack MSIZ index")
		}
	}
	footer := &SnappyFooter{IndexOffset: pos, Count: uint32(len(index)), Magic: MSIZ_MAGIC}
	return errors.Wrap(struc.PackWithOrder(w, footer, order), "failed to pack MSIZ footer")
}

func isZero(p []byte) bool {
	for _, b := range p {
		if b != 0 {
			return false
		}
	}
	return true
}
