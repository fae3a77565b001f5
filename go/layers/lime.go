package layers

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

const (
	LIME_MAGIC   = 0x4C694D45
	LIME_VERSION = 1
)

// LimeHeader precedes every range in a LiME capture. End is inclusive.
type LimeHeader struct {
	Magic    uint32
	Version  uint32
	Start    uint64
	End      uint64
	Reserved []byte `struc:"[8]byte"`
}

const limeHeaderSize = 32

func MatchLime(base models.Layer) bool {
	magic, err := models.ReadUint(base, 0, 4, binary.LittleEndian)
	return err == nil && magic == LIME_MAGIC
}

func NewLimeLayer(name string, base models.Layer) (*SegmentedLayer, error) {
	var segs Segments
	offset := uint64(0)
	end := base.MaxAddr() + 1
	for offset < end {
		var hdr LimeHeader
		if !base.IsValid(offset, limeHeaderSize) {
			return nil, errors.Errorf("truncated LiME header at %#x", offset)
		}
		if err := models.StrucAt(base, offset, binary.LittleEndian).Unpack(&hdr); err != nil {
			return nil, errors.Wrapf(err, "failed to unpack LiME header at %#x", offset)
		}
		if hdr.Magic != LIME_MAGIC {
			return nil, errors.Errorf("bad LiME magic %#x at %#x", hdr.Magic, offset)
		}
		if hdr.Version != LIME_VERSION {
			return nil, errors.Errorf("unsupported LiME version %d at %#x", hdr.Version, offset)
		}
		if hdr.End < hdr.Start {
			return nil, errors.Errorf("LiME range %#x-%#x is reversed", hdr.Start, hdr.End)
		}
		length := hdr.End - hdr.Start + 1
		if length == 0 || length > end-offset-limeHeaderSize {
			return nil, errors.Errorf("LiME range %#x-%#x at %#x runs past the end of the file", hdr.Start, hdr.End, offset)
		}
		segs = append(segs, &Segment{Offset: hdr.Start, MappedOffset: offset + limeHeaderSize, Length: length})
		offset += limeHeaderSize + length
	}
	if len(segs) == 0 {
		return nil, errors.New("LiME file has no ranges")
	}
	return NewSegmentedLayer(name, base, segs)
}

// WriteLime is used to build LiME fixtures: one header per segment followed by its bytes.
func WriteLime(ranges map[uint64][]byte) ([]byte, error) {
	var out []byte
	for _, start := range sortedKeys(ranges) {
		data := ranges[start]
		if len(data) == 0 {
			continue
		}
		hdr := &LimeHeader{Magic: LIME_MAGIC, Version: LIME_VERSION, Start: start, End: start + uint64(len(data)) - 1, Reserved: make([]byte, 8)}
		var buf bytes.Buffer
		if err := struc.PackWithOrder(&buf, hdr, binary.LittleEndian); err != nil {
			return nil, errors.Wrap(err, "failed to pack LiME header")
		}
		out = append(out, buf.Bytes()...)
		out = append(out, data...)
	}
	return out, nil
}

func sortedKeys(m map[uint64][]byte) []uint64 {
	keys := make([]uint64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
