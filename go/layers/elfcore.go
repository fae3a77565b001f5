package layers

import (
	"bytes"
	"debug/elf"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

var elfMagic = []byte{0x7f, 0x45, 0x4c, 0x46}

func MatchElf(base models.Layer) bool {
	return bytes.Equal(getMagic(base), elfMagic)
}

func getMagic(base models.Layer) []byte {
	p, err := base.Read(0, 4, false)
	if err != nil {
		return nil
	}
	return p
}

// NewElfCoreLayer maps the PT_LOAD segments of an ELF core dump (as written by
// QEMU, VirtualBox or kdump) by physical address. If no segment carries a physical
// address, virtual addresses are used instead.
func NewElfCoreLayer(name string, base models.Layer) (*SegmentedLayer, error) {
	r := &models.LayerReaderAt{L: base, Size: base.MaxAddr() + 1}
	file, err := elf.NewFile(r)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse ELF core")
	}
	if file.Type != elf.ET_CORE {
		return nil, errors.Errorf("ELF type %s is not a core dump", file.Type)
	}
	usePaddr := false
	for _, prog := range file.Progs {
		if prog.Type == elf.PT_LOAD && prog.Paddr != 0 {
			usePaddr = true
			break
		}
	}
	var segs Segments
	for _, prog := range file.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		addr := prog.Vaddr
		if usePaddr {
			addr = prog.Paddr
		}
		segs = append(segs, &Segment{Offset: addr, MappedOffset: prog.Off, Length: prog.Filesz})
	}
	if len(segs) == 0 {
		return nil, errors.New("ELF core has no loadable segments")
	}
	return NewSegmentedLayer(name, base, segs)
}
