package layers

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

const (
	PAGE_SIZE  = 0x1000
	PAGE_SHIFT = 12

	PTE_PRESENT = 1 << 0
	PTE_RW      = 1 << 1
	PTE_USER    = 1 << 2
	PTE_PS      = 1 << 7
	PTE_NX      = 1 << 63

	tlbSize = 4096
)

type level struct {
	name  string
	shift uint
	bits  uint
	// large entries (PS bit set) terminate the walk at this level
	large bool
}

func (l level) span() uint64 { return 1 << l.shift }

type paging struct {
	kind      string
	vbits     uint
	ptrSize   int
	entrySize uint64
	physMask  uint64
	dtbMask   uint64
	levels    []level
}

var pagingKinds = map[string]*paging{
	"intel": {
		kind: "intel", vbits: 32, ptrSize: 4, entrySize: 4,
		physMask: 0xfffff000, dtbMask: 0xfffff000,
		levels: []level{
			{"page directory", 22, 10, true},
			{"page table", 12, 10, false},
		},
	},
	"pae": {
		kind: "pae", vbits: 32, ptrSize: 4, entrySize: 8,
		physMask: 0x000ffffffffff000, dtbMask: 0xffffffe0,
		levels: []level{
			{"page directory pointer table", 30, 2, false},
			{"page directory", 21, 9, true},
			{"page table", 12, 9, false},
		},
	},
	"intel32e": {
		kind: "intel32e", vbits: 48, ptrSize: 8, entrySize: 8,
		physMask: 0x000ffffffffff000, dtbMask: 0x000ffffffffff000,
		levels: []level{
			{"page map level 4", 39, 9, false},
			{"page directory pointer table", 30, 9, true},
			{"page directory", 21, 9, true},
			{"page table", 12, 9, false},
		},
	},
	"la57": {
		kind: "la57", vbits: 57, ptrSize: 8, entrySize: 8,
		physMask: 0x000ffffffffff000, dtbMask: 0x000ffffffffff000,
		levels: []level{
			{"page map level 5", 48, 9, false},
			{"page map level 4", 39, 9, false},
			{"page directory pointer table", 30, 9, true},
			{"page directory", 21, 9, true},
			{"page table", 12, 9, false},
		},
	},
}

// IntelKinds lists the supported paging modes, smallest first.
func IntelKinds() []string {
	kinds := make([]string, 0, len(pagingKinds))
	for k := range pagingKinds {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool {
		a, b := pagingKinds[kinds[i]], pagingKinds[kinds[j]]
		if a.vbits != b.vbits {
			return a.vbits < b.vbits
		}
		return a.entrySize < b.entrySize
	})
	return kinds
}

type tlbEntry struct {
	paddr    uint64
	pageSize uint64
}

// IntelLayer translates virtual addresses through x86 page tables held in base.
type IntelLayer struct {
	name string
	base models.Layer
	dtb  uint64
	p    *paging

	mu  sync.Mutex
	tlb map[uint64]tlbEntry
}

func NewIntelLayer(kind, name string, base models.Layer, dtb uint64) (*IntelLayer, error) {
	p, ok := pagingKinds[kind]
	if !ok {
		return nil, errors.Errorf("unknown paging mode %q", kind)
	}
	dtb &= p.dtbMask
	if !base.IsValid(dtb, p.entrySize) {
		return nil, errors.Errorf("dtb %#x is outside %s", dtb, base.Name())
	}
	return &IntelLayer{name: name, base: base, dtb: dtb, p: p, tlb: make(map[uint64]tlbEntry)}, nil
}

func (l *IntelLayer) Name() string           { return l.name }
func (l *IntelLayer) Dependencies() []string { return []string{l.base.Name()} }
func (l *IntelLayer) DTB() uint64            { return l.dtb }
func (l *IntelLayer) Kind() string           { return l.p.kind }
func (l *IntelLayer) PointerSize() int       { return l.p.ptrSize }
func (l *IntelLayer) Base() models.Layer     { return l.base }
func (l *IntelLayer) MinAddr() uint64        { return 0 }

func (l *IntelLayer) MaxAddr() uint64 {
	if l.p.vbits == 32 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// canonical checks sign extension of the top implemented bit and returns the next
// canonical address when addr falls into the hole.
func (l *IntelLayer) canonical(addr uint64) (bool, uint64) {
	if l.p.vbits == 32 {
		return addr <= 0xffffffff, 0
	}
	top := addr >> (l.p.vbits - 1)
	if top == 0 || top == (1<<(65-l.p.vbits))-1 {
		return true, 0
	}
	return false, ^uint64(0) << (l.p.vbits - 1)
}

func (l *IntelLayer) fault(addr uint64, enum, lvl int, entry uint64) error {
	return &models.PagedInvalidAddressError{
		InvalidAddressError: models.InvalidAddressError{Layer: l.name, Addr: addr, Size: 1, Enum: enum},
		Level:               lvl,
		Entry:               entry,
	}
}

// Translate returns the physical address of addr and the size of the page holding it.
func (l *IntelLayer) Translate(addr uint64) (uint64, uint64, error) {
	paddr, size, _, err := l.translate(addr)
	return paddr, size, err
}

// translate also returns, on failure, how many bytes starting at the containing
// aligned span can be skipped because the failing entry covers them.
func (l *IntelLayer) translate(addr uint64) (paddr, pageSize, skip uint64, err error) {
	page := addr &^ (PAGE_SIZE - 1)
	l.mu.Lock()
	if e, ok := l.tlb[page]; ok {
		l.mu.Unlock()
		return e.paddr + (addr & (e.pageSize - 1)), e.pageSize, 0, nil
	}
	l.mu.Unlock()

	if ok, next := l.canonical(addr); !ok {
		if next == 0 || next <= addr {
			return 0, 0, 0, l.fault(addr, models.ADDR_OUT_OF_BOUNDS, len(l.p.levels), 0)
		}
		return 0, 0, next - addr, l.fault(addr, models.ADDR_OUT_OF_BOUNDS, len(l.p.levels), 0)
	}
	table := l.dtb
	order := binary.LittleEndian
	last := len(l.p.levels) - 1
	for i, lv := range l.p.levels {
		idx := (addr >> lv.shift) & (1<<lv.bits - 1)
		entryAddr := table + idx*l.p.entrySize
		entry, rerr := models.ReadUint(l.base, entryAddr, int(l.p.entrySize), order)
		depth := last - i
		if rerr != nil {
			return 0, 0, lv.span() - (addr & (lv.span() - 1)), l.fault(addr, models.ADDR_BAD_ENTRY, depth, entryAddr)
		}
		if entry&PTE_PRESENT == 0 {
			enum := models.ADDR_NOT_PRESENT
			if i == last && entry != 0 {
				enum = models.ADDR_SWAPPED
			}
			return 0, 0, lv.span() - (addr & (lv.span() - 1)), l.fault(addr, enum, depth, entry)
		}
		if (lv.large && entry&PTE_PS != 0) || i == last {
			pageSize = lv.span()
			frame := entry & l.p.physMask &^ (pageSize - 1)
			l.mu.Lock()
			if len(l.tlb) >= tlbSize {
				l.tlb = make(map[uint64]tlbEntry)
			}
			l.tlb[page] = tlbEntry{paddr: frame, pageSize: pageSize}
			l.mu.Unlock()
			return frame | (addr & (pageSize - 1)), pageSize, 0, nil
		}
		table = entry & l.p.physMask
	}
	return 0, 0, 0, errors.New("unreachable")
}

func (l *IntelLayer) Mapping(addr, size uint64, ignoreErrors bool) ([]models.Mapping, error) {
	var out []models.Mapping
	pos, remain := addr, size
	for remain > 0 {
		paddr, pageSize, skip, err := l.translate(pos)
		if err != nil {
			if !ignoreErrors {
				return nil, err
			}
			if skip == 0 || skip >= remain {
				break
			}
			pos += skip
			remain -= skip
			continue
		}
		chunk := pageSize - (pos & (pageSize - 1))
		if chunk > remain {
			chunk = remain
		}
		out = append(out, models.Mapping{
			Offset:       pos,
			Size:         chunk,
			MappedOffset: paddr,
			MappedSize:   chunk,
			Layer:        l.base.Name(),
		})
		pos += chunk
		remain -= chunk
	}
	return out, nil
}

func (l *IntelLayer) IsValid(addr, size uint64) bool {
	if size == 0 {
		return true
	}
	maps, err := l.Mapping(addr, size, false)
	if err != nil {
		return false
	}
	for _, m := range maps {
		if !l.base.IsValid(m.MappedOffset, m.MappedSize) {
			return false
		}
	}
	return true
}

func (l *IntelLayer) Read(addr, size uint64, pad bool) ([]byte, error) {
	return mappedRead(l, l.base, addr, size, pad)
}

// Entries enumerates the present leaf pages under this DTB in address order, calling fn
// with the virtual base, physical base, page size and raw entry. It walks whole tables
// instead of translating page by page, which makes it suitable for scanning address
// spaces that are mostly empty.
func (l *IntelLayer) Entries(fn func(vaddr, paddr, size, entry uint64) error) error {
	return l.walk(l.dtb, 0, 0, fn)
}

func (l *IntelLayer) walk(table uint64, depth int, prefix uint64, fn func(vaddr, paddr, size, entry uint64) error) error {
	lv := l.p.levels[depth]
	count := uint64(1) << lv.bits
	raw, err := l.base.Read(table, count*l.p.entrySize, true)
	if err != nil {
		return err
	}
	last := len(l.p.levels) - 1
	for idx := uint64(0); idx < count; idx++ {
		var entry uint64
		if l.p.entrySize == 8 {
			entry = binary.LittleEndian.Uint64(raw[idx*8:])
		} else {
			entry = uint64(binary.LittleEndian.Uint32(raw[idx*4:]))
		}
		if entry&PTE_PRESENT == 0 {
			continue
		}
		vaddr := prefix | idx<<lv.shift
		if depth == 0 && l.p.vbits > 32 && vaddr>>(l.p.vbits-1) != 0 {
			// sign extend the upper half
			vaddr |= ^uint64(0) << (l.p.vbits - 1)
		}
		if (lv.large && entry&PTE_PS != 0) || depth == last {
			size := lv.span()
			if err := fn(vaddr, entry&l.p.physMask&^(size-1), size, entry); err != nil {
				return err
			}
			continue
		}
		if err := l.walk(entry&l.p.physMask, depth+1, vaddr, fn); err != nil {
			return err
		}
	}
	return nil
}
