package linux

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
)

const (
	IDT_ENTRIES  = 256
	KERNEL_OWNER = "__kernel__"
)

func init() {
	plugins.Register("linux.check_idt.Check_idt", "check interrupt descriptor table handlers", func() plugins.Plugin { return &CheckIDT{} })
}

// gate64 is an x86-64 interrupt gate.
type gate64 struct {
	OffsetLow    uint16
	Segment      uint16
	Bits         uint16
	OffsetMiddle uint16
	OffsetHigh   uint32
	Reserved     uint32
}

// gate32 is an i386 interrupt gate.
type gate32 struct {
	OffsetLow    uint16
	Segment      uint16
	Bits         uint16
	OffsetMiddle uint16
}

func gateSize(ptrSize int) int {
	if ptrSize == 4 {
		return 8
	}
	return 16
}

// DecodeGate returns the handler address of a raw IDT entry.
func DecodeGate(p []byte, ptrSize int) (uint64, error) {
	r := bytes.NewReader(p)
	order := binary.LittleEndian
	if ptrSize == 4 {
		var g gate32
		if err := struc.UnpackWithOrder(r, &g, order); err != nil {
			return 0, errors.Wrap(err, "bad gate")
		}
		return uint64(g.OffsetLow) | uint64(g.OffsetMiddle)<<16, nil
	}
	var g gate64
	if err := struc.UnpackWithOrder(r, &g, order); err != nil {
		return 0, errors.Wrap(err, "bad gate")
	}
	return uint64(g.OffsetLow) | uint64(g.OffsetMiddle)<<16 | uint64(g.OffsetHigh)<<32, nil
}

type CheckIDT struct{}

func (*CheckIDT) Name() string                       { return "linux.check_idt.Check_idt" }
func (*CheckIDT) Requirements() plugins.Requirements { return requirements }
func (*CheckIDT) Flags(fs *flag.FlagSet)             {}

// Owner names what contains addr: the kernel image, a module, or UNKNOWN.
type Owner struct {
	textStart, textEnd uint64
	mods               []*Module
}

func NewOwner(c *plugins.Context) (*Owner, error) {
	start, err := c.Table.Symbol("_text")
	if err != nil {
		return nil, err
	}
	end, err := c.Table.Symbol("_etext")
	if err != nil {
		return nil, err
	}
	mods, err := ListModules(c)
	if err != nil {
		return nil, err
	}
	return &Owner{textStart: start.Address, textEnd: end.Address, mods: mods}, nil
}

func (o *Owner) Lookup(addr uint64) string {
	if addr >= o.textStart && addr < o.textEnd {
		return KERNEL_OWNER
	}
	for _, m := range o.mods {
		if m.Contains(addr) {
			return m.Name
		}
	}
	return UNKNOWN
}

func (*CheckIDT) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	kernel, err := c.KernelLayer()
	if err != nil {
		return nil, err
	}
	owner, err := NewOwner(c)
	if err != nil {
		return nil, err
	}
	table, err := c.Table.Symbol("idt_table")
	if err != nil {
		return nil, err
	}
	size := gateSize(c.Table.PointerSize())
	raw, err := kernel.Read(table.Address, uint64(IDT_ENTRIES*size), false)
	if err != nil {
		return nil, errors.Wrap(err, "idt_table unreadable")
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "Index", Kind: models.COL_HEX},
		models.Column{Name: "Address", Kind: models.COL_HEX},
		models.Column{Name: "Module", Kind: models.COL_STR},
		models.Column{Name: "Symbol", Kind: models.COL_STR},
	)
	for i := 0; i < IDT_ENTRIES; i++ {
		addr, err := DecodeGate(raw[i*size:(i+1)*size], c.Table.PointerSize())
		if err != nil {
			return nil, err
		}
		grid.MustAdd(nil, models.Hex(i), models.Hex(addr), owner.Lookup(addr), symbolName(c.Table, addr))
	}
	return grid, nil
}
