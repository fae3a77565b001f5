package symbols

import (
	"encoding/binary"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

type Symbol struct {
	Name    string
	Address uint64
	Type    *TypeDesc
}

// Table is a loaded symbol table. Shift is added to every symbol address and is
// how KASLR relocations are applied after the kernel has been located.
type Table struct {
	Name  string
	Shift uint64

	isf     *ISF
	order   binary.ByteOrder
	ptrSize int

	once   sync.Once
	byAddr []Symbol
}

func NewTable(name string, isf *ISF) (*Table, error) {
	t := &Table{Name: name, isf: isf, order: binary.LittleEndian}
	ptr, ok := isf.BaseTypes["pointer"]
	if !ok {
		return nil, errors.Errorf("%s: ISF has no pointer base type", name)
	}
	if ptr.Size != 4 && ptr.Size != 8 {
		return nil, errors.Errorf("%s: unsupported pointer size %d", name, ptr.Size)
	}
	t.ptrSize = int(ptr.Size)
	if ptr.Endian == "big" {
		t.order = binary.BigEndian
	}
	return t, nil
}

func (t *Table) ISF() *ISF                   { return t.isf }
func (t *Table) PointerSize() int            { return t.ptrSize }
func (t *Table) ByteOrder() binary.ByteOrder { return t.order }

// OS returns "linux", "mac", "windows" or "" from the ISF metadata.
func (t *Table) OS() string {
	md := t.isf.Metadata
	switch {
	case md.Windows != nil:
		return "windows"
	case md.Mac != nil:
		return "mac"
	case md.Linux != nil:
		return "linux"
	}
	if _, ok := t.isf.Symbols["linux_banner"]; ok {
		return "linux"
	}
	return ""
}

// Banner returns the kernel banner the table was generated for, if any.
func (t *Table) Banner() string {
	for _, info := range []*LinuxInfo{t.isf.Metadata.Linux, t.isf.Metadata.Mac} {
		if info == nil {
			continue
		}
		for _, s := range info.Symbols {
			if s.Banner != "" {
				return s.Banner
			}
		}
	}
	if def, ok := t.isf.Symbols["linux_banner"]; ok {
		if p, err := def.Constant(); err == nil && len(p) > 0 {
			return strings.TrimRight(string(p), "\x00")
		}
	}
	return ""
}

func (t *Table) PDB() *PDBInfo {
	if t.isf.Metadata.Windows == nil {
		return nil
	}
	return t.isf.Metadata.Windows.PDB
}

func (t *Table) HasSymbol(name string) bool {
	_, ok := t.isf.Symbols[name]
	return ok
}

func (t *Table) Symbol(name string) (Symbol, error) {
	def, ok := t.isf.Symbols[name]
	if !ok {
		return Symbol{}, errors.Errorf("%s: symbol %s not found", t.Name, name)
	}
	return Symbol{Name: name, Address: def.Address + t.Shift, Type: def.Type}, nil
}

// SymbolDef returns the raw definition, without the shift applied.
func (t *Table) SymbolDef(name string) (*SymbolDef, bool) {
	def, ok := t.isf.Symbols[name]
	return def, ok
}

func (t *Table) SymbolNames() []string {
	names := make([]string, 0, len(t.isf.Symbols))
	for name := range t.isf.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) buildIndex() {
	t.byAddr = make([]Symbol, 0, len(t.isf.Symbols))
	for name, def := range t.isf.Symbols {
		if def.Address == 0 {
			continue
		}
		t.byAddr = append(t.byAddr, Symbol{Name: name, Address: def.Address, Type: def.Type})
	}
	sort.Slice(t.byAddr, func(i, j int) bool {
		a, b := t.byAddr[i], t.byAddr[j]
		if a.Address == b.Address {
			return a.Name < b.Name
		}
		return a.Address < b.Address
	})
}

// SymbolsAt returns every symbol located exactly at addr.
func (t *Table) SymbolsAt(addr uint64) []Symbol {
	t.once.Do(t.buildIndex)
	if addr < t.Shift {
		return nil
	}
	raw := addr - t.Shift
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].Address >= raw })
	var out []Symbol
	for ; i < len(t.byAddr) && t.byAddr[i].Address == raw; i++ {
		s := t.byAddr[i]
		s.Address += t.Shift
		out = append(out, s)
	}
	return out
}

// Nearest returns the closest symbol at or below addr and the distance to it.
func (t *Table) Nearest(addr uint64) (Symbol, uint64, bool) {
	t.once.Do(t.buildIndex)
	if addr < t.Shift {
		return Symbol{}, 0, false
	}
	raw := addr - t.Shift
	i := sort.Search(len(t.byAddr), func(i int) bool { return t.byAddr[i].Address > raw })
	if i == 0 {
		return Symbol{}, 0, false
	}
	s := t.byAddr[i-1]
	dist := raw - s.Address
	s.Address += t.Shift
	return s, dist, true
}

func (t *Table) HasType(name string) bool {
	_, ok := t.isf.UserTypes[name]
	return ok
}

func (t *Table) Type(name string) (*UserType, error) {
	ut, ok := t.isf.UserTypes[name]
	if !ok {
		return nil, errors.Errorf("%s: type %s not found", t.Name, name)
	}
	return ut, nil
}

func (t *Table) TypeNames() []string {
	names := make([]string, 0, len(t.isf.UserTypes))
	for name := range t.isf.UserTypes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *Table) BaseType(name string) (*BaseType, error) {
	bt, ok := t.isf.BaseTypes[name]
	if !ok {
		return nil, errors.Errorf("%s: base type %s not found", t.Name, name)
	}
	return bt, nil
}

func (t *Table) Enum(name string) (*EnumType, error) {
	e, ok := t.isf.Enums[name]
	if !ok {
		return nil, errors.Errorf("%s: enum %s not found", t.Name, name)
	}
	return e, nil
}

// Field resolves a single member of typ, descending into anonymous members.
func (t *Table) Field(typ, name string) (*Field, error) {
	ut, err := t.Type(typ)
	if err != nil {
		return nil, err
	}
	if f, ok := ut.Fields[name]; ok {
		return f, nil
	}
	for _, f := range ut.Fields {
		if !f.Anonymous || f.Type == nil || !f.Type.IsAggregate() {
			continue
		}
		if inner, err := t.Field(f.Type.Name, name); err == nil {
			return &Field{Offset: f.Offset + inner.Offset, Type: inner.Type}, nil
		}
	}
	return nil, errors.Errorf("%s: %s has no member %s", t.Name, typ, name)
}

// MemberOffset resolves a dotted member path such as "se.exec_start" and
// returns its offset from the start of typ along with its type.
func (t *Table) MemberOffset(typ, path string) (uint64, *TypeDesc, error) {
	var offset uint64
	cur := typ
	var desc *TypeDesc
	parts := strings.Split(path, ".")
	for i, part := range parts {
		f, err := t.Field(cur, part)
		if err != nil {
			return 0, nil, err
		}
		offset += f.Offset
		desc = f.Type
		if i == len(parts)-1 {
			break
		}
		if desc == nil || !desc.IsAggregate() {
			return 0, nil, errors.Errorf("%s: %s.%s is not a structure", t.Name, cur, part)
		}
		cur = desc.Name
	}
	return offset, desc, nil
}

func (t *Table) HasMember(typ, path string) bool {
	_, _, err := t.MemberOffset(typ, path)
	return err == nil
}

// Size returns the byte size of the described type.
func (t *Table) Size(desc *TypeDesc) (uint64, error) {
	if desc == nil {
		return 0, errors.New("nil type descriptor")
	}
	switch desc.Kind {
	case KIND_BASE:
		bt, err := t.BaseType(desc.Name)
		if err != nil {
			return 0, err
		}
		return bt.Size, nil
	case KIND_POINTER:
		return uint64(t.ptrSize), nil
	case KIND_ARRAY:
		sub, err := t.Size(desc.Subtype)
		if err != nil {
			return 0, err
		}
		return sub * desc.Count, nil
	case KIND_STRUCT, KIND_UNION, KIND_CLASS:
		ut, err := t.Type(desc.Name)
		if err != nil {
			return 0, err
		}
		return ut.Size, nil
	case KIND_ENUM:
		e, err := t.Enum(desc.Name)
		if err != nil {
			return 0, err
		}
		return e.Size, nil
	case KIND_BITFIELD:
		return t.Size(desc.Type)
	case KIND_VOID, KIND_FUNCTION:
		return 0, nil
	}
	return 0, errors.Errorf("unknown type kind %q", desc.Kind)
}

// Describe returns a descriptor for a type name, looking through user types,
// enums and base types in that order.
func (t *Table) Describe(name string) (*TypeDesc, error) {
	if ut, ok := t.isf.UserTypes[name]; ok {
		return &TypeDesc{Kind: ut.Kind, Name: name}, nil
	}
	if _, ok := t.isf.Enums[name]; ok {
		return &TypeDesc{Kind: KIND_ENUM, Name: name}, nil
	}
	if _, ok := t.isf.BaseTypes[name]; ok {
		return &TypeDesc{Kind: KIND_BASE, Name: name}, nil
	}
	return nil, errors.Errorf("%s: type %s not found", t.Name, name)
}
