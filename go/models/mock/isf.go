package mock

import (
	"encoding/base64"
	"encoding/json"

	"github.com/lunixbochs/memscope/go/symbols"
)

// type descriptor shorthands
func Base(name string) *symbols.TypeDesc   { return &symbols.TypeDesc{Kind: symbols.KIND_BASE, Name: name} }
func Struct(name string) *symbols.TypeDesc { return &symbols.TypeDesc{Kind: symbols.KIND_STRUCT, Name: name} }
func Union(name string) *symbols.TypeDesc  { return &symbols.TypeDesc{Kind: symbols.KIND_UNION, Name: name} }
func Enum(name string) *symbols.TypeDesc   { return &symbols.TypeDesc{Kind: symbols.KIND_ENUM, Name: name} }
func Void() *symbols.TypeDesc              { return &symbols.TypeDesc{Kind: symbols.KIND_VOID} }
func Func() *symbols.TypeDesc              { return &symbols.TypeDesc{Kind: symbols.KIND_FUNCTION} }

func Ptr(sub *symbols.TypeDesc) *symbols.TypeDesc {
	return &symbols.TypeDesc{Kind: symbols.KIND_POINTER, Subtype: sub}
}

func Array(n uint64, sub *symbols.TypeDesc) *symbols.TypeDesc {
	return &symbols.TypeDesc{Kind: symbols.KIND_ARRAY, Count: n, Subtype: sub}
}

func Bits(pos, length uint, base *symbols.TypeDesc) *symbols.TypeDesc {
	return &symbols.TypeDesc{Kind: symbols.KIND_BITFIELD, BitPosition: pos, BitLength: length, Type: base}
}

// F is a field shorthand: offset and type.
type F struct {
	Off  uint64
	Type *symbols.TypeDesc
}

// ISF accumulates a symbol table.
type ISF struct {
	*symbols.ISF
}

func NewISF() *ISF {
	isf := &symbols.ISF{
		BaseTypes: make(map[string]*symbols.BaseType),
		UserTypes: make(map[string]*symbols.UserType),
		Enums:     make(map[string]*symbols.EnumType),
		Symbols:   make(map[string]*symbols.SymbolDef),
	}
	isf.Metadata.Format = "6.2.0"
	isf.Metadata.Producer.Name = "mock"
	isf.Metadata.Producer.Version = "1"
	return &ISF{isf}
}

func (i *ISF) BaseType(name string, size uint64, signed bool, kind string) {
	i.BaseTypes[name] = &symbols.BaseType{Size: size, Signed: signed, Kind: kind, Endian: "little"}
}

// CBaseTypes adds the C base types, with long sized for LP64 or LLP64.
func (i *ISF) CBaseTypes(ptrSize uint64, longSize uint64) {
	i.BaseType("char", 1, true, "char")
	i.BaseType("unsigned char", 1, false, "char")
	i.BaseType("short", 2, true, "int")
	i.BaseType("short unsigned int", 2, false, "int")
	i.BaseType("unsigned short", 2, false, "int")
	i.BaseType("int", 4, true, "int")
	i.BaseType("unsigned int", 4, false, "int")
	i.BaseType("long", longSize, true, "int")
	i.BaseType("long unsigned int", longSize, false, "int")
	i.BaseType("unsigned long", longSize, false, "int")
	i.BaseType("long long", 8, true, "int")
	i.BaseType("long long unsigned int", 8, false, "int")
	i.BaseType("unsigned long long", 8, false, "int")
	i.BaseType("_Bool", 1, false, "bool")
	i.BaseType("double", 8, true, "float")
	i.BaseType("void", 0, false, "void")
	i.BaseType("pointer", ptrSize, false, "int")
}

func (i *ISF) Struct(name string, size uint64, fields map[string]F) {
	i.userType(symbols.KIND_STRUCT, name, size, fields)
}

func (i *ISF) Union(name string, size uint64, fields map[string]F) {
	i.userType(symbols.KIND_UNION, name, size, fields)
}

func (i *ISF) userType(kind, name string, size uint64, fields map[string]F) {
	ut := &symbols.UserType{Kind: kind, Size: size, Fields: make(map[string]*symbols.Field)}
	for n, f := range fields {
		ut.Fields[n] = &symbols.Field{Offset: f.Off, Type: f.Type}
	}
	i.UserTypes[name] = ut
}

func (i *ISF) Enum(name string, size uint64, base string, constants map[string]int64) {
	i.Enums[name] = &symbols.EnumType{Size: size, Base: base, Constants: constants}
}

func (i *ISF) Symbol(name string, addr uint64, typ *symbols.TypeDesc) {
	i.Symbols[name] = &symbols.SymbolDef{Address: addr, Type: typ}
}

func (i *ISF) Constant(name string, addr uint64, data []byte) {
	i.Symbols[name] = &symbols.SymbolDef{Address: addr, ConstantData: base64.StdEncoding.EncodeToString(data)}
}

func (i *ISF) JSON() []byte {
	data, err := json.Marshal(i.ISF)
	if err != nil {
		panic(err)
	}
	return data
}

func (i *ISF) Table(name string) *symbols.Table {
	t, err := symbols.NewTable(name, i.ISF)
	if err != nil {
		panic(err)
	}
	return t
}
