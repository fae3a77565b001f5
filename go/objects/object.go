// Package objects overlays symbol table types on layers.
package objects

import (
	"bytes"
	"math"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/symbols"
)

var (
	ErrNull     = errors.New("null pointer")
	ErrNotArray = errors.New("not an array")
)

// Context pairs the layer objects are read from with the table their types come from.
type Context struct {
	Layer models.Layer
	Table *symbols.Table
}

func NewContext(l models.Layer, t *symbols.Table) *Context {
	return &Context{Layer: l, Table: t}
}

// WithLayer returns a context reading the same types from another layer, such
// as a process address space.
func (c *Context) WithLayer(l models.Layer) *Context {
	return &Context{Layer: l, Table: c.Table}
}

// Object is a typed view of Addr in the context layer. Nothing is read until a
// value accessor is called.
type Object struct {
	Ctx  *Context
	Type *symbols.TypeDesc
	Addr uint64
}

func (c *Context) Object(typ string, addr uint64) (*Object, error) {
	desc, err := c.Table.Describe(typ)
	if err != nil {
		return nil, err
	}
	return &Object{Ctx: c, Type: desc, Addr: addr}, nil
}

func (c *Context) MustObject(typ string, addr uint64) *Object {
	o, err := c.Object(typ, addr)
	if err != nil {
		panic(err)
	}
	return o
}

// Symbol returns the object a symbol describes, optionally overriding its type.
func (c *Context) Symbol(name, typ string) (*Object, error) {
	sym, err := c.Table.Symbol(name)
	if err != nil {
		return nil, err
	}
	if typ != "" {
		return c.Object(typ, sym.Address)
	}
	if sym.Type == nil {
		return nil, errors.Errorf("symbol %s has no type", name)
	}
	return &Object{Ctx: c, Type: sym.Type, Addr: sym.Address}, nil
}

func (o *Object) Table() *symbols.Table { return o.Ctx.Table }
func (o *Object) Layer() models.Layer   { return o.Ctx.Layer }

func (o *Object) TypeName() string { return o.Type.String() }

func (o *Object) Size() uint64 {
	n, err := o.Ctx.Table.Size(o.Type)
	if err != nil {
		return 0
	}
	return n
}

// Valid reports whether the whole object is readable.
func (o *Object) Valid() bool {
	size := o.Size()
	if size == 0 {
		size = 1
	}
	return o.Ctx.Layer.IsValid(o.Addr, size)
}

func (o *Object) Has(path string) bool {
	if !o.Type.IsAggregate() {
		return false
	}
	return o.Ctx.Table.HasMember(o.Type.Name, path)
}

// Member returns the object at a dotted member path.
func (o *Object) Member(path string) (*Object, error) {
	if !o.Type.IsAggregate() {
		return nil, errors.Errorf("member %s of non-structure %s", path, o.Type)
	}
	off, desc, err := o.Ctx.Table.MemberOffset(o.Type.Name, path)
	if err != nil {
		return nil, err
	}
	return &Object{Ctx: o.Ctx, Type: desc, Addr: o.Addr + off}, nil
}

func (o *Object) MustMember(path string) *Object {
	m, err := o.Member(path)
	if err != nil {
		panic(err)
	}
	return m
}

// Cast reinterprets the object's address as another type.
func (o *Object) Cast(typ string) (*Object, error) {
	return o.Ctx.Object(typ, o.Addr)
}

func (o *Object) Bytes() ([]byte, error) {
	return o.Ctx.Layer.Read(o.Addr, o.Size(), false)
}

func (o *Object) readUint(size uint64) (uint64, error) {
	return models.ReadUint(o.Ctx.Layer, o.Addr, int(size), o.Ctx.Table.ByteOrder())
}

func signExtend(v uint64, bits uint) int64 {
	shift := 64 - bits
	return int64(v<<shift) >> shift
}

func (o *Object) base() (*symbols.BaseType, error) {
	t := o.Ctx.Table
	switch o.Type.Kind {
	case symbols.KIND_BASE:
		return t.BaseType(o.Type.Name)
	case symbols.KIND_ENUM:
		e, err := t.Enum(o.Type.Name)
		if err != nil {
			return nil, err
		}
		return t.BaseType(e.Base)
	case symbols.KIND_POINTER:
		return &symbols.BaseType{Size: uint64(t.PointerSize()), Kind: "int"}, nil
	}
	return nil, errors.Errorf("%s is not a scalar", o.Type)
}

// Uint reads the object as an unsigned integer. Pointers, enums and bitfields
// are accepted.
func (o *Object) Uint() (uint64, error) {
	if o.Type.Kind == symbols.KIND_BITFIELD {
		raw, _, err := o.bitfield()
		return raw, err
	}
	bt, err := o.base()
	if err != nil {
		return 0, err
	}
	return o.readUint(bt.Size)
}

// Int reads the object as an integer, sign extending signed types.
func (o *Object) Int() (int64, error) {
	if o.Type.Kind == symbols.KIND_BITFIELD {
		raw, signed, err := o.bitfield()
		if err != nil || !signed {
			return int64(raw), err
		}
		return signExtend(raw, o.Type.BitLength), nil
	}
	bt, err := o.base()
	if err != nil {
		return 0, err
	}
	v, err := o.readUint(bt.Size)
	if err != nil {
		return 0, err
	}
	if bt.Signed && bt.Size < 8 {
		return signExtend(v, uint(bt.Size*8)), nil
	}
	return int64(v), nil
}

func (o *Object) bitfield() (uint64, bool, error) {
	inner := &Object{Ctx: o.Ctx, Type: o.Type.Type, Addr: o.Addr}
	bt, err := inner.base()
	if err != nil {
		return 0, false, err
	}
	v, err := inner.readUint(bt.Size)
	if err != nil {
		return 0, false, err
	}
	v >>= o.Type.BitPosition
	if o.Type.BitLength < 64 {
		v &= 1<<o.Type.BitLength - 1
	}
	return v, bt.Signed, nil
}

func (o *Object) Bool() (bool, error) {
	v, err := o.Uint()
	return v != 0, err
}

func (o *Object) Float() (float64, error) {
	bt, err := o.base()
	if err != nil {
		return 0, err
	}
	if bt.Kind != "float" {
		return 0, errors.Errorf("%s is not a float", o.Type)
	}
	v, err := o.readUint(bt.Size)
	if err != nil {
		return 0, err
	}
	switch bt.Size {
	case 4:
		return float64(math.Float32frombits(uint32(v))), nil
	case 8:
		return math.Float64frombits(v), nil
	}
	return 0, errors.Errorf("unsupported float size %d", bt.Size)
}

// EnumName returns the constant name of an enum value, or "" when unknown.
func (o *Object) EnumName() (string, error) {
	if o.Type.Kind != symbols.KIND_ENUM {
		return "", errors.Errorf("%s is not an enum", o.Type)
	}
	e, err := o.Ctx.Table.Enum(o.Type.Name)
	if err != nil {
		return "", err
	}
	v, err := o.Int()
	if err != nil {
		return "", err
	}
	return e.Name(v), nil
}

// Deref follows a pointer. The target keeps the context layer.
func (o *Object) Deref() (*Object, error) {
	if o.Type.Kind != symbols.KIND_POINTER {
		return nil, errors.Errorf("dereference of non-pointer %s", o.Type)
	}
	v, err := o.Uint()
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, ErrNull
	}
	return &Object{Ctx: o.Ctx, Type: o.Type.Subtype, Addr: v}, nil
}

// DerefAs follows a pointer and views the target as typ, for void pointers and casts.
func (o *Object) DerefAs(typ string) (*Object, error) {
	v, err := o.Uint()
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, ErrNull
	}
	return o.Ctx.Object(typ, v)
}

func (o *Object) Len() int {
	if o.Type.Kind != symbols.KIND_ARRAY {
		return 0
	}
	return int(o.Type.Count)
}

// Index returns element i of an array, or the i'th element after a pointer's target.
func (o *Object) Index(i int) (*Object, error) {
	switch o.Type.Kind {
	case symbols.KIND_ARRAY:
		if i < 0 || uint64(i) >= o.Type.Count {
			return nil, errors.Errorf("index %d out of range [0:%d]", i, o.Type.Count)
		}
		size, err := o.Ctx.Table.Size(o.Type.Subtype)
		if err != nil {
			return nil, err
		}
		return &Object{Ctx: o.Ctx, Type: o.Type.Subtype, Addr: o.Addr + uint64(i)*size}, nil
	case symbols.KIND_POINTER:
		target, err := o.Deref()
		if err != nil {
			return nil, err
		}
		size, err := o.Ctx.Table.Size(o.Type.Subtype)
		if err != nil {
			return nil, err
		}
		target.Addr += uint64(i) * size
		return target, nil
	}
	return nil, ErrNotArray
}

// Elements reads every element of an array.
func (o *Object) Elements() ([]*Object, error) {
	if o.Type.Kind != symbols.KIND_ARRAY {
		return nil, ErrNotArray
	}
	out := make([]*Object, 0, o.Type.Count)
	for i := 0; i < int(o.Type.Count); i++ {
		e, err := o.Index(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// CString reads a NUL terminated string from a char array, or through a char pointer.
func (o *Object) CString(max int) (string, error) {
	switch o.Type.Kind {
	case symbols.KIND_ARRAY:
		n := int(o.Size())
		if max <= 0 || max > n {
			max = n
		}
		p, err := o.Ctx.Layer.Read(o.Addr, uint64(max), false)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(p, 0); i >= 0 {
			p = p[:i]
		}
		return string(p), nil
	case symbols.KIND_POINTER:
		v, err := o.Uint()
		if err != nil {
			return "", err
		}
		if v == 0 {
			return "", ErrNull
		}
		if max <= 0 {
			max = 4096
		}
		return models.ReadCString(o.Ctx.Layer, v, max)
	}
	return models.ReadCString(o.Ctx.Layer, o.Addr, max)
}

// ContainerOf returns the typ object embedding member at addr.
func (c *Context) ContainerOf(typ, member string, addr uint64) (*Object, error) {
	off, _, err := c.Table.MemberOffset(typ, member)
	if err != nil {
		return nil, err
	}
	return c.Object(typ, addr-off)
}

// Offset of a dotted member within a type name.
func (c *Context) Offset(typ, member string) uint64 {
	off, _, err := c.Table.MemberOffset(typ, member)
	if err != nil {
		return 0
	}
	return off
}
