package objects_test

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models/mock"
	"github.com/lunixbochs/memscope/go/objects"
)

// image is a flat little endian buffer with a holder symbol at 0x40.
type image struct {
	mem []byte
	ctx *objects.Context
}

func newImage() *image {
	isf := mock.NewISF()
	isf.CBaseTypes(8, 8)
	isf.Struct("list_head", 16, map[string]mock.F{
		"next": {Off: 0, Type: mock.Ptr(mock.Struct("list_head"))},
		"prev": {Off: 8, Type: mock.Ptr(mock.Struct("list_head"))},
	})
	isf.Enum("color", 4, "int", map[string]int64{"RED": 0, "GREEN": 1, "BLUE": -1})
	isf.Struct("item", 56, map[string]mock.F{
		"id":    {Off: 0, Type: mock.Base("int")},
		"flags": {Off: 4, Type: mock.Bits(1, 3, mock.Base("int"))},
		"list":  {Off: 8, Type: mock.Struct("list_head")},
		"name":  {Off: 24, Type: mock.Array(8, mock.Base("char"))},
		"owner": {Off: 32, Type: mock.Ptr(mock.Struct("item"))},
		"ratio": {Off: 40, Type: mock.Base("double")},
		"state": {Off: 48, Type: mock.Enum("color")},
	})
	isf.Struct("holder", 24, map[string]mock.F{
		"count": {Off: 0, Type: mock.Base("long")},
		"items": {Off: 8, Type: mock.Struct("list_head")},
	})
	isf.Symbol("holder", 0x40, mock.Struct("holder"))
	isf.Symbol("untyped", 0x48, nil)
	mem := make([]byte, 0x1000)
	return &image{mem: mem, ctx: objects.NewContext(layers.NewBufferLayer("mem", mem), isf.Table("test"))}
}

func (i *image) put64(addr, v uint64) { binary.LittleEndian.PutUint64(i.mem[addr:], v) }
func (i *image) put32(addr uint64, v uint32) { binary.LittleEndian.PutUint32(i.mem[addr:], v) }

func (i *image) item(addr uint64, id int32, name string) {
	i.put32(addr, uint32(id))
	copy(i.mem[addr+24:addr+32], name)
}

// link builds a circular list through the list_head at head and the given nodes.
func (i *image) link(head uint64, nodes ...uint64) {
	all := append([]uint64{head}, nodes...)
	for n, addr := range all {
		next := all[(n+1)%len(all)]
		prev := all[(n+len(all)-1)%len(all)]
		i.put64(addr, next)
		i.put64(addr+8, prev)
	}
}

func TestScalars(t *testing.T) {
	img := newImage()
	img.item(0x100, -7, "abcdefgh")
	img.put32(0x104, 0xb<<1) // flags bits 1..3 = 0b011, bit 4 set outside the field
	img.put64(0x128, math.Float64bits(2.5))
	img.put32(0x130, 0xffffffff)

	item := img.ctx.MustObject("item", 0x100)
	if item.Size() != 56 || !item.Valid() {
		t.Errorf("size = %d valid = %v", item.Size(), item.Valid())
	}
	id := item.MustMember("id")
	if v, err := id.Int(); err != nil || v != -7 {
		t.Errorf("id = %d %v", v, err)
	}
	if v, err := id.Uint(); err != nil || v != 0xfffffff9 {
		t.Errorf("id uint = %#x %v", v, err)
	}
	flags := item.MustMember("flags")
	if v, err := flags.Uint(); err != nil || v != 3 {
		t.Errorf("flags = %d %v", v, err)
	}
	if v, err := flags.Int(); err != nil || v != 3 {
		t.Errorf("signed flags = %d %v", v, err)
	}
	if v, err := item.MustMember("ratio").Float(); err != nil || v != 2.5 {
		t.Errorf("ratio = %v %v", v, err)
	}
	if _, err := id.Float(); err == nil {
		t.Error("int read as float")
	}
	state := item.MustMember("state")
	if name, err := state.EnumName(); err != nil || name != "BLUE" {
		t.Errorf("state = %q %v", name, err)
	}
	if _, err := id.EnumName(); err == nil {
		t.Error("EnumName of an int")
	}
	name := item.MustMember("name")
	if s, err := name.CString(0); err != nil || s != "abcdefgh" {
		t.Errorf("name = %q %v", s, err)
	}
	if s, err := name.CString(3); err != nil || s != "abc" {
		t.Errorf("short name = %q %v", s, err)
	}
	if _, err := item.Uint(); err == nil {
		t.Error("struct read as integer")
	}
	if _, err := item.Member("missing"); err == nil {
		t.Error("missing member resolved")
	}
	if _, err := id.Member("x"); err == nil {
		t.Error("member of an int resolved")
	}
}

func TestPointers(t *testing.T) {
	img := newImage()
	img.item(0x100, 1, "first")
	img.item(0x200, 2, "second")
	img.put64(0x120, 0x200)
	item := img.ctx.MustObject("item", 0x100)
	owner, err := item.MustMember("owner").Deref()
	if err != nil {
		t.Fatal(err)
	}
	if owner.Addr != 0x200 || owner.TypeName() != "item" {
		t.Errorf("owner = %#x %s", owner.Addr, owner.TypeName())
	}
	if s, _ := owner.MustMember("name").CString(0); s != "second" {
		t.Errorf("owner name = %q", s)
	}
	if _, err := owner.MustMember("owner").Deref(); err != objects.ErrNull {
		t.Errorf("null deref err = %v", err)
	}
	if _, err := item.MustMember("id").Deref(); err == nil {
		t.Error("deref of an int")
	}
	as, err := item.MustMember("owner").DerefAs("list_head")
	if err != nil || as.TypeName() != "list_head" {
		t.Errorf("DerefAs = %v %v", as, err)
	}
	next, err := item.MustMember("owner").Index(1)
	if err != nil || next.Addr != 0x200+56 {
		t.Errorf("pointer index = %v %v", next, err)
	}
	cast, err := item.Cast("holder")
	if err != nil || cast.Addr != item.Addr || cast.Size() != 24 {
		t.Errorf("cast = %v %v", cast, err)
	}
}

func TestArrays(t *testing.T) {
	img := newImage()
	img.item(0x100, 1, "xyz")
	name := img.ctx.MustObject("item", 0x100).MustMember("name")
	if name.Len() != 8 {
		t.Errorf("len = %d", name.Len())
	}
	elems, err := name.Elements()
	if err != nil {
		t.Fatal(err)
	}
	var got []byte
	for _, e := range elems[:3] {
		v, err := e.Uint()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, byte(v))
	}
	if string(got) != "xyz" {
		t.Errorf("elements = %q", got)
	}
	if _, err := name.Index(8); err == nil {
		t.Error("index past the end")
	}
	if _, err := img.ctx.MustObject("item", 0x100).Elements(); err != objects.ErrNotArray {
		t.Errorf("Elements of a struct err = %v", err)
	}
}

func TestSymbol(t *testing.T) {
	img := newImage()
	img.put64(0x40, 5)
	holder, err := img.ctx.Symbol("holder", "")
	if err != nil {
		t.Fatal(err)
	}
	if v, err := holder.MustMember("count").Uint(); err != nil || v != 5 {
		t.Errorf("count = %d %v", v, err)
	}
	if _, err := img.ctx.Symbol("untyped", ""); err == nil {
		t.Error("untyped symbol without override")
	}
	o, err := img.ctx.Symbol("untyped", "long")
	if err != nil || o.Addr != 0x48 {
		t.Errorf("override = %v %v", o, err)
	}
	if img.ctx.Offset("item", "list.prev") != 16 {
		t.Errorf("offset = %d", img.ctx.Offset("item", "list.prev"))
	}
	c, err := img.ctx.ContainerOf("item", "list", 0x108)
	if err != nil || c.Addr != 0x100 {
		t.Errorf("container = %v %v", c, err)
	}
	other := img.ctx.WithLayer(layers.NewBufferLayer("other", make([]byte, 0x80)))
	if other.Table != img.ctx.Table || other.Layer.Name() != "other" {
		t.Error("WithLayer did not keep the table")
	}
}

func ids(t *testing.T, items []*objects.Object) []int64 {
	t.Helper()
	var out []int64
	for _, o := range items {
		v, err := o.MustMember("id").Int()
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, v)
	}
	return out
}

func TestListWalk(t *testing.T) {
	img := newImage()
	for n, addr := range []uint64{0x100, 0x200, 0x300} {
		img.item(addr, int32(n+1), "")
	}
	img.link(0x48, 0x108, 0x208, 0x308)
	holder, err := img.ctx.Symbol("holder", "")
	if err != nil {
		t.Fatal(err)
	}
	items, err := holder.ListMember("items", "item", "list", objects.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3}, ids(t, items)); diff != "" {
		t.Errorf("forward (-want +got):\n%s", diff)
	}
	items, err = holder.ListMember("items", "item", "list", objects.ListOptions{Backward: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{3, 2, 1}, ids(t, items)); diff != "" {
		t.Errorf("backward (-want +got):\n%s", diff)
	}
	items, err = holder.ListMember("items", "item", "list", objects.ListOptions{Max: 2})
	if err == nil || len(items) != 2 {
		t.Errorf("max: %d items, err %v", len(items), err)
	}

	// the head embedded in the first element
	first := img.ctx.MustObject("item", 0x100)
	items, err = first.ListMember("list", "item", "list", objects.ListOptions{Sentinel: true})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int64{1, 2, 3, 0}, ids(t, items)); diff != "" {
		t.Errorf("sentinel (-want +got):\n%s", diff)
	}
}

func TestListErrors(t *testing.T) {
	img := newImage()
	img.link(0x48, 0x108, 0x208)
	// 0x208 -> 0x108 skips the head
	img.put64(0x208, 0x108)
	holder, _ := img.ctx.Symbol("holder", "")
	items, err := holder.ListMember("items", "item", "list", objects.ListOptions{})
	if err != objects.ErrListCycle || len(items) != 2 {
		t.Errorf("cycle: %d items, err %v", len(items), err)
	}

	img.put64(0x208, 0)
	if _, err := holder.ListMember("items", "item", "list", objects.ListOptions{}); err == nil {
		t.Error("null link not reported")
	}

	img.put64(0x208, 0x100000)
	if _, err := holder.ListMember("items", "item", "list", objects.ListOptions{}); err == nil {
		t.Error("unreadable link not reported")
	}

	if _, err := holder.ListMember("count", "item", "list", objects.ListOptions{}); err == nil {
		t.Error("walk of a non-list member")
	}
}
