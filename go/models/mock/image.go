// Package mock builds synthetic memory images for tests: physical memory,
// x86-64 page tables, symbol tables and kernel structures laid out the way the
// plugins expect to find them.
package mock

import (
	"encoding/binary"
	"fmt"
)

const PAGE_SIZE = 0x1000

// Image is little-endian physical memory with a bump allocator for the heap.
type Image struct {
	Mem  []byte
	next uint64
	end  uint64
}

// NewImage allocates size bytes of physical memory. Alloc hands out memory
// from [heap, size).
func NewImage(size, heap uint64) *Image {
	return &Image{Mem: make([]byte, size), next: heap, end: size}
}

func (m *Image) Alloc(size, align uint64) uint64 {
	if align == 0 {
		align = 8
	}
	addr := (m.next + align - 1) &^ (align - 1)
	if addr+size > m.end {
		panic(fmt.Sprintf("mock image heap exhausted: %#x + %#x > %#x", addr, size, m.end))
	}
	m.next = addr + size
	return addr
}

func (m *Image) Write(addr uint64, p []byte) {
	copy(m.Mem[addr:addr+uint64(len(p))], p)
}

func (m *Image) Put64(addr, v uint64)        { binary.LittleEndian.PutUint64(m.Mem[addr:], v) }
func (m *Image) Put32(addr uint64, v uint32) { binary.LittleEndian.PutUint32(m.Mem[addr:], v) }
func (m *Image) Put16(addr uint64, v uint16) { binary.LittleEndian.PutUint16(m.Mem[addr:], v) }
func (m *Image) Get64(addr uint64) uint64    { return binary.LittleEndian.Uint64(m.Mem[addr:]) }

// CString writes s followed by a NUL.
func (m *Image) CString(addr uint64, s string) {
	m.Write(addr, append([]byte(s), 0))
}

const (
	pte_present = 1 << 0
	pte_rw      = 1 << 1
	pte_user    = 1 << 2
	pte_ps      = 1 << 7

	physMask = 0x000ffffffffff000
)

// AddressSpace is a 4-level x86-64 page table tree stored in an Image.
type AddressSpace struct {
	img *Image
	DTB uint64
}

func (m *Image) NewAddressSpace() *AddressSpace {
	return &AddressSpace{img: m, DTB: m.Alloc(PAGE_SIZE, PAGE_SIZE)}
}

// AddressSpaceAt uses an existing zeroed page as the top level table.
func (m *Image) AddressSpaceAt(dtb uint64) *AddressSpace {
	return &AddressSpace{img: m, DTB: dtb}
}

func index(vaddr uint64, shift uint) uint64 { return (vaddr >> shift) & 0x1ff }

// table returns the next level table for vaddr, allocating it if needed.
func (a *AddressSpace) table(tbl, vaddr uint64, shift uint, flags uint64) uint64 {
	slot := tbl + index(vaddr, shift)*8
	entry := a.img.Get64(slot)
	if entry&pte_present == 0 {
		next := a.img.Alloc(PAGE_SIZE, PAGE_SIZE)
		a.img.Put64(slot, next|pte_present|pte_rw|flags)
		return next
	}
	return entry & physMask
}

func userFlag(vaddr uint64) uint64 {
	if vaddr>>47 == 0 {
		return pte_user
	}
	return 0
}

// Map maps size bytes of vaddr to paddr with 4K pages.
func (a *AddressSpace) Map(vaddr, paddr, size uint64) {
	for off := uint64(0); off < size; off += PAGE_SIZE {
		va := vaddr + off
		flags := userFlag(va)
		pdpt := a.table(a.DTB, va, 39, flags)
		pd := a.table(pdpt, va, 30, flags)
		pt := a.table(pd, va, 21, flags)
		a.img.Put64(pt+index(va, 12)*8, (paddr+off)|pte_present|pte_rw|flags)
	}
}

// MapLarge maps size bytes with 2M pages. Addresses must be 2M aligned.
func (a *AddressSpace) MapLarge(vaddr, paddr, size uint64) {
	const large = 0x200000
	for off := uint64(0); off < size; off += large {
		va := vaddr + off
		pdpt := a.table(a.DTB, va, 39, 0)
		pd := a.table(pdpt, va, 30, 0)
		a.img.Put64(pd+index(va, 21)*8, (paddr+off)|pte_present|pte_rw|pte_ps)
	}
}

// Swapped marks the 4K page at vaddr as not present while keeping a non-zero entry.
func (a *AddressSpace) Swapped(vaddr uint64) {
	flags := userFlag(vaddr)
	pdpt := a.table(a.DTB, vaddr, 39, flags)
	pd := a.table(pdpt, vaddr, 30, flags)
	pt := a.table(pd, vaddr, 21, flags)
	a.img.Put64(pt+index(vaddr, 12)*8, 0x1234000)
}

// SelfRef points top level slot idx back at the table itself.
func (a *AddressSpace) SelfRef(idx int) {
	a.img.Put64(a.DTB+uint64(idx)*8, a.DTB|pte_present|pte_rw)
}

// ShareKernel copies the kernel half of other's top level table.
func (a *AddressSpace) ShareKernel(other *AddressSpace) {
	for i := uint64(256); i < 512; i++ {
		a.img.Put64(a.DTB+i*8, a.img.Get64(other.DTB+i*8))
	}
}
