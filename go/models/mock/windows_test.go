package mock

import (
	"encoding/binary"
	"testing"
)

func TestWindowsPhys(t *testing.T) {
	w := DefaultWindows()
	for _, tc := range []struct {
		vaddr, want uint64
	}{
		{WINDOWS_KERNEL, winKernelPhys},
		{WINDOWS_KERNEL + rva_active_process, winKernelPhys + rva_active_process},
		{WINDOWS_POOL, winPoolPhys},
		{WINDOWS_POOL + 0x1234, winPoolPhys + 0x1234},
	} {
		if got := w.Phys(tc.vaddr); got != tc.want {
			t.Errorf("Phys(%#x) = %#x, want %#x", tc.vaddr, got, tc.want)
		}
	}

	// the list head lives in the kernel image and links into the pool
	head := uint64(WINDOWS_KERNEL + rva_active_process)
	first := w.Get64(w.Phys(head))
	if first < WINDOWS_POOL || first >= WINDOWS_KERNEL {
		t.Fatalf("first process link %#x is outside the pool", first)
	}
	if want := w.Processes[4] + eproc_links; first != want {
		t.Errorf("first process link = %#x, want %#x", first, want)
	}
}

func TestWindowsProcessPool(t *testing.T) {
	w := DefaultWindows()
	for _, p := range DefaultWindowsProcesses() {
		e := w.Phys(w.Processes[p.PID])
		pool := e - objhdr_body - creator_size - pool_size
		if tag := string(w.Mem[pool+pool_tag : pool+pool_tag+4]); tag != POOL_TAG_PROCESS {
			t.Errorf("pid %d: pool tag %q", p.PID, tag)
		}
		if pid := binary.LittleEndian.Uint64(w.Mem[e+eproc_pid:]); pid != uint64(p.PID) {
			t.Errorf("pid %d: EPROCESS pid %d", p.PID, pid)
		}
	}
}
