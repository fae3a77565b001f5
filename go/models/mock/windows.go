package mock

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/lunixbochs/struc"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/symbols"
)

const (
	WINDOWS_IMAGE_SIZE = 0x400000
	WINDOWS_KERNEL     = 0xfffff80000400000
	WINDOWS_POOL       = 0xffffa00000000000
	WINDOWS_SELF_REF   = 0x1ed
	WINDOWS_PDB        = "ntkrnlmp.pdb"
	WINDOWS_AGE        = 1

	winKernelPhys = 0x100000
	winKernelSize = 0x100000
	winPoolPhys   = 0x200000
	winPoolSize   = 0x80000
	winHeap       = 0x300000

	rva_debug_dir      = 0x2000
	rva_codeview       = 0x2100
	rva_active_process = 0x80000
	rva_loaded_modules = 0x80010
	rva_build_lab      = 0x81000

	// user pages holding the PEB, loader data and environment
	WINDOWS_PEB = 0x7fffffd0000
	winUserSize = 0x2000

	POOL_TAG_PROCESS = "Proc"

	pool_tag       = 0x4
	pool_size      = 0x10
	creator_size   = 0x20
	objhdr_mask    = 0x1a
	objhdr_body    = 0x30
	objhdr_creator = 0x1

	ustr_len    = 0x0
	ustr_max    = 0x2
	ustr_buffer = 0x8
	ustr_size   = 0x10

	ldr_links     = 0x0
	ldr_base      = 0x30
	ldr_image     = 0x40
	ldr_full_name = 0x48
	ldr_base_name = 0x58
	ldr_size      = 0x80

	peb_ldr      = 0x18
	peb_params   = 0x20
	peb_size     = 0x80
	ldrdata_load = 0x10
	ldrdata_size = 0x40
	params_env   = 0x80
	params_size  = 0x100

	eproc_dtb       = 0x28
	eproc_create    = 0x40
	eproc_exit      = 0x48
	eproc_pid       = 0x50
	eproc_links     = 0x58
	eproc_ppid      = 0x68
	eproc_name      = 0x70
	eproc_threads   = 0x80
	eproc_objtable  = 0x88
	eproc_peb       = 0x90
	eproc_wow64     = 0x98
	eproc_size      = 0x300
	handle_count    = 0x0
	handle_tbl_size = 0x20
)

var WindowsGUID = models.GUID{
	Data1: 0x3844dbb9,
	Data2: 0x2017,
	Data3: 0x4967,
	Data4: []byte{0xbe, 0x7a, 0xa4, 0xa2, 0xc2, 0x04, 0x30, 0xfa},
}

// WINDOWS_EPOCH is the fixed creation time of the first process.
var WINDOWS_EPOCH = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Process struct {
	PID      int
	PPID     int
	Name     string
	Threads  uint32
	Handles  uint32
	Exited   bool
	// Unlinked processes are left out of the active process list.
	Unlinked bool
	// DLLs are full paths in load order. Processes with DLLs or Env get a PEB.
	DLLs     []string
	Env      []string
}

// KernelModule is an entry of PsLoadedModuleList.
type KernelModule struct {
	Path string
	Base uint64
	Size uint32
}

// Name is the last component of the module path.
func (m KernelModule) Name() string { return baseName(m.Path) }

func baseName(path string) string {
	return path[strings.LastIndex(path, "\\")+1:]
}

// DLLBase is where the mock loads the i'th DLL of a process.
func DLLBase(i int) uint64 { return 0x7fef0000000 + uint64(i)*0x1000000 }

// DLLSize is the image size the mock gives the i'th DLL of a process.
func DLLSize(i int) uint32 { return uint32(i+1) * 0x10000 }

func DefaultKernelModules() []KernelModule {
	return []KernelModule{
		{Path: "\\SystemRoot\\system32\\ntoskrnl.exe", Base: WINDOWS_KERNEL, Size: winKernelSize},
		{Path: "\\SystemRoot\\system32\\hal.dll", Base: 0xfffff80000c00000, Size: 0x43000},
		{Path: "\\SystemRoot\\system32\\drivers\\ACPI.sys", Base: 0xfffff88000e00000, Size: 0x57000},
	}
}

func DefaultWindowsProcesses() []Process {
	return []Process{
		{PID: 4, PPID: 0, Name: "System", Threads: 96, Handles: 512},
		{PID: 300, PPID: 4, Name: "smss.exe", Threads: 2, Handles: 30,
			DLLs: []string{"\\SystemRoot\\System32\\smss.exe", "C:\\Windows\\SYSTEM32\\ntdll.dll"},
			Env:  []string{"Path=C:\\Windows\\System32", "SystemRoot=C:\\Windows"},
		},
		{PID: 1234, PPID: 1000, Name: "explorer.exe", Threads: 40, Handles: 900,
			DLLs: []string{"C:\\Windows\\Explorer.EXE", "C:\\Windows\\SYSTEM32\\ntdll.dll", "C:\\Windows\\system32\\kernel32.dll"},
			Env: []string{"=C:=C:\\Users\\user", "PROCESSOR_ARCHITECTURE=AMD64", "USERNAME=user",
				"CommonProgramFiles=C:\\Program Files\\Common Files"},
		},
		{PID: 2048, PPID: 1234, Name: "a_very_long_process_name.exe", Threads: 1, Handles: 10, Exited: true},
		{PID: 3000, PPID: 1234, Name: "hidden.exe", Threads: 1, Handles: 5, Unlinked: true},
	}
}

type WindowsImage struct {
	*Image
	ISF        *ISF
	DTB        uint64
	KernelBase uint64
	Kernel     *AddressSpace
	Processes  map[int]uint64
	// Modules maps kernel module names to their _LDR_DATA_TABLE_ENTRY.
	Modules    map[string]uint64
	pool       uint64
}

// Filetime converts t to a Windows FILETIME.
func Filetime(t time.Time) uint64 {
	return uint64(t.Unix()+11644473600)*10000000 + uint64(t.Nanosecond()/100)
}

// ProcessTime is the creation time DefaultWindows gives pid.
func ProcessTime(pid int) time.Time {
	return WINDOWS_EPOCH.Add(time.Duration(pid) * time.Second)
}

func windowsISF() *ISF {
	i := NewISF()
	i.Metadata.Windows = &symbols.WindowsInfo{PDB: &symbols.PDBInfo{
		GUID:        WindowsGUID.String(),
		Age:         WINDOWS_AGE,
		Database:    WINDOWS_PDB,
		MachineType: pe.IMAGE_FILE_MACHINE_AMD64,
	}}
	i.CBaseTypes(8, 4)
	i.Struct("_LIST_ENTRY", 16, map[string]F{
		"Flink": {0, Ptr(Struct("_LIST_ENTRY"))},
		"Blink": {8, Ptr(Struct("_LIST_ENTRY"))},
	})
	i.Union("_LARGE_INTEGER", 8, map[string]F{
		"QuadPart": {0, Base("long long")},
		"LowPart":  {0, Base("unsigned long")},
		"HighPart": {4, Base("long")},
	})
	i.Struct("_KPROCESS", 0x40, map[string]F{
		"DirectoryTableBase": {eproc_dtb, Base("unsigned long long")},
	})
	i.Struct("_HANDLE_TABLE", handle_tbl_size, map[string]F{
		"HandleCount": {handle_count, Base("unsigned long")},
	})
	i.Struct("_POOL_HEADER", pool_size, map[string]F{
		"PreviousSize": {0, Bits(0, 8, Base("unsigned long"))},
		"BlockSize":    {0, Bits(16, 8, Base("unsigned long"))},
		"PoolTag":      {pool_tag, Base("unsigned long")},
	})
	i.Struct("_OBJECT_HEADER", objhdr_body+8, map[string]F{
		"PointerCount": {0, Base("long long")},
		"TypeIndex":    {0x18, Base("unsigned char")},
		"InfoMask":     {objhdr_mask, Base("unsigned char")},
		"Body":         {objhdr_body, Base("unsigned long long")},
	})
	i.Struct("_UNICODE_STRING", ustr_size, map[string]F{
		"Length":        {ustr_len, Base("unsigned short")},
		"MaximumLength": {ustr_max, Base("unsigned short")},
		"Buffer":        {ustr_buffer, Ptr(Base("unsigned short"))},
	})
	i.Struct("_LDR_DATA_TABLE_ENTRY", ldr_size, map[string]F{
		"InLoadOrderLinks": {ldr_links, Struct("_LIST_ENTRY")},
		"DllBase":          {ldr_base, Ptr(Void())},
		"SizeOfImage":      {ldr_image, Base("unsigned long")},
		"FullDllName":      {ldr_full_name, Struct("_UNICODE_STRING")},
		"BaseDllName":      {ldr_base_name, Struct("_UNICODE_STRING")},
	})
	i.Struct("_PEB_LDR_DATA", ldrdata_size, map[string]F{
		"Length":                {0, Base("unsigned long")},
		"InLoadOrderModuleList": {ldrdata_load, Struct("_LIST_ENTRY")},
	})
	i.Struct("_RTL_USER_PROCESS_PARAMETERS", params_size, map[string]F{
		"Environment": {params_env, Ptr(Void())},
	})
	i.Struct("_PEB", peb_size, map[string]F{
		"Ldr":               {peb_ldr, Ptr(Struct("_PEB_LDR_DATA"))},
		"ProcessParameters": {peb_params, Ptr(Struct("_RTL_USER_PROCESS_PARAMETERS"))},
	})
	i.Struct("_EPROCESS", eproc_size, map[string]F{
		"Pcb":                          {0, Struct("_KPROCESS")},
		"CreateTime":                   {eproc_create, Union("_LARGE_INTEGER")},
		"ExitTime":                     {eproc_exit, Union("_LARGE_INTEGER")},
		"UniqueProcessId":              {eproc_pid, Ptr(Void())},
		"ActiveProcessLinks":           {eproc_links, Struct("_LIST_ENTRY")},
		"InheritedFromUniqueProcessId": {eproc_ppid, Ptr(Void())},
		"ImageFileName":                {eproc_name, Array(15, Base("unsigned char"))},
		"ActiveThreads":                {eproc_threads, Base("unsigned long")},
		"ObjectTable":                  {eproc_objtable, Ptr(Struct("_HANDLE_TABLE"))},
		"Peb":                          {eproc_peb, Ptr(Struct("_PEB"))},
		"Wow64Process":                 {eproc_wow64, Ptr(Void())},
	})
	i.Symbol("PsActiveProcessHead", rva_active_process, Struct("_LIST_ENTRY"))
	i.Symbol("PsLoadedModuleList", rva_loaded_modules, Struct("_LIST_ENTRY"))
	i.Symbol("NtBuildLab", rva_build_lab, Array(32, Base("char")))
	return i
}

// DefaultWindows builds an x86-64 Windows fixture with a self-referencing PML4,
// an ntoskrnl PE header carrying a CodeView record, and an EPROCESS list.
func DefaultWindows() *WindowsImage {
	return Windows(DefaultWindowsProcesses())
}

func Windows(procs []Process) *WindowsImage {
	w := &WindowsImage{
		Image:      NewImage(WINDOWS_IMAGE_SIZE, winHeap),
		ISF:        windowsISF(),
		KernelBase: WINDOWS_KERNEL,
		Processes:  make(map[int]uint64),
		Modules:    make(map[string]uint64),
		pool:       winPoolPhys,
	}
	w.Kernel = w.NewAddressSpace()
	w.DTB = w.Kernel.DTB
	w.Kernel.SelfRef(WINDOWS_SELF_REF)
	w.Kernel.Map(WINDOWS_KERNEL, winKernelPhys, winKernelSize)
	w.Kernel.Map(WINDOWS_POOL, winPoolPhys, winPoolSize)
	w.writePE()
	w.CString(winKernelPhys+rva_build_lab, "7601.24214.amd64fre.win7sp1_ldr")

	head := uint64(WINDOWS_KERNEL + rva_active_process)
	w.put(head, head)
	w.put(head+8, head)
	for _, p := range procs {
		w.addProcess(p, head)
	}
	mods := uint64(WINDOWS_KERNEL + rva_loaded_modules)
	w.put(mods, mods)
	w.put(mods+8, mods)
	for _, m := range DefaultKernelModules() {
		w.addModule(m, mods)
	}
	return w
}

// Phys converts a kernel image or pool address to physical.
func (w *WindowsImage) Phys(vaddr uint64) uint64 {
	if vaddr >= WINDOWS_POOL && vaddr < WINDOWS_KERNEL {
		return vaddr - WINDOWS_POOL + winPoolPhys
	}
	return vaddr - WINDOWS_KERNEL + winKernelPhys
}

func (w *WindowsImage) put(vaddr, v uint64) { w.Put64(w.Phys(vaddr), v) }

func (w *WindowsImage) poolAlloc(size uint64) uint64 {
	addr := (w.pool + 0xf) &^ 0xf
	if addr+size > winPoolPhys+winPoolSize {
		panic("mock windows pool exhausted")
	}
	w.pool = addr + size
	return addr - winPoolPhys + WINDOWS_POOL
}

func (w *WindowsImage) writePE() {
	var buf bytes.Buffer
	order := binary.LittleEndian
	dos := make([]byte, 0x80)
	copy(dos, "MZ")
	order.PutUint32(dos[0x3c:], 0x80)
	buf.Write(dos)
	buf.WriteString("PE\x00\x00")
	var opt pe.OptionalHeader64
	fh := pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_AMD64,
		NumberOfSections:     1,
		SizeOfOptionalHeader: uint16(binary.Size(opt)),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_LARGE_ADDRESS_AWARE,
	}
	opt = pe.OptionalHeader64{
		Magic:               0x20b,
		ImageBase:           WINDOWS_KERNEL,
		SectionAlignment:    PAGE_SIZE,
		FileAlignment:       PAGE_SIZE,
		SizeOfImage:         winKernelSize,
		SizeOfHeaders:       PAGE_SIZE,
		Subsystem:           pe.IMAGE_SUBSYSTEM_NATIVE,
		NumberOfRvaAndSizes: 16,
	}
	opt.DataDirectory[models.IMAGE_DIRECTORY_ENTRY_DEBUG] = pe.DataDirectory{VirtualAddress: rva_debug_dir, Size: models.DEBUG_DIRECTORY_SIZE}
	sect := pe.SectionHeader32{
		VirtualSize:      winKernelSize - PAGE_SIZE,
		VirtualAddress:   PAGE_SIZE,
		SizeOfRawData:    winKernelSize - PAGE_SIZE,
		PointerToRawData: PAGE_SIZE,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	}
	copy(sect.Name[:], ".text")
	for _, v := range []interface{}{&fh, &opt, &sect} {
		if err := binary.Write(&buf, order, v); err != nil {
			panic(err)
		}
	}
	w.Write(winKernelPhys, buf.Bytes())

	cv := &models.CodeView{Signature: models.CODEVIEW_RSDS, GUID: WindowsGUID, Age: WINDOWS_AGE}
	record, err := cv.Pack(WINDOWS_PDB)
	if err != nil {
		panic(err)
	}
	w.Write(winKernelPhys+rva_codeview, record)
	dir := &models.DebugDirectory{
		Type:             models.IMAGE_DEBUG_TYPE_CODEVIEW,
		SizeOfData:       uint32(len(record)),
		AddressOfRawData: rva_codeview,
		PointerToRawData: rva_codeview,
	}
	buf.Reset()
	if err := struc.PackWithOrder(&buf, dir, order); err != nil {
		panic(err)
	}
	w.Write(winKernelPhys+rva_debug_dir, buf.Bytes())
}

// utf16le encodes s without a terminator.
func utf16le(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:], u)
	}
	return out
}

// unicodeString fills the _UNICODE_STRING at phys with s stored at buf.
func (w *WindowsImage) unicodeString(phys, buf, bufPhys uint64, s string) {
	raw := utf16le(s)
	w.Put16(phys+ustr_len, uint16(len(raw)))
	w.Put16(phys+ustr_max, uint16(len(raw)+2))
	w.Put64(phys+ustr_buffer, buf)
	w.Write(bufPhys, raw)
}

// addModule appends a kernel module entry and its names to the list at head.
func (w *WindowsImage) addModule(m KernelModule, head uint64) {
	e := w.poolAlloc(ldr_size + 0x100)
	w.Modules[m.Name()] = e
	ep := w.Phys(e)
	w.Put64(ep+ldr_base, m.Base)
	w.Put32(ep+ldr_image, m.Size)
	w.unicodeString(ep+ldr_full_name, e+ldr_size, ep+ldr_size, m.Path)
	w.unicodeString(ep+ldr_base_name, e+ldr_size+0xc0, ep+ldr_size+0xc0, m.Name())
	w.link(e+ldr_links, head, w.Phys)
}

// link inserts entry at the tail of the _LIST_ENTRY at head.
func (w *WindowsImage) link(entry, head uint64, phys func(uint64) uint64) {
	prev := w.Get64(phys(head + 8))
	w.Put64(phys(entry), head)
	w.Put64(phys(entry+8), prev)
	w.Put64(phys(prev), entry)
	w.Put64(phys(head+8), entry)
}

// addPEB maps a user region at WINDOWS_PEB holding the loader list and
// environment of p.
func (w *WindowsImage) addPEB(as *AddressSpace, p Process) uint64 {
	base := w.Alloc(winUserSize, PAGE_SIZE)
	as.Map(WINDOWS_PEB, base, winUserSize)
	phys := func(va uint64) uint64 { return va - WINDOWS_PEB + base }
	const (
		ldrOff    = 0x100
		paramsOff = 0x200
		envOff    = 0x400
		dllOff    = 0x800
		dllStride = 0x200
	)
	peb := uint64(WINDOWS_PEB)
	w.Put64(phys(peb+peb_ldr), peb+ldrOff)
	w.Put64(phys(peb+peb_params), peb+paramsOff)

	head := peb + ldrOff + ldrdata_load
	w.Put32(phys(peb+ldrOff), ldrdata_size)
	w.Put64(phys(head), head)
	w.Put64(phys(head+8), head)
	for i, path := range p.DLLs {
		e := peb + dllOff + uint64(i)*dllStride
		w.Put64(phys(e+ldr_base), DLLBase(i))
		w.Put32(phys(e+ldr_image), DLLSize(i))
		w.unicodeString(phys(e+ldr_full_name), e+ldr_size, phys(e+ldr_size), path)
		w.unicodeString(phys(e+ldr_base_name), e+0x180, phys(e+0x180), baseName(path))
		w.link(e+ldr_links, head, phys)
	}

	if len(p.Env) > 0 {
		env := peb + envOff
		w.Put64(phys(peb+paramsOff+params_env), env)
		w.Write(phys(env), utf16le(strings.Join(p.Env, "\x00")+"\x00\x00"))
	}
	return peb
}

// addProcess places an EPROCESS in a "Proc" pool allocation behind an
// _OBJECT_HEADER with a creator info header.
func (w *WindowsImage) addProcess(p Process, head uint64) {
	pool := w.poolAlloc(pool_size + creator_size + objhdr_body + eproc_size)
	w.Write(w.Phys(pool)+pool_tag, []byte(POOL_TAG_PROCESS))
	objhdr := pool + pool_size + creator_size
	w.Mem[w.Phys(objhdr)+objhdr_mask] = objhdr_creator
	e := objhdr + objhdr_body
	w.Processes[p.PID] = e
	ep := w.Phys(e)
	dtb := w.DTB
	if p.PID != 4 {
		as := w.NewAddressSpace()
		as.ShareKernel(w.Kernel)
		as.SelfRef(WINDOWS_SELF_REF)
		dtb = as.DTB
		if len(p.DLLs) > 0 || len(p.Env) > 0 {
			w.Put64(ep+eproc_peb, w.addPEB(as, p))
		}
	}
	w.Put64(ep+eproc_dtb, dtb)
	w.Put64(ep+eproc_create, Filetime(ProcessTime(p.PID)))
	if p.Exited {
		w.Put64(ep+eproc_exit, Filetime(ProcessTime(p.PID).Add(time.Hour)))
	}
	w.Put64(ep+eproc_pid, uint64(p.PID))
	w.Put64(ep+eproc_ppid, uint64(p.PPID))
	name := p.Name
	if len(name) > 14 {
		name = name[:14]
	}
	w.Write(ep+eproc_name, []byte(name))
	w.Put32(ep+eproc_threads, p.Threads)
	tbl := w.poolAlloc(handle_tbl_size)
	w.Put32(w.Phys(tbl)+handle_count, p.Handles)
	w.Put64(ep+eproc_objtable, tbl)

	if !p.Unlinked {
		w.link(e+eproc_links, head, w.Phys)
	}
}
