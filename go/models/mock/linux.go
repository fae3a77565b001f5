package mock

import (
	"path"
	"strconv"
	"strings"

	"github.com/lunixbochs/memscope/go/symbols"
)

const (
	START_KERNEL_MAP = 0xffffffff80000000
	PAGE_OFFSET_BASE = 0xffff888000000000
	MODULES_VADDR    = 0xffffffffc0000000

	LINUX_IMAGE_SIZE = 0x800000
	linuxHeap        = 0x500000 // kernel image must end here, so PhysShift <= 0x100000

	kernelText = START_KERNEL_MAP + 0x200000
	kernelData = START_KERNEL_MAP + 0x300000
	kernelSize = 0x200000

	DEFAULT_PHYS_SHIFT = 0x100000
	DEFAULT_VIRT_SHIFT = 0x3a00000

	USER_STACK = 0x7ffffffde000

	VM_READ   = 0x1
	VM_WRITE  = 0x2
	VM_EXEC   = 0x4
	VM_SHARED = 0x8
)

const LINUX_BANNER = "Linux version 5.4.0-mock (builder@memscope) (gcc version 9.3.0 (Ubuntu 9.3.0-17ubuntu1~20.04)) #1 SMP Mon Jan 1 00:00:00 UTC 2024\n"

// unshifted symbol addresses
var linuxSymbols = map[string]uint64{
	"_text":                      kernelText,
	"__x64_sys_read":             kernelText + 0x1000,
	"__x64_sys_write":            kernelText + 0x1100,
	"__x64_sys_open":             kernelText + 0x1180,
	"__x64_sys_close":            kernelText + 0x1200,
	"__ia32_sys_restart_syscall": kernelText + 0x2000,
	"__ia32_sys_exit":            kernelText + 0x2100,
	"__ia32_sys_fork":            kernelText + 0x2200,
	"asm_exc_divide_error":       kernelText + 0x3000,
	"asm_exc_debug":              kernelText + 0x3100,
	"asm_common_interrupt":       kernelText + 0x3200,
	"entry_INT80_compat":         kernelText + 0x3300,
	"sockfs_dname":               kernelText + 0x4000,
	"pipefs_dname":               kernelText + 0x4100,
	"n_tty_receive_buf":          kernelText + 0x5000,
	"_etext":                     kernelText + 0x80000,

	"linux_banner":        kernelData,
	"init_top_pgt":        kernelData + 0x1000,
	"init_task":           kernelData + 0x2000,
	"init_files":          kernelData + 0x2200,
	"modules":             kernelData + 0x2300,
	"page_offset_base":    kernelData + 0x2310,
	"tty_drivers":         kernelData + 0x2400,
	"sys_call_table":      kernelData + 0x3000,
	"ia32_sys_call_table": kernelData + 0x3100,
	"idt_table":           kernelData + 0x4000,
}

const (
	SYSCALLS      = 4
	IA32_SYSCALLS = 3
	IDT_ENTRIES   = 256
)

type VMA struct {
	Start, End uint64
	Flags      uint64
	PgOff      uint64
	File       string
	Inode      uint64
	Major      uint32
	Minor      uint32
	Data       []byte
}

type Task struct {
	PID  int
	PPID int
	Comm string
	// Args nil marks a kernel thread without an mm.
	Args    []string
	VMAs    []VMA
	Files   []string
	Threads []int
}

type Module struct {
	Name string
	Size uint32
}

type LinuxConfig struct {
	PhysShift uint64
	VirtShift uint64
	Tasks     []Task
	Modules   []Module
	// HookSyscall points sys_call_table[2] into the first module.
	HookSyscall bool
	// HookIDT points idt_table[0xee] into the first module.
	HookIDT bool
	// TTYs are the tty_driver "tty" slots, "" for an unopened slot.
	TTYs []string
	// HookTTY points the last tty's receive_buf into the first module.
	HookTTY bool
}

type LinuxImage struct {
	*Image
	ISF       *ISF
	Banner    string
	PhysShift uint64
	VirtShift uint64
	DTB       uint64
	Kernel    *AddressSpace

	Tasks   map[int]uint64
	Spaces  map[int]*AddressSpace
	Modules map[string]uint64
	Stacks  map[int]uint64

	dentries map[string]uint64
	dops     map[string]uint64
	sb       map[uint32]uint64
}

// Sym returns the runtime virtual address of a kernel symbol.
func (l *LinuxImage) Sym(name string) uint64 {
	return linuxSymbols[name] + l.VirtShift
}

// kphys converts an unshifted kernel image address to physical.
func (l *LinuxImage) kphys(addr uint64) uint64 {
	return addr - START_KERNEL_MAP + l.PhysShift
}

// SymPhys returns the physical address of a kernel symbol.
func (l *LinuxImage) SymPhys(name string) uint64 {
	return l.kphys(linuxSymbols[name])
}

func dm(paddr uint64) uint64 { return PAGE_OFFSET_BASE + paddr }

// Phys converts a kernel virtual address (direct map or kernel image) to physical.
func (l *LinuxImage) Phys(vaddr uint64) uint64 {
	if vaddr >= PAGE_OFFSET_BASE && vaddr < PAGE_OFFSET_BASE+LINUX_IMAGE_SIZE {
		return vaddr - PAGE_OFFSET_BASE
	}
	return l.kphys(vaddr - l.VirtShift)
}

// kernel struct offsets
const (
	list_next = 0x0
	list_prev = 0x8

	task_state        = 0x0
	task_tasks        = 0x10
	task_mm           = 0x20
	task_active_mm    = 0x28
	task_pid          = 0x30
	task_tgid         = 0x34
	task_real_parent  = 0x38
	task_parent       = 0x40
	task_children     = 0x48
	task_sibling      = 0x58
	task_thread_group = 0x68
	task_comm         = 0x78
	task_files        = 0x88
	task_start_time   = 0x90
	task_size         = 0x100

	mm_mmap        = 0x0
	mm_pgd         = 0x8
	mm_arg_start   = 0x10
	mm_arg_end     = 0x18
	mm_start_brk   = 0x20
	mm_brk         = 0x28
	mm_start_stack = 0x30
	mm_size        = 0x80

	vma_start = 0x0
	vma_end   = 0x8
	vma_next  = 0x10
	vma_flags = 0x18
	vma_pgoff = 0x20
	vma_file  = 0x28
	vma_mm    = 0x30
	vma_size  = 0x40

	file_path   = 0x0
	file_inode  = 0x10
	file_size   = 0x40
	path_mnt    = 0x0
	path_dentry = 0x8

	dentry_parent = 0x0
	dentry_name   = 0x8
	dentry_inode  = 0x18
	dentry_op     = 0x20
	dentry_size   = 0x40
	dops_dname    = 0x10
	dops_size     = 0x40
	qstr_name     = 0x8

	inode_ino  = 0x0
	inode_sb   = 0x8
	inode_size = 0x40
	sb_dev     = 0x0

	files_fdt   = 0x0
	files_size  = 0x40
	fdt_max_fds = 0x0
	fdt_fd      = 0x8
	fdt_size    = 0x20

	module_state = 0x0
	module_list  = 0x8
	module_name  = 0x18
	module_core  = 0x50
	module_size  = 0x100
	layout_base  = 0x0
	layout_size  = 0x8

	gate_size = 0x10

	tty_driver_name = 0x0
	tty_driver_list = 0x8
	tty_driver_ttys = 0x18
	tty_driver_num  = 0x20
	tty_driver_size = 0x40
	tty_name        = 0x0
	tty_ldisc       = 0x40
	tty_size        = 0x80
	ldisc_ops       = 0x0
	ldisc_size      = 0x10
	ldisc_receive   = 0x20
	ldisc_ops_size  = 0x80
)

func linuxISF() *ISF {
	i := NewISF()
	i.Metadata.Linux = &symbols.LinuxInfo{Symbols: []symbols.SourceInfo{{Kind: "dwarf", Name: "vmlinux", Banner: LINUX_BANNER}}}
	i.CBaseTypes(8, 8)
	ulong := Base("long unsigned int")
	i.Struct("list_head", 16, map[string]F{
		"next": {list_next, Ptr(Struct("list_head"))},
		"prev": {list_prev, Ptr(Struct("list_head"))},
	})
	i.Struct("task_struct", task_size, map[string]F{
		"state":        {task_state, Base("long")},
		"tasks":        {task_tasks, Struct("list_head")},
		"mm":           {task_mm, Ptr(Struct("mm_struct"))},
		"active_mm":    {task_active_mm, Ptr(Struct("mm_struct"))},
		"pid":          {task_pid, Base("int")},
		"tgid":         {task_tgid, Base("int")},
		"real_parent":  {task_real_parent, Ptr(Struct("task_struct"))},
		"parent":       {task_parent, Ptr(Struct("task_struct"))},
		"children":     {task_children, Struct("list_head")},
		"sibling":      {task_sibling, Struct("list_head")},
		"thread_group": {task_thread_group, Struct("list_head")},
		"comm":         {task_comm, Array(16, Base("char"))},
		"files":        {task_files, Ptr(Struct("files_struct"))},
		"start_time":   {task_start_time, Base("long long unsigned int")},
	})
	i.Struct("mm_struct", mm_size, map[string]F{
		"mmap":        {mm_mmap, Ptr(Struct("vm_area_struct"))},
		"pgd":         {mm_pgd, Ptr(ulong)},
		"arg_start":   {mm_arg_start, ulong},
		"arg_end":     {mm_arg_end, ulong},
		"start_brk":   {mm_start_brk, ulong},
		"brk":         {mm_brk, ulong},
		"start_stack": {mm_start_stack, ulong},
	})
	i.Struct("vm_area_struct", vma_size, map[string]F{
		"vm_start": {vma_start, ulong},
		"vm_end":   {vma_end, ulong},
		"vm_next":  {vma_next, Ptr(Struct("vm_area_struct"))},
		"vm_flags": {vma_flags, ulong},
		"vm_pgoff": {vma_pgoff, ulong},
		"vm_file":  {vma_file, Ptr(Struct("file"))},
		"vm_mm":    {vma_mm, Ptr(Struct("mm_struct"))},
	})
	i.Struct("path", 16, map[string]F{
		"mnt":    {path_mnt, Ptr(Struct("vfsmount"))},
		"dentry": {path_dentry, Ptr(Struct("dentry"))},
	})
	i.Struct("vfsmount", 16, map[string]F{
		"mnt_root": {0, Ptr(Struct("dentry"))},
	})
	i.Struct("file", file_size, map[string]F{
		"f_path":  {file_path, Struct("path")},
		"f_inode": {file_inode, Ptr(Struct("inode"))},
	})
	i.Struct("qstr", 16, map[string]F{
		"hash": {0, Base("unsigned int")},
		"len":  {4, Base("unsigned int")},
		"name": {qstr_name, Ptr(Base("unsigned char"))},
	})
	i.Struct("dentry", dentry_size, map[string]F{
		"d_parent": {dentry_parent, Ptr(Struct("dentry"))},
		"d_name":   {dentry_name, Struct("qstr")},
		"d_inode":  {dentry_inode, Ptr(Struct("inode"))},
		"d_op":     {dentry_op, Ptr(Struct("dentry_operations"))},
	})
	i.Struct("dentry_operations", dops_size, map[string]F{
		"d_dname": {dops_dname, Ptr(Func())},
	})
	i.Struct("inode", inode_size, map[string]F{
		"i_ino": {inode_ino, ulong},
		"i_sb":  {inode_sb, Ptr(Struct("super_block"))},
	})
	i.Struct("super_block", 0x20, map[string]F{
		"s_dev": {sb_dev, Base("unsigned int")},
	})
	i.Struct("files_struct", files_size, map[string]F{
		"fdt": {files_fdt, Ptr(Struct("fdtable"))},
	})
	i.Struct("fdtable", fdt_size, map[string]F{
		"max_fds": {fdt_max_fds, Base("unsigned int")},
		"fd":      {fdt_fd, Ptr(Ptr(Struct("file")))},
	})
	i.Enum("module_state", 4, "unsigned int", map[string]int64{
		"MODULE_STATE_LIVE":     0,
		"MODULE_STATE_COMING":   1,
		"MODULE_STATE_GOING":    2,
		"MODULE_STATE_UNFORMED": 3,
	})
	i.Struct("module_layout", 0x10, map[string]F{
		"base": {layout_base, Ptr(Void())},
		"size": {layout_size, Base("unsigned int")},
	})
	i.Struct("module", module_size, map[string]F{
		"state":       {module_state, Enum("module_state")},
		"list":        {module_list, Struct("list_head")},
		"name":        {module_name, Array(56, Base("char"))},
		"core_layout": {module_core, Struct("module_layout")},
	})
	i.Struct("tty_driver", tty_driver_size, map[string]F{
		"name":        {tty_driver_name, Ptr(Base("char"))},
		"tty_drivers": {tty_driver_list, Struct("list_head")},
		"ttys":        {tty_driver_ttys, Ptr(Ptr(Struct("tty_struct")))},
		"num":         {tty_driver_num, Base("unsigned int")},
	})
	i.Struct("tty_struct", tty_size, map[string]F{
		"name":  {tty_name, Array(64, Base("char"))},
		"ldisc": {tty_ldisc, Ptr(Struct("tty_ldisc"))},
	})
	i.Struct("tty_ldisc", ldisc_size, map[string]F{
		"ops": {ldisc_ops, Ptr(Struct("tty_ldisc_ops"))},
	})
	i.Struct("tty_ldisc_ops", ldisc_ops_size, map[string]F{
		"receive_buf": {ldisc_receive, Ptr(Func())},
	})
	i.Struct("gate_struct", gate_size, map[string]F{
		"offset_low":    {0, Base("short unsigned int")},
		"segment":       {2, Base("short unsigned int")},
		"bits":          {4, Base("short unsigned int")},
		"offset_middle": {6, Base("short unsigned int")},
		"offset_high":   {8, Base("unsigned int")},
		"reserved":      {12, Base("unsigned int")},
	})

	fn := Ptr(Func())
	for name, addr := range linuxSymbols {
		switch name {
		case "linux_banner":
			i.Constant(name, addr, []byte(LINUX_BANNER+"\x00"))
			i.Symbols[name].Type = Array(uint64(len(LINUX_BANNER)+1), Base("char"))
		case "init_top_pgt":
			i.Symbol(name, addr, Array(512, ulong))
		case "init_task":
			i.Symbol(name, addr, Struct("task_struct"))
		case "init_files":
			i.Symbol(name, addr, Struct("files_struct"))
		case "modules", "tty_drivers":
			i.Symbol(name, addr, Struct("list_head"))
		case "page_offset_base":
			i.Symbol(name, addr, ulong)
		case "sys_call_table":
			i.Symbol(name, addr, Array(SYSCALLS, fn))
		case "ia32_sys_call_table":
			i.Symbol(name, addr, Array(IA32_SYSCALLS, fn))
		case "idt_table":
			i.Symbol(name, addr, Array(IDT_ENTRIES, Struct("gate_struct")))
		default:
			i.Symbol(name, addr, Func())
		}
	}
	return i
}

func DefaultLinuxTasks() []Task {
	return []Task{
		{PID: 1, PPID: 0, Comm: "systemd", Args: []string{"/sbin/init", "splash"},
			VMAs: []VMA{
				{Start: 0x55d4a2c00000, End: 0x55d4a2c02000, Flags: VM_READ | VM_EXEC, File: "/usr/lib/systemd/systemd", Inode: 1001, Major: 8, Minor: 1},
				{Start: 0x55d4a2c02000, End: 0x55d4a2c03000, Flags: VM_READ | VM_WRITE, PgOff: 2, File: "/usr/lib/systemd/systemd", Inode: 1001, Major: 8, Minor: 1},
			},
			Files: []string{"/dev/null", "/dev/null", "/dev/null", "socket:[1234]"},
		},
		{PID: 2, PPID: 0, Comm: "kthreadd"},
		{PID: 100, PPID: 1, Comm: "bash", Args: []string{"-bash"}, Threads: []int{101},
			VMAs: []VMA{
				{Start: 0x55e000000000, End: 0x55e000001000, Flags: VM_READ | VM_EXEC, File: "/usr/bin/bash", Inode: 2002, Major: 8, Minor: 1},
				{Start: 0x7f0000000000, End: 0x7f0000001000, Flags: VM_READ | VM_WRITE | VM_EXEC,
					Data: []byte{0x55, 0x48, 0x89, 0xe5, 0x48, 0x31, 0xc0, 0x90, 0xc3}},
			},
			Files: []string{"/dev/pts/0", "/dev/pts/0", "/dev/pts/0"},
		},
		{PID: 200, PPID: 1, Comm: "sshd", Args: []string{"sshd: /usr/sbin/sshd -D [listener] 0 of 10-100 startups"},
			Files: []string{"/dev/null", "socket:[3003]", "pipe:[4004]"},
			VMAs: []VMA{
				{Start: 0x560000000000, End: 0x560000001000, Flags: VM_READ, File: "/usr/sbin/sshd", Inode: 3003, Major: 8, Minor: 1},
			},
		},
	}
}

func DefaultLinuxModules() []Module {
	return []Module{{Name: "e1000", Size: 0x2000}, {Name: "ext4", Size: 0x5000}}
}

func DefaultLinuxTTYs() []string {
	return []string{"tty1", "", "tty2", "tty3", "tty4"}
}

// DefaultLinux builds the standard fixture used across tests.
func DefaultLinux() *LinuxImage {
	return Linux(LinuxConfig{
		PhysShift:   DEFAULT_PHYS_SHIFT,
		VirtShift:   DEFAULT_VIRT_SHIFT,
		Tasks:       DefaultLinuxTasks(),
		Modules:     DefaultLinuxModules(),
		HookSyscall: true,
		HookIDT:     true,
		TTYs:        DefaultLinuxTTYs(),
		HookTTY:     true,
	})
}

func Linux(cfg LinuxConfig) *LinuxImage {
	l := &LinuxImage{
		Image:     NewImage(LINUX_IMAGE_SIZE, linuxHeap),
		ISF:       linuxISF(),
		Banner:    LINUX_BANNER,
		PhysShift: cfg.PhysShift,
		VirtShift: cfg.VirtShift,
		Tasks:     make(map[int]uint64),
		Spaces:    make(map[int]*AddressSpace),
		Modules:   make(map[string]uint64),
		Stacks:    make(map[int]uint64),
		dentries:  make(map[string]uint64),
		dops:      make(map[string]uint64),
		sb:        make(map[uint32]uint64),
	}
	l.DTB = l.SymPhys("init_top_pgt")
	l.Kernel = l.AddressSpaceAt(l.DTB)
	l.Kernel.Map(kernelText+l.VirtShift, l.kphys(kernelText), kernelSize)
	l.Kernel.MapLarge(PAGE_OFFSET_BASE, 0, LINUX_IMAGE_SIZE)

	l.CString(l.SymPhys("linux_banner"), LINUX_BANNER)
	l.Put64(l.SymPhys("page_offset_base"), PAGE_OFFSET_BASE)
	l.initList(l.Sym("modules"))

	// init_task
	swapper := l.Sym("init_task")
	l.Tasks[0] = swapper
	l.fillTask(swapper, 0, 0, "swapper/0")
	l.put(swapper+task_real_parent, swapper)
	l.put(swapper+task_parent, swapper)
	l.put(swapper+task_files, l.Sym("init_files"))
	l.initList(swapper + task_tasks)

	for _, t := range cfg.Tasks {
		l.addTask(t)
	}
	for i, m := range cfg.Modules {
		l.addModule(i, m)
	}
	l.syscalls(cfg)
	l.idt(cfg)
	l.ttys(cfg)
	return l
}

func (l *LinuxImage) alloc(size uint64) uint64 {
	return dm(l.Alloc(size, 0x10))
}

func (l *LinuxImage) put(vaddr, v uint64) { l.Put64(l.Phys(vaddr), v) }

func (l *LinuxImage) initList(head uint64) {
	l.put(head+list_next, head)
	l.put(head+list_prev, head)
}

// listAdd appends node before head, like list_add_tail.
func (l *LinuxImage) listAdd(node, head uint64) {
	prev := l.Get64(l.Phys(head + list_prev))
	l.put(node+list_next, head)
	l.put(node+list_prev, prev)
	l.put(prev+list_next, node)
	l.put(head+list_prev, node)
}

func (l *LinuxImage) fillTask(task uint64, pid, tgid int, comm string) {
	p := l.Phys(task)
	l.Put32(p+task_pid, uint32(pid))
	l.Put32(p+task_tgid, uint32(tgid))
	l.Write(p+task_comm, []byte(comm))
	l.Put64(p+task_start_time, uint64(pid)*1000000000)
	l.initList(task + task_children)
	l.initList(task + task_sibling)
	l.initList(task + task_thread_group)
}

func (l *LinuxImage) addTask(t Task) {
	task := l.alloc(task_size)
	l.Tasks[t.PID] = task
	l.fillTask(task, t.PID, t.PID, t.Comm)
	parent, ok := l.Tasks[t.PPID]
	if !ok {
		parent = l.Tasks[0]
	}
	l.put(task+task_real_parent, parent)
	l.put(task+task_parent, parent)
	l.listAdd(task+task_tasks, l.Tasks[0]+task_tasks)
	l.listAdd(task+task_sibling, parent+task_children)

	if t.Args != nil {
		mm := l.addMM(t)
		l.put(task+task_mm, mm)
		l.put(task+task_active_mm, mm)
	}
	if len(t.Files) > 0 {
		l.put(task+task_files, l.addFiles(t.Files))
	} else {
		l.put(task+task_files, l.Sym("init_files"))
	}
	for _, tid := range t.Threads {
		thread := l.alloc(task_size)
		l.Tasks[tid] = thread
		l.fillTask(thread, tid, t.PID, t.Comm)
		for _, off := range []uint64{task_real_parent, task_parent, task_mm, task_active_mm, task_files} {
			l.put(thread+off, l.Get64(l.Phys(task+off)))
		}
		l.listAdd(thread+task_thread_group, task+task_thread_group)
	}
}

func pageAlign(n uint64) uint64 { return (n + PAGE_SIZE - 1) &^ (PAGE_SIZE - 1) }

func (l *LinuxImage) addMM(t Task) uint64 {
	mm := l.alloc(mm_size)
	as := l.NewAddressSpace()
	as.ShareKernel(l.Kernel)
	l.Spaces[t.PID] = as
	l.put(mm+mm_pgd, dm(as.DTB))

	// stack holds the NUL separated argv
	stack := l.Alloc(PAGE_SIZE, PAGE_SIZE)
	as.Map(USER_STACK, stack, PAGE_SIZE)
	l.Stacks[t.PID] = stack
	args := []byte(strings.Join(t.Args, "\x00") + "\x00")
	l.Write(stack, args)
	l.put(mm+mm_arg_start, USER_STACK)
	l.put(mm+mm_arg_end, USER_STACK+uint64(len(args)))
	l.put(mm+mm_start_stack, USER_STACK+0x800)

	vmas := append([]VMA(nil), t.VMAs...)
	vmas = append(vmas, VMA{Start: USER_STACK, End: USER_STACK + PAGE_SIZE, Flags: VM_READ | VM_WRITE})
	var prev uint64
	for _, v := range vmas {
		vma := l.alloc(vma_size)
		l.put(vma+vma_start, v.Start)
		l.put(vma+vma_end, v.End)
		l.put(vma+vma_flags, v.Flags)
		l.put(vma+vma_pgoff, v.PgOff)
		l.put(vma+vma_mm, mm)
		if v.File != "" {
			l.put(vma+vma_file, l.addFile(v.File, v.Inode, v.Major, v.Minor))
		}
		if v.Data != nil {
			size := pageAlign(v.End - v.Start)
			data := l.Alloc(size, PAGE_SIZE)
			as.Map(v.Start, data, size)
			l.Write(data, v.Data)
		}
		if prev == 0 {
			l.put(mm+mm_mmap, vma)
		} else {
			l.put(prev+vma_next, vma)
		}
		prev = vma
	}
	return mm
}

func (l *LinuxImage) cstring(s string) uint64 {
	addr := l.alloc(uint64(len(s) + 1))
	l.CString(l.Phys(addr), s)
	return addr
}

func (l *LinuxImage) dentry(p string) uint64 {
	if d, ok := l.dentries[p]; ok {
		return d
	}
	d := l.alloc(dentry_size)
	l.dentries[p] = d
	name := path.Base(p)
	parent := d
	if strings.HasPrefix(p, "/") && p != "/" {
		parent = l.dentry(path.Dir(p))
	}
	l.put(d+dentry_parent, parent)
	l.Put32(l.Phys(d+dentry_name+4), uint32(len(name)))
	l.put(d+dentry_name+qstr_name, l.cstring(name))
	return d
}

// pseudoFile splits names like "socket:[1234]" into the filesystem and inode.
func pseudoFile(p string) (string, uint64, bool) {
	for _, fs := range []string{"socket", "pipe"} {
		rest := strings.TrimPrefix(p, fs+":[")
		if rest == p || !strings.HasSuffix(rest, "]") {
			continue
		}
		ino, err := strconv.ParseUint(strings.TrimSuffix(rest, "]"), 10, 64)
		if err != nil {
			return "", 0, false
		}
		return fs, ino, true
	}
	return "", 0, false
}

// pseudoDentry allocates an unnamed root dentry whose d_op names it through
// sockfs_dname or pipefs_dname, as the kernel does for sockets and pipes.
func (l *LinuxImage) pseudoDentry(fs string) uint64 {
	ops, ok := l.dops[fs]
	if !ok {
		ops = l.alloc(dops_size)
		l.put(ops+dops_dname, l.Sym(fs+"fs_dname"))
		l.dops[fs] = ops
	}
	d := l.alloc(dentry_size)
	l.put(d+dentry_parent, d)
	l.put(d+dentry_name+qstr_name, l.cstring(""))
	l.put(d+dentry_op, ops)
	return d
}

func (l *LinuxImage) superBlock(dev uint32) uint64 {
	if sb, ok := l.sb[dev]; ok {
		return sb
	}
	sb := l.alloc(0x20)
	l.Put32(l.Phys(sb+sb_dev), dev)
	l.sb[dev] = sb
	return sb
}

func (l *LinuxImage) addFile(p string, ino uint64, major, minor uint32) uint64 {
	f := l.alloc(file_size)
	var d uint64
	if fs, n, ok := pseudoFile(p); ok {
		d, ino = l.pseudoDentry(fs), n
	} else {
		d = l.dentry(p)
	}
	l.put(f+file_path+path_dentry, d)
	inode := l.alloc(inode_size)
	l.put(inode+inode_ino, ino)
	l.put(inode+inode_sb, l.superBlock(major<<20|minor))
	l.put(f+file_inode, inode)
	l.put(d+dentry_inode, inode)
	return f
}

func (l *LinuxImage) addFiles(paths []string) uint64 {
	files := l.alloc(files_size)
	fdt := l.alloc(fdt_size)
	fds := l.alloc(uint64(8 * len(paths)))
	l.put(files+files_fdt, fdt)
	l.Put32(l.Phys(fdt+fdt_max_fds), uint32(len(paths)))
	l.put(fdt+fdt_fd, fds)
	for i, p := range paths {
		if p == "" {
			continue
		}
		l.put(fds+uint64(i)*8, l.addFile(p, uint64(5000+i), 0, 0))
	}
	return files
}

func (l *LinuxImage) addModule(i int, m Module) {
	mod := l.alloc(module_size)
	base := uint64(MODULES_VADDR) + uint64(i)*0x100000
	l.Modules[m.Name] = base
	l.Put32(l.Phys(mod+module_state), 0)
	l.Write(l.Phys(mod+module_name), []byte(m.Name))
	l.put(mod+module_core+layout_base, base)
	l.Put32(l.Phys(mod+module_core+layout_size), m.Size)
	l.listAdd(mod+module_list, l.Sym("modules"))
}

func (l *LinuxImage) firstModule() uint64 {
	var first uint64
	for _, base := range l.Modules {
		if first == 0 || base < first {
			first = base
		}
	}
	return first + 0x40
}

func (l *LinuxImage) syscalls(cfg LinuxConfig) {
	table := l.Sym("sys_call_table")
	for i, name := range []string{"__x64_sys_read", "__x64_sys_write", "__x64_sys_open", "__x64_sys_close"} {
		addr := l.Sym(name)
		if i == 2 && cfg.HookSyscall && len(l.Modules) > 0 {
			addr = l.firstModule()
		}
		l.put(table+uint64(i)*8, addr)
	}
	ia32 := l.Sym("ia32_sys_call_table")
	for i, name := range []string{"__ia32_sys_restart_syscall", "__ia32_sys_exit", "__ia32_sys_fork"} {
		l.put(ia32+uint64(i)*8, l.Sym(name))
	}
}

func (l *LinuxImage) gate(i int, addr uint64) {
	g := l.Phys(l.Sym("idt_table") + uint64(i)*gate_size)
	l.Put16(g, uint16(addr))
	l.Put16(g+2, 0x10)
	l.Put16(g+4, 0x8e00)
	l.Put16(g+6, uint16(addr>>16))
	l.Put32(g+8, uint32(addr>>32))
}

func (l *LinuxImage) idt(cfg LinuxConfig) {
	for i := 0; i < IDT_ENTRIES; i++ {
		addr := l.Sym("asm_common_interrupt")
		switch {
		case i == 0:
			addr = l.Sym("asm_exc_divide_error")
		case i == 1:
			addr = l.Sym("asm_exc_debug")
		case i == 0x80:
			addr = l.Sym("entry_INT80_compat")
		case i == 0xee && cfg.HookIDT && len(l.Modules) > 0:
			addr = l.firstModule()
		}
		l.gate(i, addr)
	}
}

func (l *LinuxImage) ldiscOps(receive uint64) uint64 {
	ops := l.alloc(ldisc_ops_size)
	l.put(ops+ldisc_receive, receive)
	return ops
}

func (l *LinuxImage) ttys(cfg LinuxConfig) {
	head := l.Sym("tty_drivers")
	l.initList(head)
	if len(cfg.TTYs) == 0 {
		return
	}
	ntty := l.ldiscOps(l.Sym("n_tty_receive_buf"))
	drv := l.alloc(tty_driver_size)
	l.put(drv+tty_driver_name, l.cstring("tty"))
	slots := l.alloc(uint64(8 * len(cfg.TTYs)))
	l.put(drv+tty_driver_ttys, slots)
	l.Put32(l.Phys(drv+tty_driver_num), uint32(len(cfg.TTYs)))
	l.listAdd(drv+tty_driver_list, head)
	for i, name := range cfg.TTYs {
		if name == "" {
			continue
		}
		ops := ntty
		if cfg.HookTTY && i == len(cfg.TTYs)-1 && len(l.Modules) > 0 {
			ops = l.ldiscOps(l.firstModule() + 0x40)
		}
		ld := l.alloc(ldisc_size)
		l.put(ld+ldisc_ops, ops)
		tty := l.alloc(tty_size)
		l.Write(l.Phys(tty+tty_name), []byte(name))
		l.put(tty+tty_ldisc, ld)
		l.put(slots+uint64(i)*8, tty)
	}
}
