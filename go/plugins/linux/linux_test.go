package linux

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/models/mock"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/plugins/plugintest"
)

func linuxContext(t *testing.T) (*plugins.Context, *mock.LinuxImage) {
	img := mock.DefaultLinux()
	return plugintest.Linux(t, img), img
}

func TestPsList(t *testing.T) {
	c, img := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.pslist.PsList")
	want := [][]interface{}{
		{0, models.Hex(img.Tasks[1]), 1, 1, 0, "systemd"},
		{0, models.Hex(img.Tasks[2]), 2, 2, 0, "kthreadd"},
		{0, models.Hex(img.Tasks[100]), 100, 100, 1, "bash"},
		{0, models.Hex(img.Tasks[200]), 200, 200, 1, "sshd"},
	}
	if diff := cmp.Diff(want, plugintest.Rows(grid)); diff != "" {
		t.Errorf("pslist mismatch (-want +got):\n%s", diff)
	}
}

func TestPsListThreads(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.pslist.PsList", "-threads", "-pid", "100")
	if diff := cmp.Diff([]interface{}{100, 101}, plugintest.Column(grid, "TID")); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]interface{}{100, 100}, plugintest.Column(grid, "PID")); diff != "" {
		t.Errorf("thread group mismatch (-want +got):\n%s", diff)
	}
}

func TestPsListPidFilter(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.pslist.PsList", "-pid", "1,200")
	if diff := cmp.Diff([]interface{}{"systemd", "sshd"}, plugintest.Column(grid, "COMM")); diff != "" {
		t.Errorf("filter mismatch (-want +got):\n%s", diff)
	}
	if _, err := plugins.Run(context.Background(), c, "linux.pslist.PsList", []string{"-pid", "x"}); err == nil {
		t.Error("bad pid accepted")
	}
}

func TestPsTree(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.pstree.PsTree", "-threads")
	var got []string
	grid.Visit(func(n *models.TreeNode) error {
		got = append(got, strings.Repeat("*", n.Depth())+n.Values[4].(string))
		return nil
	})
	want := []string{"systemd", "*bash", "**bash", "*sshd", "kthreadd"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("pstree mismatch (-want +got):\n%s", diff)
	}

	grid = plugintest.Run(t, c, "linux.pstree.PsTree", "-pid", "100")
	if diff := cmp.Diff([]interface{}{1, 100}, plugintest.Column(grid, "PID")); diff != "" {
		t.Errorf("pstree ancestry mismatch (-want +got):\n%s", diff)
	}
}

func TestPsAux(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.psaux.PsAux")
	want := []interface{}{
		"/sbin/init splash",
		"[kthreadd]",
		"-bash",
		"sshd: /usr/sbin/sshd -D [listener] 0 of 10-100 startups",
	}
	if diff := cmp.Diff(want, plugintest.Column(grid, "ARGS")); diff != "" {
		t.Errorf("psaux mismatch (-want +got):\n%s", diff)
	}
	if _, ok := c.Layers.Get("kernel_Process100"); !ok {
		t.Error("process layer was not registered")
	}
}

func TestLsmod(t *testing.T) {
	c, img := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.lsmod.Lsmod")
	if diff := cmp.Diff([]interface{}{"e1000", "ext4"}, plugintest.Column(grid, "Name")); diff != "" {
		t.Errorf("names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]interface{}{uint64(0x2000), uint64(0x5000)}, plugintest.Column(grid, "Size")); diff != "" {
		t.Errorf("sizes mismatch (-want +got):\n%s", diff)
	}
	mods, err := ListModules(c)
	if err != nil {
		t.Fatal(err)
	}
	if mods[0].Base != img.Modules["e1000"] || !mods[0].Contains(img.Modules["e1000"]+0x40) {
		t.Errorf("e1000 base = %#x", mods[0].Base)
	}
}

func TestCheckSyscall(t *testing.T) {
	c, img := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.check_syscall.Check_syscall")
	want := []interface{}{
		"__x64_sys_read", "__x64_sys_write", UNKNOWN, "__x64_sys_close",
		"__ia32_sys_restart_syscall", "__ia32_sys_exit", "__ia32_sys_fork",
	}
	if diff := cmp.Diff(want, plugintest.Column(grid, "Handler Symbol")); diff != "" {
		t.Errorf("handlers mismatch (-want +got):\n%s", diff)
	}
	expected := plugintest.Column(grid, "Expected")
	if diff := cmp.Diff([]interface{}{"restart_syscall", "exit", "fork"}, expected[4:]); diff != "" {
		t.Errorf("ia32 names mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]interface{}{"read", "write", "open", "close"}, expected[:4]); diff != "" {
		t.Errorf("x64 names mismatch (-want +got):\n%s", diff)
	}
	if name := syscallNames("sys_call_table", 4)[1]; name != "exit" {
		t.Errorf("32-bit native table index 1 = %q", name)
	}
	hooked := plugintest.Column(grid, "Handler Address")[2]
	if hooked != models.Hex(img.Modules["e1000"]+0x40) {
		t.Errorf("hooked handler = %v", hooked)
	}
}

func TestCheckIDT(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.check_idt.Check_idt")
	if grid.Len() != IDT_ENTRIES {
		t.Fatalf("got %d gates", grid.Len())
	}
	rows := plugintest.Rows(grid)
	check := func(i int, module, symbol string) {
		t.Helper()
		if rows[i][3] != module || rows[i][4] != symbol {
			t.Errorf("gate %#x = %v", i, rows[i])
		}
	}
	check(0, KERNEL_OWNER, "asm_exc_divide_error")
	check(1, KERNEL_OWNER, "asm_exc_debug")
	check(0x80, KERNEL_OWNER, "entry_INT80_compat")
	check(0x81, KERNEL_OWNER, "asm_common_interrupt")
	check(0xee, "e1000", UNKNOWN)
}

func TestTTYCheck(t *testing.T) {
	c, img := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.tty_check.tty_check")
	ntty := models.Hex(img.Sym("n_tty_receive_buf"))
	want := [][]interface{}{
		{0, "tty1", ntty, KERNEL_OWNER, "n_tty_receive_buf"},
		{0, "tty2", ntty, KERNEL_OWNER, "n_tty_receive_buf"},
		{0, "tty3", ntty, KERNEL_OWNER, "n_tty_receive_buf"},
		{0, "tty4", models.Hex(img.Modules["e1000"] + 0x80), "e1000", UNKNOWN},
	}
	if diff := cmp.Diff(want, plugintest.Rows(grid)); diff != "" {
		t.Errorf("tty_check mismatch (-want +got):\n%s", diff)
	}

	empty := mock.Linux(mock.LinuxConfig{PhysShift: mock.DEFAULT_PHYS_SHIFT, VirtShift: mock.DEFAULT_VIRT_SHIFT})
	grid = plugintest.Run(t, plugintest.Linux(t, empty), "linux.tty_check.tty_check")
	if grid.Len() != 0 {
		t.Errorf("got %d ttys without drivers", grid.Len())
	}
}

func TestDecodeGate(t *testing.T) {
	p := []byte{0x34, 0x12, 0x10, 0x00, 0x00, 0x8e, 0x78, 0x56, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}
	addr, err := DecodeGate(p, 8)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0xffffffff56781234 {
		t.Errorf("addr = %#x", addr)
	}
	addr, err = DecodeGate(p[:8], 4)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 0x56781234 {
		t.Errorf("32-bit addr = %#x", addr)
	}
}

func TestMaps(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.proc.Maps", "-pid", "1")
	want := [][]interface{}{
		{0, 1, "systemd", models.Hex(0x55d4a2c00000), models.Hex(0x55d4a2c02000), "r-xp", models.Hex(0), uint64(8), uint64(1), uint64(1001), "/usr/lib/systemd/systemd", "Disabled"},
		{0, 1, "systemd", models.Hex(0x55d4a2c02000), models.Hex(0x55d4a2c03000), "rw-p", models.Hex(0x2000), uint64(8), uint64(1), uint64(1001), "/usr/lib/systemd/systemd", "Disabled"},
		{0, 1, "systemd", models.Hex(mock.USER_STACK), models.Hex(mock.USER_STACK + mock.PAGE_SIZE), "rw-p", models.Hex(0), 0, 0, 0, ANONYMOUS, "Disabled"},
	}
	if diff := cmp.Diff(want, plugintest.Rows(grid)); diff != "" {
		t.Errorf("maps mismatch (-want +got):\n%s", diff)
	}
}

func TestMapsDump(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.proc.Maps", "-pid", "100", "-dump")
	outputs := plugintest.Column(grid, "File output")
	if len(outputs) != 3 {
		t.Fatalf("got %d mappings", len(outputs))
	}
	name := "pid.100.vma.0x7f0000000000-0x7f0000001000.dmp"
	if outputs[1] != name {
		t.Fatalf("output = %v", outputs[1])
	}
	data, err := os.ReadFile(filepath.Join(c.Config.OutputDir, name))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 0x1000 || data[0] != 0x55 || data[8] != 0xc3 {
		t.Errorf("dump has %d bytes starting % x", len(data), data[:9])
	}
}

func TestMalfind(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.malfind.Malfind")
	rows := plugintest.Rows(grid)
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	row := rows[0]
	if row[1] != 100 || row[3] != models.Hex(0x7f0000000000) || row[5] != "rwxp" {
		t.Errorf("row = %v", row[:6])
	}
	dump := row[6].(models.Bytes)
	if len(dump.Data) != PREVIEW_SIZE || dump.Data[0] != 0x55 {
		t.Errorf("hexdump = % x", dump.Data)
	}
	dis := string(row[7].(models.Disassembly))
	if !strings.HasPrefix(dis, "0x7f0000000000:\tpush rbp\n0x7f0000000001:\tmov rbp, rsp") {
		t.Errorf("disassembly = %q", dis)
	}
}

func TestLsof(t *testing.T) {
	c, _ := linuxContext(t)
	grid := plugintest.Run(t, c, "linux.lsof.Lsof", "-pid", "1", "-pid", "100", "-pid", "200")
	want := [][]interface{}{
		{0, 1, "systemd", 0, "/dev/null"},
		{0, 1, "systemd", 1, "/dev/null"},
		{0, 1, "systemd", 2, "/dev/null"},
		{0, 1, "systemd", 3, "socket:[1234]"},
		{0, 100, "bash", 0, "/dev/pts/0"},
		{0, 100, "bash", 1, "/dev/pts/0"},
		{0, 100, "bash", 2, "/dev/pts/0"},
		{0, 200, "sshd", 0, "/dev/null"},
		{0, 200, "sshd", 1, "socket:[3003]"},
		{0, 200, "sshd", 2, "pipe:[4004]"},
	}
	if diff := cmp.Diff(want, plugintest.Rows(grid)); diff != "" {
		t.Errorf("lsof mismatch (-want +got):\n%s", diff)
	}
}

func TestPseudoDentries(t *testing.T) {
	c, _ := linuxContext(t)
	tasks, err := ListTasks(c, false)
	if err != nil {
		t.Fatal(err)
	}
	var files []OpenFile
	for _, task := range Filter(tasks, plugins.IntList{200}) {
		if files, err = task.Files(); err != nil {
			t.Fatal(err)
		}
	}
	if len(files) != 3 {
		t.Fatalf("got %d files", len(files))
	}
	for _, f := range files[1:] {
		d, err := f.File.MustMember("f_path.dentry").Deref()
		if err != nil {
			t.Fatal(err)
		}
		// named by d_op->d_dname, not d_name
		if name, err := DentryName(d); err != nil || name != "" {
			t.Errorf("d_name = %q %v", name, err)
		}
	}
	d, err := files[0].File.MustMember("f_path.dentry").Deref()
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := dname(d); ok {
		t.Errorf("/dev/null named %q", s)
	}
}

func TestRequiresLinux(t *testing.T) {
	c := plugintest.Windows(t, mock.DefaultWindows())
	if _, err := plugins.Run(context.Background(), c, "linux.pslist.PsList", nil); err == nil || !strings.Contains(err.Error(), "requires a linux image") {
		t.Errorf("err = %v", err)
	}
}
