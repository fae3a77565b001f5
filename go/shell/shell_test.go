package shell

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"regexp"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/lunixbochs/memscope/go/models/mock"
	_ "github.com/lunixbochs/memscope/go/plugins/linux"
	"github.com/lunixbochs/memscope/go/plugins/plugintest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func linuxShell(t *testing.T) (*Context, *bytes.Buffer, *mock.LinuxImage) {
	img := mock.DefaultLinux()
	var out bytes.Buffer
	return NewContext(context.Background(), plugintest.Linux(t, img), &out), &out, img
}

func run(t *testing.T, c *Context, out *bytes.Buffer, line string) string {
	t.Helper()
	out.Reset()
	if err := Run(c, line); err != nil {
		t.Fatalf("%s: %v", line, err)
	}
	return out.String()
}

func TestLayers(t *testing.T) {
	c, out, _ := linuxShell(t)
	if c.Layer != "kernel" {
		t.Fatalf("starting layer = %q", c.Layer)
	}
	if got := run(t, c, out, "layers"); !strings.Contains(got, "* kernel") {
		t.Errorf("current layer not marked:\n%s", got)
	}
	run(t, c, out, "cl "+c.Physical)
	if c.Layer != c.Physical {
		t.Errorf("layer = %q after cl", c.Layer)
	}
	if err := Run(c, "cl nowhere"); err == nil {
		t.Error("cl accepted a missing layer")
	}
}

func TestDisplayMemory(t *testing.T) {
	c, out, img := linuxShell(t)
	addr := img.Sym("linux_banner")
	got := run(t, c, out, fmt.Sprintf("db %#x 16", addr))
	if !strings.Contains(got, "["+mock.LINUX_BANNER[:16]+"]") {
		t.Errorf("db output:\n%s", got)
	}
	if lines := strings.Count(run(t, c, out, fmt.Sprintf("db %#x", addr)), "\n"); lines != DB_DEFAULT/16 {
		t.Errorf("default db printed %d lines", lines)
	}
	got = run(t, c, out, fmt.Sprintf("dq %d 1", addr))
	want := fmt.Sprintf("%#x: %#018x", addr, binary.LittleEndian.Uint64([]byte(mock.LINUX_BANNER)))
	if strings.TrimSpace(got) != want {
		t.Errorf("dq = %q, want %q", got, want)
	}
}

func TestDisplayType(t *testing.T) {
	c, out, img := linuxShell(t)
	layout := run(t, c, out, "dt task_struct")
	if !strings.HasPrefix(layout, "struct task_struct (") || !strings.Contains(layout, "thread_group") {
		t.Errorf("layout:\n%s", layout)
	}
	got := run(t, c, out, fmt.Sprintf("dt task_struct %#x", img.Sym("init_task")))
	if !regexp.MustCompile(`(?m)^\s+0x[0-9a-f]+\s+pid\s+int\s+0$`).MatchString(got) {
		t.Errorf("init_task pid missing:\n%s", got)
	}
	if err := Run(c, "dt no_such_type"); err == nil {
		t.Error("dt accepted an unknown type")
	}
}

func TestSymbol(t *testing.T) {
	c, out, img := linuxShell(t)
	addr := img.Sym("linux_banner")
	if got := run(t, c, out, "sym linux_banner"); !strings.HasPrefix(got, fmt.Sprintf("%#x  linux_banner", addr)) {
		t.Errorf("sym = %q", got)
	}
	if got := run(t, c, out, fmt.Sprintf("sym %#x", addr+4)); !strings.Contains(got, "linux_banner+0x4") {
		t.Errorf("reverse sym = %q", got)
	}
}

func TestPlugins(t *testing.T) {
	c, out, _ := linuxShell(t)
	got := run(t, c, out, "ps")
	for _, comm := range []string{"systemd", "bash", "sshd"} {
		if !strings.Contains(got, comm) {
			t.Errorf("ps missing %s:\n%s", comm, got)
		}
	}
	if got := run(t, c, out, "run linux.lsmod.Lsmod"); !strings.Contains(got, "e1000") {
		t.Errorf("lsmod:\n%s", got)
	}
	if got := run(t, c, out, "run linux.pslist.PsList -pid 200"); strings.Contains(got, "bash") || !strings.Contains(got, "sshd") {
		t.Errorf("filtered pslist:\n%s", got)
	}
	got = run(t, c, out, "help")
	if !strings.Contains(got, "dq") || !strings.Contains(got, "linux.malfind.Malfind") {
		t.Errorf("help:\n%s", got)
	}
	if got := run(t, c, out, "help linux.pslist.PsList"); !strings.Contains(got, "-pid") {
		t.Errorf("plugin help:\n%s", got)
	}
}

func TestErrors(t *testing.T) {
	c, out, _ := linuxShell(t)
	tests := []struct {
		line string
		want string
	}{
		{"bogus", "command not found."},
		{"db", "error: usage: db <addr> [len]"},
		{"db 1 2 3", "error: usage: db <addr> [len]"},
		{"db zz", `"zz"`},
		{`sym "linux_banner`, "parse error"},
	}
	for _, test := range tests {
		out.Reset()
		if err := Run(c, test.line); err == nil {
			t.Errorf("%s: no error", test.line)
		}
		if !strings.Contains(out.String(), test.want) {
			t.Errorf("%s: printed %q, want %q", test.line, out.String(), test.want)
		}
	}
	// empty lines are ignored
	if err := Run(c, "   "); err != nil {
		t.Error(err)
	}
}
