package cmd

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

func parse(t *testing.T, c *MemscopeCmd, args ...string) []string {
	t.Helper()
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfg, []byte("{}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rest, err := c.Parse(append([]string{"memscope run", "-config", cfg}, args...))
	if err != nil {
		t.Fatal(err)
	}
	return rest
}

func TestParse(t *testing.T) {
	c := NewMemscopeCmd("run")
	c.Stderr = &bytes.Buffer{}
	rest := parse(t, c, "-f", "mem.raw", "-s", "a", "-s", "b", "-v", "-v", "-dtb", "0x1aa000", "-r", "json", "linux.pslist.PsList", "-pid", "1")
	if diff := cmp.Diff([]string{"linux.pslist.PsList", "-pid", "1"}, rest); diff != "" {
		t.Error(diff)
	}
	cfg := c.Config
	if cfg.Location != "mem.raw" || cfg.Verbose != 2 || cfg.ForceDTB != 0x1aa000 || cfg.Renderer != "json" {
		t.Errorf("config = %+v", cfg)
	}
	if diff := cmp.Diff([]string{"a", "b"}, cfg.SymbolDirs); diff != "" {
		t.Error(diff)
	}
	if cfg.Logger == nil {
		t.Error("no logger")
	}
}

func TestColorFlag(t *testing.T) {
	on, off := true, false
	tests := []struct {
		name           string
		value, set     bool
		file           *models.FileConfig
		terminal, want bool
	}{
		{name: "terminal default", terminal: true, want: true},
		{name: "pipe default"},
		{name: "forced on", value: true, set: true, want: true},
		{name: "disabled on a terminal", set: true, terminal: true},
		{name: "disabled over file", set: true, file: &models.FileConfig{Color: &on}, terminal: true},
		{name: "file off on a terminal", file: &models.FileConfig{Color: &off}, terminal: true},
		{name: "file on in a pipe", file: &models.FileConfig{Color: &on}, want: true},
		{name: "file without color", file: &models.FileConfig{}, terminal: true, want: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := resolveColor(test.value, test.set, test.file, test.terminal); got != test.want {
				t.Errorf("got %v, want %v", got, test.want)
			}
		})
	}

	c := NewMemscopeCmd("run")
	c.Stderr = &bytes.Buffer{}
	parse(t, c, "-f", "x", "-color")
	if !c.Config.Color {
		t.Error("-color did not enable color")
	}
	c = NewMemscopeCmd("run")
	c.Stderr = &bytes.Buffer{}
	parse(t, c, "-f", "x", "-color=false")
	if c.Config.Color {
		t.Error("-color=false left color on")
	}
}

func TestParseLongLocation(t *testing.T) {
	c := NewMemscopeCmd("run")
	c.Stderr = &bytes.Buffer{}
	parse(t, c, "--single-location", "file:///tmp/mem.lime")
	if path, err := c.Config.ImagePath(); err != nil || path != filepath.FromSlash("/tmp/mem.lime") {
		t.Errorf("path = %q, %v", path, err)
	}
}

func TestParseConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfg := filepath.Join(dir, "config.yaml")
	yaml := "symbol_dirs: [/srv/symbols]\nrenderer: csv\nparallel: 3\n"
	if err := os.WriteFile(cfg, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	c := NewMemscopeCmd("run")
	c.Stderr = &bytes.Buffer{}
	if _, err := c.Parse([]string{"run", "-config", cfg, "-f", "x", "-s", "local", "-parallel", "8"}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"local", "/srv/symbols"}, c.Config.SymbolDirs); diff != "" {
		t.Error(diff)
	}
	if c.Config.Renderer != "csv" || c.Config.Parallel != 8 {
		t.Errorf("renderer %q parallel %d", c.Config.Renderer, c.Config.Parallel)
	}
}

func TestParseErrors(t *testing.T) {
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(cfg, []byte("{}\n"), 0644)
	tests := []struct {
		args    []string
		noImage bool
		want    string
	}{
		{[]string{"-r", "xml", "-f", "x"}, false, "unknown renderer"},
		{[]string{}, false, "no memory image"},
		{[]string{"-dtb", "zz", "-f", "x"}, false, "invalid value"},
		{[]string{"-config", "/nonexistent/memscope.yaml"}, true, "failed to read config"},
	}
	for _, test := range tests {
		c := NewMemscopeCmd("run")
		c.NoImage = test.noImage
		c.Stderr = &bytes.Buffer{}
		args := append([]string{"run", "-config", cfg}, test.args...)
		if _, err := c.Parse(args); err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("%v: err = %v, want %q", test.args, err, test.want)
		}
	}
	c := NewMemscopeCmd("run")
	c.Stderr = &bytes.Buffer{}
	if _, err := c.Parse([]string{"run", "-h"}); err != flag.ErrHelp {
		t.Errorf("-h err = %v", err)
	}
	if !strings.Contains(c.Stderr.(*bytes.Buffer).String(), "-single-location") {
		t.Error("usage does not list flags")
	}
}

func TestPrintError(t *testing.T) {
	var buf bytes.Buffer
	c := NewMemscopeCmd("run")
	c.Stderr = &buf
	c.PrintError(errors.New("boom"))
	if !strings.Contains(buf.String(), "Error: boom") || strings.Contains(buf.String(), "TestPrintError") {
		t.Errorf("quiet error:\n%s", buf.String())
	}
	buf.Reset()
	c.Stderr = &buf
	parse(t, c, "-f", "x", "-v")
	c.PrintError(errors.Wrap(errors.New("boom"), "outer"))
	if !strings.Contains(buf.String(), "Error: outer: boom") || !strings.Contains(buf.String(), "TestPrintError()") {
		t.Errorf("verbose error:\n%s", buf.String())
	}
}

func TestPrintFlags(t *testing.T) {
	fs := flag.NewFlagSet("x", flag.ContinueOnError)
	fs.String("renderer", "quick", "output renderer")
	fs.Bool("q", false, strings.Repeat("word ", 20))
	var flags []*flag.Flag
	fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })
	var buf bytes.Buffer
	PrintFlags(&buf, flags)
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[2], "  -renderer (quick)") {
		t.Errorf("line = %q", lines[2])
	}
	for _, line := range lines {
		if len(line) > 80 {
			t.Errorf("line too long: %q", line)
		}
	}
}

func TestLauncher(t *testing.T) {
	var got []string
	Register("test10", "tenth", func(args []string) { got = args })
	Register("test2", "second", func(args []string) {})
	defer delete(commands, "test10")
	defer delete(commands, "test2")

	var stderr bytes.Buffer
	main, args, ok := Lookup([]string{"memscope", "test10", "-f", "x"}, &stderr)
	if !ok {
		t.Fatal(stderr.String())
	}
	main(args)
	if diff := cmp.Diff([]string{"memscope test10", "-f", "x"}, got); diff != "" {
		t.Error(diff)
	}

	if _, _, ok := Lookup([]string{"memscope", "nope"}, &stderr); ok {
		t.Fatal("unknown command found")
	}
	out := stderr.String()
	if !strings.Contains(out, "Command 'nope' not found.") {
		t.Errorf("output = %q", out)
	}
	if strings.Index(out, "test2 ") > strings.Index(out, "test10 ") {
		t.Errorf("commands not in natural order:\n%s", out)
	}
	if _, _, ok := Lookup([]string{"memscope"}, &stderr); ok {
		t.Error("no command accepted")
	}
}
