package run

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lunixbochs/memscope/go/cmd"
	"github.com/lunixbochs/memscope/go/models/mock"
	_ "github.com/lunixbochs/memscope/go/plugins/linux"
	"github.com/lunixbochs/memscope/go/symbols"
)

func setup(t *testing.T, args ...string) (*cmd.MemscopeCmd, []string, *bytes.Buffer) {
	img := mock.DefaultLinux()
	dir := t.TempDir()
	image := filepath.Join(dir, "mem.raw")
	if err := os.WriteFile(image, img.Mem, 0644); err != nil {
		t.Fatal(err)
	}
	syms := filepath.Join(dir, "symbols")
	os.Mkdir(syms, 0755)
	if err := os.WriteFile(filepath.Join(syms, "linux.json"), img.ISF.JSON(), 0644); err != nil {
		t.Fatal(err)
	}
	config := filepath.Join(dir, "config.yaml")
	os.WriteFile(config, []byte("{}\n"), 0644)

	c := cmd.NewMemscopeCmd("memscope run")
	c.Stderr = &bytes.Buffer{}
	argv := append([]string{"memscope run", "-config", config, "-f", image, "-s", syms, "-q"}, args...)
	rest, err := c.Parse(argv)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	c.Config.Output = &out
	c.Config.SymbolCache = filepath.Join(dir, symbols.CACHE_FILE)
	return c, rest, &out
}

func TestRun(t *testing.T) {
	c, rest, out := setup(t, "-r", "json", "linux.pslist.PsList", "-pid", "100")
	if err := Run(context.Background(), c, rest); err != nil {
		t.Fatalf("%+v", err)
	}
	var rows []map[string]interface{}
	if err := json.Unmarshal(out.Bytes(), &rows); err != nil {
		t.Fatalf("%v\n%s", err, out.String())
	}
	if len(rows) != 1 || rows[0]["COMM"] != "bash" || rows[0]["PID"] != 100.0 {
		t.Errorf("rows = %v", rows)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{nil, "no plugin given"},
		{[]string{"nope.Nope"}, "plugin not found"},
		{[]string{"linux.pslist.PsList", "-bogus"}, "flag provided but not defined"},
		{[]string{"windows.pslist.PsList"}, "plugin not found"},
	}
	for _, test := range tests {
		c, rest, _ := setup(t, test.args...)
		err := Run(context.Background(), c, rest)
		if err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("%v: err = %v, want %q", test.args, err, test.want)
		}
	}
}
