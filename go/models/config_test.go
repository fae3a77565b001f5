package models

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestImagePath(t *testing.T) {
	tests := []struct {
		loc, want string
		fail      bool
	}{
		{loc: "mem.raw", want: "mem.raw"},
		{loc: "file:///tmp/mem.lime", want: filepath.FromSlash("/tmp/mem.lime")},
		{loc: "file://images/mem.raw", want: filepath.FromSlash("images/mem.raw")},
		{loc: "file:///C:/mem.raw", want: filepath.FromSlash("C:/mem.raw")},
		{loc: "http://example.com/mem.raw", fail: true},
		{loc: "", fail: true},
	}
	for _, test := range tests {
		got, err := (&Config{Location: test.loc}).ImagePath()
		if test.fail {
			if err == nil {
				t.Errorf("%q: no error", test.loc)
			}
			continue
		}
		if err != nil || got != test.want {
			t.Errorf("%q: got %q, %v, want %q", test.loc, got, err, test.want)
		}
	}
}

func TestFileConfig(t *testing.T) {
	data := "symbol_dirs:\n  - /srv/symbols\noutput_dir: out\nrenderer: pretty\nparallel: 4\ncolor: true\n"
	f, err := ParseFileConfig([]byte(data))
	if err != nil {
		t.Fatal(err)
	}
	c := &Config{SymbolDirs: []string{"local"}, Renderer: "json"}
	c.Merge(f)
	want := &Config{
		SymbolDirs: []string{"local", "/srv/symbols"},
		OutputDir:  "out",
		Renderer:   "json",
		Parallel:   4,
		Color:      true,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Error(diff)
	}
	if _, err := ParseFileConfig([]byte("parallel: [")); err == nil {
		t.Error("bad yaml parsed")
	}

	path := filepath.Join(t.TempDir(), CONFIG_FILE)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadFileConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(f, loaded); diff != "" {
		t.Error(diff)
	}
	var nilConfig *Config
	if nilConfig.Log() == nil || nilConfig.Out() != os.Stdout {
		t.Error("nil config defaults")
	}
}
