// Package plugintest builds plugin contexts over synthetic images.
package plugintest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/models/mock"
	"github.com/lunixbochs/memscope/go/plugins"
)

// Config returns a config whose symbol directory holds isf (if non-nil) and
// whose cache and output live in temporary directories.
func Config(t testing.TB, isf *mock.ISF) *models.Config {
	t.Helper()
	dir := t.TempDir()
	if isf != nil {
		if err := os.WriteFile(filepath.Join(dir, "kernel.json"), isf.JSON(), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return &models.Config{
		SymbolDirs:  []string{dir},
		SymbolCache: filepath.Join(t.TempDir(), "identifiers.json"),
		OutputDir:   t.TempDir(),
	}
}

// Context stacks mem and wraps it for plugins.
func Context(t testing.TB, mem []byte, isf *mock.ISF) *plugins.Context {
	t.Helper()
	cfg := Config(t, isf)
	s, err := automagic.BuildFrom(context.Background(), cfg, layers.NewBufferLayer(automagic.BASE_LAYER, mem))
	if err != nil {
		t.Fatal(err)
	}
	return plugins.NewContext(s, cfg)
}

func Linux(t testing.TB, img *mock.LinuxImage) *plugins.Context {
	t.Helper()
	c := Context(t, img.Mem, img.ISF)
	if c.OS != automagic.OS_LINUX {
		t.Fatal("linux fixture was not identified")
	}
	return c
}

func Windows(t testing.TB, img *mock.WindowsImage) *plugins.Context {
	t.Helper()
	c := Context(t, img.Mem, img.ISF)
	if c.OS != automagic.OS_WINDOWS {
		t.Fatal("windows fixture was not identified")
	}
	return c
}

// Run runs a plugin and fails the test on error.
func Run(t testing.TB, c *plugins.Context, name string, args ...string) *models.TreeGrid {
	t.Helper()
	grid, err := plugins.Run(context.Background(), c, name, args)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	return grid
}

// Rows flattens a grid depth-first, prefixing each row with its depth.
func Rows(grid *models.TreeGrid) [][]interface{} {
	var out [][]interface{}
	grid.Visit(func(n *models.TreeNode) error {
		out = append(out, append([]interface{}{n.Depth()}, n.Values...))
		return nil
	})
	return out
}

// Column returns one column's values in depth-first order.
func Column(grid *models.TreeGrid, name string) []interface{} {
	idx := -1
	for i, col := range grid.Columns {
		if col.Name == name {
			idx = i
		}
	}
	if idx < 0 {
		return nil
	}
	var out []interface{}
	grid.Visit(func(n *models.TreeNode) error {
		out = append(out, n.Values[idx])
		return nil
	})
	return out
}
