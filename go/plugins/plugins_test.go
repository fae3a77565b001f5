package plugins_test

import (
	"bytes"
	"context"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/models/mock"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/plugins/plugintest"
)

type echo struct{ msg string }

func (*echo) Name() string                       { return "test.Echo" }
func (*echo) Requirements() plugins.Requirements { return plugins.Requirements{Kernel: true} }
func (e *echo) Flags(fs *flag.FlagSet)           { fs.StringVar(&e.msg, "msg", "hi", "message") }

func (e *echo) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	grid := models.NewTreeGrid(models.Column{Name: "Message", Kind: models.COL_STR})
	grid.MustAdd(nil, e.msg)
	return grid, nil
}

func init() {
	plugins.Register("test.Echo", "echo a flag", func() plugins.Plugin { return &echo{} })
}

func TestRegistry(t *testing.T) {
	var names []string
	for _, info := range plugins.List() {
		names = append(names, info.Name)
	}
	want := []string{"banners.Banners", "isfinfo.IsfInfo", "layerwriter.LayerWriter", "test.Echo"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("registry mismatch (-want +got):\n%s", diff)
	}
	if _, err := plugins.Lookup("nope.Nope"); err == nil {
		t.Error("unknown plugin found")
	}
	defer func() {
		if recover() == nil {
			t.Error("duplicate registration did not panic")
		}
	}()
	plugins.Register("test.Echo", "", nil)
}

func TestRunFlagsAndRequirements(t *testing.T) {
	img := mock.DefaultLinux()
	c := plugintest.Linux(t, img)
	grid := plugintest.Run(t, c, "test.Echo", "-msg", "hello")
	if diff := cmp.Diff([]interface{}{"hello"}, plugintest.Column(grid, "Message")); diff != "" {
		t.Errorf("flag mismatch (-want +got):\n%s", diff)
	}
	if _, err := plugins.Run(context.Background(), c, "test.Echo", []string{"extra"}); err == nil {
		t.Error("stray argument accepted")
	}

	bare := plugintest.Context(t, img.Mem, nil)
	_, err := plugins.Run(context.Background(), bare, "test.Echo", nil)
	if err == nil || !strings.Contains(err.Error(), "requires a kernel symbol table") {
		t.Errorf("err = %v", err)
	}
}

func TestIntList(t *testing.T) {
	var l plugins.IntList
	if !l.Has(7) {
		t.Error("empty list should pass everything")
	}
	for _, v := range []string{"1,2", "30"} {
		if err := l.Set(v); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff(plugins.IntList{1, 2, 30}, l); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}
	if l.Has(7) || !l.Has(30) {
		t.Error("bad filter")
	}
	if err := l.Set("x"); err == nil {
		t.Error("bad integer accepted")
	}
}

func TestBanners(t *testing.T) {
	img := mock.DefaultLinux()
	c := plugintest.Context(t, img.Mem, nil)
	grid := plugintest.Run(t, c, "banners.Banners")
	want := [][]interface{}{{0, models.Hex(img.SymPhys("linux_banner")), mock.LINUX_BANNER}}
	if diff := cmp.Diff(want, plugintest.Rows(grid)); diff != "" {
		t.Errorf("banners mismatch (-want +got):\n%s", diff)
	}
}

func TestIsfInfo(t *testing.T) {
	img := mock.DefaultLinux()
	c := plugintest.Linux(t, img)
	grid := plugintest.Run(t, c, "isfinfo.IsfInfo", "-validate")
	rows := plugintest.Rows(grid)
	if len(rows) != 1 {
		t.Fatalf("got %d rows", len(rows))
	}
	row := rows[0]
	if filepath.Base(row[1].(string)) != "kernel.json" || row[2] != "linux" || row[4] != true {
		t.Errorf("row = %v", row)
	}
	if row[3] != strings.TrimRight(mock.LINUX_BANNER, "\n") {
		t.Errorf("identifier = %q", row[3])
	}
	if row[8] != len(img.ISF.Symbols) {
		t.Errorf("symbols = %v", row[8])
	}

	grid = plugintest.Run(t, c, "isfinfo.IsfInfo", "-filter", "windows")
	if grid.Len() != 0 {
		t.Errorf("filter kept %d rows", grid.Len())
	}
}

func TestLayerWriter(t *testing.T) {
	img := mock.DefaultLinux()
	c := plugintest.Context(t, img.Mem, nil)

	plugintest.Run(t, c, "layerwriter.LayerWriter")
	raw, err := os.ReadFile(filepath.Join(c.Config.OutputDir, "base_layer.raw"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw, img.Mem) {
		t.Error("raw copy differs from image")
	}

	grid := plugintest.Run(t, c, "layerwriter.LayerWriter", "-format", "msiz", "-output", "mem.msiz")
	if diff := cmp.Diff([]interface{}{uint64(len(img.Mem))}, plugintest.Column(grid, "Size")); diff != "" {
		t.Errorf("size mismatch (-want +got):\n%s", diff)
	}
	packed, err := os.ReadFile(filepath.Join(c.Config.OutputDir, "mem.msiz"))
	if err != nil {
		t.Fatal(err)
	}
	l, format, err := layers.Detect("memory_layer", layers.NewBufferLayer("packed", packed))
	if err != nil {
		t.Fatal(err)
	}
	if format != layers.FORMAT_SNAPPY {
		t.Fatalf("format = %q", format)
	}
	p, err := l.Read(0, uint64(len(img.Mem)), false)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, img.Mem) {
		t.Error("msiz round trip differs from image")
	}

	if _, err := plugins.Run(context.Background(), c, "layerwriter.LayerWriter", []string{"-format", "zip"}); err == nil {
		t.Error("unknown format accepted")
	}
}
