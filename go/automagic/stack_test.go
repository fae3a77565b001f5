package automagic

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/goleak"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/models/mock"
	"github.com/lunixbochs/memscope/go/symbols"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig(t *testing.T, isf *mock.ISF, name string) *models.Config {
	dir := t.TempDir()
	if isf != nil {
		if err := os.WriteFile(filepath.Join(dir, name), isf.JSON(), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return &models.Config{
		SymbolDirs:  []string{dir},
		SymbolCache: filepath.Join(t.TempDir(), symbols.CACHE_FILE),
	}
}

func TestLinuxStack(t *testing.T) {
	img := mock.DefaultLinux()
	cfg := testConfig(t, img.ISF, "linux-5.4.0-mock.json")
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, img.Mem))
	if err != nil {
		t.Fatal(err)
	}
	if s.OS != OS_LINUX {
		t.Fatalf("os = %q, want linux", s.OS)
	}
	if s.Format != layers.FORMAT_RAW {
		t.Errorf("format = %q", s.Format)
	}
	if s.DTB != img.DTB {
		t.Errorf("dtb = %#x, want %#x", s.DTB, img.DTB)
	}
	if s.Table.Shift != img.VirtShift {
		t.Errorf("shift = %#x, want %#x", s.Table.Shift, img.VirtShift)
	}
	if s.Banner != mock.LINUX_BANNER {
		t.Errorf("banner = %q", s.Banner)
	}
	kernel, err := s.KernelLayer()
	if err != nil {
		t.Fatal(err)
	}
	sym, err := s.Table.Symbol("linux_banner")
	if err != nil {
		t.Fatal(err)
	}
	p, err := kernel.Read(sym.Address, uint64(len(mock.LINUX_BANNER)), false)
	if err != nil {
		t.Fatal(err)
	}
	if string(p) != mock.LINUX_BANNER {
		t.Errorf("banner through kernel layer = %q", p)
	}
	if got := s.Layers.Stack(KERNEL_LAYER); got != "kernel -> base_layer" {
		t.Errorf("stack = %q", got)
	}
}

func TestLinuxStackShifts(t *testing.T) {
	for _, shift := range []uint64{0, 0x1000000} {
		img := mock.Linux(mock.LinuxConfig{PhysShift: 0, VirtShift: shift})
		cfg := testConfig(t, img.ISF, "linux.json")
		s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, img.Mem))
		if err != nil {
			t.Fatal(err)
		}
		if s.OS != OS_LINUX {
			t.Fatalf("shift %#x: no kernel found", shift)
		}
		if s.Table.Shift != shift {
			t.Errorf("shift = %#x, want %#x", s.Table.Shift, shift)
		}
	}
}

func TestLinuxForceShift(t *testing.T) {
	img := mock.DefaultLinux()
	cfg := testConfig(t, img.ISF, "linux.json")
	cfg.ForceShift = 0x1234000
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, img.Mem))
	if err != nil {
		t.Fatal(err)
	}
	if s.OS != "" {
		t.Errorf("wrong forced shift still produced a %s kernel", s.OS)
	}
}

func TestLinuxLime(t *testing.T) {
	img := mock.DefaultLinux()
	// two ranges so the physical layer is segmented
	cut := uint64(len(img.Mem)/2 - 0x1000)
	lime, err := layers.WriteLime(map[uint64][]byte{
		0:   img.Mem[:cut],
		cut: img.Mem[cut:],
	})
	if err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, img.ISF, "linux.json")
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, lime))
	if err != nil {
		t.Fatal(err)
	}
	if s.Format != layers.FORMAT_LIME {
		t.Errorf("format = %q", s.Format)
	}
	if s.OS != OS_LINUX {
		t.Fatal("no kernel found in LiME image")
	}
	if got := s.Layers.Stack(KERNEL_LAYER); got != "kernel -> memory_layer -> base_layer" {
		t.Errorf("stack = %q", got)
	}
	if s.Physical != MEMORY_LAYER {
		t.Errorf("physical layer = %q", s.Physical)
	}
}

func TestLinuxSnappy(t *testing.T) {
	img := mock.DefaultLinux()
	var buf bytes.Buffer
	if err := layers.WriteSnappy(&buf, layers.NewBufferLayer("raw", img.Mem), 0x10000); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, img.ISF, "linux.json")
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if s.Format != layers.FORMAT_SNAPPY || s.OS != OS_LINUX {
		t.Errorf("format = %q os = %q", s.Format, s.OS)
	}
}

func TestNoSymbols(t *testing.T) {
	img := mock.DefaultLinux()
	cfg := testConfig(t, nil, "")
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, img.Mem))
	if err != nil {
		t.Fatal(err)
	}
	if s.Kernel != "" || s.Table != nil {
		t.Errorf("kernel %q found without symbols", s.Kernel)
	}
	if _, err := s.KernelLayer(); err != ErrNoKernel {
		t.Errorf("KernelLayer err = %v", err)
	}
	if s.PhysicalLayer() == nil {
		t.Error("physical layer missing")
	}
}

func TestWindowsStack(t *testing.T) {
	img := mock.DefaultWindows()
	cfg := testConfig(t, img.ISF, symbols.PDBKey(mock.WindowsGUID.String(), mock.WINDOWS_AGE)+".json")
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, img.Mem))
	if err != nil {
		t.Fatal(err)
	}
	if s.OS != OS_WINDOWS {
		t.Fatalf("os = %q, want windows", s.OS)
	}
	if s.KernelBase != mock.WINDOWS_KERNEL || s.Table.Shift != mock.WINDOWS_KERNEL {
		t.Errorf("base = %#x shift = %#x", s.KernelBase, s.Table.Shift)
	}
	if s.PDB != mock.WINDOWS_PDB {
		t.Errorf("pdb = %q", s.PDB)
	}
	sym, err := s.Table.Symbol("PsActiveProcessHead")
	if err != nil {
		t.Fatal(err)
	}
	kernel, err := s.KernelLayer()
	if err != nil {
		t.Fatal(err)
	}
	flink, err := models.ReadUint(kernel, sym.Address, 8, s.Table.ByteOrder())
	if err != nil {
		t.Fatal(err)
	}
	if flink == sym.Address {
		t.Error("process list is empty")
	}
}

func TestProcessLayer(t *testing.T) {
	img := mock.DefaultWindows()
	cfg := testConfig(t, img.ISF, "nt.json")
	s, err := BuildFrom(context.Background(), cfg, layers.NewBufferLayer(BASE_LAYER, img.Mem))
	if err != nil {
		t.Fatal(err)
	}
	e := img.Processes[1234]
	dtb := img.Get64(img.Phys(e) + 0x28)
	l, err := s.ProcessLayer(1234, dtb)
	if err != nil {
		t.Fatal(err)
	}
	if l.Name() != "kernel_Process1234" {
		t.Errorf("name = %q", l.Name())
	}
	again, err := s.ProcessLayer(1234, dtb)
	if err != nil {
		t.Fatal(err)
	}
	if again != l {
		t.Error("process layer was not reused")
	}
	// kernel half is shared with the process
	head, _ := s.Table.Symbol("PsActiveProcessHead")
	if !l.IsValid(head.Address, 16) {
		t.Error("kernel address not valid in process layer")
	}
}

func TestFindBanners(t *testing.T) {
	data := make([]byte, 0x3000)
	copy(data[0x100:], "Linux version 6.1.0 (gcc) #1 SMP\nrest")
	copy(data[0x2000:], "Linux version \x01\x02 junk")
	copy(data[0x2800:], "Darwin Kernel Version 21.6.0: Mon\x00")
	banners, err := FindBanners(context.Background(), layers.NewBufferLayer("mem", data), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(banners) != 2 {
		t.Fatalf("got %d banners: %v", len(banners), banners)
	}
	if banners[0].Offset != 0x100 || banners[0].Text != "Linux version 6.1.0 (gcc) #1 SMP\n" {
		t.Errorf("banner 0 = %+v", banners[0])
	}
	if banners[1].Text != "Darwin Kernel Version 21.6.0: Mon" {
		t.Errorf("banner 1 = %+v", banners[1])
	}
}
