package automagic

import (
	"bytes"
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/scan"
	"github.com/lunixbochs/memscope/go/symbols"
)

const (
	START_KERNEL_MAP_64 = 0xffffffff80000000
	START_KERNEL_MAP_32 = 0xc0000000

	SWAPPER_COMM = "swapper/0"
)

var linuxDTBSymbols = []string{"init_top_pgt", "init_level4_pgt", "swapper_pg_dir"}

// stackLinux looks for a Linux banner with a matching symbol table and builds
// the kernel layer from it.
func stackLinux(ctx context.Context, cfg *models.Config, s *Stack, phys models.Layer) (bool, error) {
	log := cfg.Log()
	banners, err := FindBanners(ctx, phys, cfg.Parallel)
	if err != nil {
		return false, errors.Wrap(err, "banner scan failed")
	}
	for _, b := range banners {
		entry, err := s.Finder.FindBanner(b.Text)
		if err != nil {
			log.Debug("no symbols for banner", zap.Uint64("offset", b.Offset), zap.String("banner", b.Text))
			continue
		}
		table, err := symbols.LoadTable(KERNEL_TABLE, entry.Path)
		if err != nil {
			log.Warn("failed to load symbols", zap.String("path", entry.Path), zap.Error(err))
			continue
		}
		l, err := LinuxKernelLayer(ctx, cfg, phys, table, b.Offset)
		if err != nil {
			log.Info("banner did not lead to a kernel", zap.Uint64("offset", b.Offset), zap.Error(err))
			continue
		}
		if err := s.setKernel(l, table, OS_LINUX); err != nil {
			return false, err
		}
		s.Banner = b.Text
		log.Info("linux kernel found",
			zap.String("symbols", entry.Path),
			zap.String("paging", l.Kind()),
			zap.String("dtb", models.Hex(l.DTB()).String()),
			zap.String("shift", models.Hex(table.Shift).String()))
		return true, nil
	}
	return false, nil
}

// LinuxKernelLayer derives the kernel page tables from where the banner sits in
// physical memory, then picks the virtual KASLR shift. On success table.Shift
// holds the virtual shift.
func LinuxKernelLayer(ctx context.Context, cfg *models.Config, phys models.Layer, table *symbols.Table, bannerOffset uint64) (*layers.IntelLayer, error) {
	log := cfg.Log()
	banner, err := table.Symbol("linux_banner")
	if err != nil {
		return nil, err
	}
	start := uint64(START_KERNEL_MAP_64)
	kinds := []string{"intel32e", "la57"}
	if table.PointerSize() == 4 {
		start = START_KERNEL_MAP_32
		kinds = []string{"pae", "intel"}
	}
	if cfg.ForceArch != "" {
		kinds = []string{cfg.ForceArch}
	}
	physShift := bannerOffset - (banner.Address - table.Shift - start)

	dtb := cfg.ForceDTB
	if dtb == 0 {
		for _, name := range linuxDTBSymbols {
			if sym, err := table.Symbol(name); err == nil {
				dtb = sym.Address - table.Shift - start + physShift
				break
			}
		}
		if dtb == 0 {
			return nil, errors.New("symbol table has no page directory symbol")
		}
	}

	var shifts []uint64
	if cfg.ForceShift != 0 {
		shifts = []uint64{cfg.ForceShift}
	} else {
		found, err := swapperShifts(ctx, cfg, phys, table, start, physShift)
		if err != nil {
			log.Debug("swapper scan failed", zap.Error(err))
		}
		shifts = append(found, 0, physShift)
	}
	want, err := phys.Read(bannerOffset, uint64(len(LINUX_BANNER_PREFIX)), false)
	if err != nil {
		return nil, err
	}
	raw := banner.Address - table.Shift
	for _, kind := range kinds {
		l, err := layers.NewIntelLayer(kind, KERNEL_LAYER, phys, dtb)
		if err != nil {
			return nil, err
		}
		for _, shift := range shifts {
			got, err := l.Read(raw+shift, uint64(len(want)), false)
			if err != nil || !bytes.Equal(got, want) {
				continue
			}
			table.Shift = shift
			return l, nil
		}
	}
	return nil, errors.Errorf("banner does not translate through dtb %#x", dtb)
}

// swapperShifts finds init_task in physical memory by its comm and reads the
// virtual shift out of its files pointer, which points at init_files.
func swapperShifts(ctx context.Context, cfg *models.Config, phys models.Layer, table *symbols.Table, start, physShift uint64) ([]uint64, error) {
	initTask, err := table.Symbol("init_task")
	if err != nil {
		return nil, err
	}
	initFiles, err := table.Symbol("init_files")
	if err != nil {
		return nil, err
	}
	commOff, _, err := table.MemberOffset("task_struct", "comm")
	if err != nil {
		return nil, err
	}
	filesOff, _, err := table.MemberOffset("task_struct", "files")
	if err != nil {
		return nil, err
	}
	needle := make([]byte, 16)
	copy(needle, SWAPPER_COMM)
	hits, err := scan.ScanLayer(ctx, phys, scan.NewMultiStringScanner(needle), scan.Options{Parallel: cfg.Parallel})
	if err != nil {
		return nil, err
	}
	expect := initTask.Address - table.Shift - start + physShift
	order := table.ByteOrder()
	var out []uint64
	for _, h := range hits {
		if h.Offset-commOff != expect {
			continue
		}
		files, err := models.ReadUint(phys, expect+filesOff, table.PointerSize(), order)
		if err != nil {
			continue
		}
		shift := files - (initFiles.Address - table.Shift)
		if table.PointerSize() == 4 {
			shift &= 0xffffffff
		}
		out = append(out, shift)
	}
	return out, nil
}
