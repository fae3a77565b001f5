package automagic

import (
	"bytes"
	"context"
	"debug/pe"
	"encoding/binary"
	"strings"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/scan"
	"github.com/lunixbochs/memscope/go/symbols"
)

const (
	WINDOWS_KERNEL_START = 0xfffff80000000000
	WINDOWS_KERNEL_END   = 0xfffff80800000000

	maxSelfRef  = 64
	maxDebugDir = 16
)

var errFound = errors.New("found")

// KernelImage is an ntoskrnl image found in a kernel address space.
type KernelImage struct {
	Base     uint64
	PDB      string
	CodeView *models.CodeView
}

// stackWindows finds x86-64 page tables by their self referencing entry, then
// searches each candidate's kernel range for an ntoskrnl image whose PDB is
// in the symbol store.
func stackWindows(ctx context.Context, cfg *models.Config, s *Stack, phys models.Layer) (bool, error) {
	log := cfg.Log()
	kind := "intel32e"
	if cfg.ForceArch != "" && cfg.ForceArch != kind {
		log.Debug("windows stacking only supports intel32e", zap.String("arch", cfg.ForceArch))
		return false, nil
	}
	var dtbs []uint64
	if cfg.ForceDTB != 0 {
		dtbs = []uint64{cfg.ForceDTB}
	} else {
		hits, err := scan.ScanLayer(ctx, phys, scan.SelfRefScanner{}, scan.Options{Parallel: cfg.Parallel, Limit: maxSelfRef})
		if err != nil {
			return false, errors.Wrap(err, "page table scan failed")
		}
		for _, h := range hits {
			dtbs = append(dtbs, h.Offset)
		}
	}
	for _, dtb := range dtbs {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		l, err := layers.NewIntelLayer(kind, KERNEL_LAYER, phys, dtb)
		if err != nil {
			return false, err
		}
		img, err := FindWindowsKernel(l)
		if err != nil {
			log.Debug("no kernel image", zap.String("dtb", models.Hex(dtb).String()), zap.Error(err))
			continue
		}
		guid := img.CodeView.GUID.String()
		entry, err := s.Finder.FindPDB(guid, img.CodeView.Age)
		if err != nil {
			log.Info("no symbols for kernel", zap.String("pdb", img.PDB), zap.String("key", symbols.PDBKey(guid, img.CodeView.Age)))
			continue
		}
		table, err := symbols.LoadTable(KERNEL_TABLE, entry.Path)
		if err != nil {
			log.Warn("failed to load symbols", zap.String("path", entry.Path), zap.Error(err))
			continue
		}
		table.Shift = img.Base
		if err := s.setKernel(l, table, OS_WINDOWS); err != nil {
			return false, err
		}
		s.KernelBase = img.Base
		s.PDB = img.PDB
		log.Info("windows kernel found",
			zap.String("symbols", entry.Path),
			zap.String("dtb", models.Hex(dtb).String()),
			zap.String("base", models.Hex(img.Base).String()))
		return true, nil
	}
	return false, nil
}

// FindWindowsKernel walks the kernel range of l for a PE image whose CodeView
// record names ntoskrnl.
func FindWindowsKernel(l *layers.IntelLayer) (*KernelImage, error) {
	var found *KernelImage
	err := l.Entries(func(vaddr, paddr, size, entry uint64) error {
		if vaddr+size <= WINDOWS_KERNEL_START || vaddr >= WINDOWS_KERNEL_END {
			return nil
		}
		for off := uint64(0); off < size; off += 0x1000 {
			magic, err := l.Base().Read(paddr+off, 2, false)
			if err != nil || string(magic) != "MZ" {
				continue
			}
			img, err := ReadKernelImage(l, vaddr+off)
			if err != nil {
				continue
			}
			found = img
			return errFound
		}
		return nil
	})
	if found != nil {
		return found, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, errors.New("no ntoskrnl image in kernel range")
}

// ReadKernelImage parses the PE headers at base and returns the image if its
// PDB is a kernel one.
func ReadKernelImage(l models.Layer, base uint64) (*KernelImage, error) {
	f, err := pe.NewFile(&models.LayerReaderAt{L: l, Base: base, Size: 0x1000, Pad: true})
	if err != nil {
		return nil, errors.Wrap(err, "bad PE header")
	}
	defer f.Close()
	opt, ok := f.OptionalHeader.(*pe.OptionalHeader64)
	if !ok {
		return nil, errors.New("not a PE32+ image")
	}
	if opt.NumberOfRvaAndSizes <= models.IMAGE_DIRECTORY_ENTRY_DEBUG {
		return nil, errors.New("no debug directory")
	}
	dir := opt.DataDirectory[models.IMAGE_DIRECTORY_ENTRY_DEBUG]
	count := int(dir.Size / models.DEBUG_DIRECTORY_SIZE)
	if count == 0 || count > maxDebugDir {
		return nil, errors.Errorf("bad debug directory size %d", dir.Size)
	}
	p, err := l.Read(base+uint64(dir.VirtualAddress), uint64(count*models.DEBUG_DIRECTORY_SIZE), false)
	if err != nil {
		return nil, errors.Wrap(err, "debug directory unreadable")
	}
	r := bytes.NewReader(p)
	for i := 0; i < count; i++ {
		var d models.DebugDirectory
		if err := struc.UnpackWithOrder(r, &d, binary.LittleEndian); err != nil {
			return nil, errors.Wrap(err, "bad debug directory")
		}
		if d.Type != models.IMAGE_DEBUG_TYPE_CODEVIEW || d.SizeOfData < models.CODEVIEW_HEADER_SIZE {
			continue
		}
		raw, err := l.Read(base+uint64(d.AddressOfRawData), uint64(d.SizeOfData), false)
		if err != nil {
			continue
		}
		cv, name, err := models.ParseCodeView(raw)
		if err != nil {
			continue
		}
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "ntkrnl") && !strings.HasPrefix(lower, "ntoskrnl") {
			return nil, errors.Errorf("%s is not a kernel PDB", name)
		}
		return &KernelImage{Base: base, PDB: name, CodeView: cv}, nil
	}
	return nil, errors.New("no CodeView record")
}
