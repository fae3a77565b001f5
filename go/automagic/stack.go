// Package automagic builds the layer stack and symbol space for a memory image:
// container detection, operating system identification, symbol table selection
// and kernel address space construction.
package automagic

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/symbols"
)

const (
	BASE_LAYER   = "base_layer"
	MEMORY_LAYER = "memory_layer"
	KERNEL_LAYER = "kernel"
	KERNEL_TABLE = "kernel"

	OS_LINUX   = "linux"
	OS_WINDOWS = "windows"
)

var ErrNoKernel = errors.New("no kernel layer")

// Stack is everything automagic learned about an image.
type Stack struct {
	Layers   *models.LayerSet
	Space    *symbols.Space
	Finder   *symbols.Finder
	Physical string
	Format   string

	// set once a kernel is identified
	Kernel     string
	Table      *symbols.Table
	OS         string
	DTB        uint64
	KernelBase uint64
	Banner     string
	PDB        string

	mu      sync.Mutex
	closers []io.Closer
}

func (s *Stack) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

func (s *Stack) PhysicalLayer() models.Layer {
	l, _ := s.Layers.Get(s.Physical)
	return l
}

func (s *Stack) KernelLayer() (*layers.IntelLayer, error) {
	if s.Kernel == "" {
		return nil, ErrNoKernel
	}
	l, ok := s.Layers.Get(s.Kernel)
	if !ok {
		return nil, ErrNoKernel
	}
	il, ok := l.(*layers.IntelLayer)
	if !ok {
		return nil, errors.Errorf("kernel layer %s is not a paging layer", s.Kernel)
	}
	return il, nil
}

// ProcessLayer returns the address space rooted at a process's page tables,
// creating and registering it on first use.
func (s *Stack) ProcessLayer(pid int, dtb uint64) (*layers.IntelLayer, error) {
	kernel, err := s.KernelLayer()
	if err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s_Process%d", kernel.Name(), pid)
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.Layers.Get(name); ok {
		if il, ok := l.(*layers.IntelLayer); ok && il.DTB() == dtb&^0xfff {
			return il, nil
		}
		name = s.Layers.Free(name)
	}
	l, err := layers.NewIntelLayer(kernel.Kind(), name, kernel.Base(), dtb)
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d", pid)
	}
	if err := s.Layers.Add(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Build opens cfg.Location and stacks layers on it.
func Build(ctx context.Context, cfg *models.Config) (*Stack, error) {
	path, err := cfg.ImagePath()
	if err != nil {
		return nil, err
	}
	base, err := layers.OpenFileLayer(BASE_LAYER, path)
	if err != nil {
		return nil, err
	}
	cfg.Log().Info("opened image", zap.String("path", filepath.Clean(path)), zap.Uint64("size", base.MaxAddr()+1))
	s, err := BuildFrom(ctx, cfg, base)
	if err != nil {
		base.Close()
		return nil, err
	}
	s.closers = append(s.closers, base)
	return s, nil
}

// BuildFrom stacks layers on an already open base layer.
func BuildFrom(ctx context.Context, cfg *models.Config, base models.Layer) (*Stack, error) {
	log := cfg.Log()
	s := &Stack{Layers: models.NewLayerSet(), Space: symbols.NewSpace()}
	if err := s.Layers.Add(base); err != nil {
		return nil, err
	}
	phys, format, err := layers.Detect(MEMORY_LAYER, base)
	if err != nil {
		return nil, err
	}
	if phys != base {
		if err := s.Layers.Add(phys); err != nil {
			return nil, err
		}
	}
	s.Physical = phys.Name()
	s.Format = format
	log.Info("physical layer", zap.String("format", format), zap.String("layer", s.Physical))

	cachePath := cfg.SymbolCache
	if cachePath == "" {
		if dir, err := models.CacheDir("symbols"); err == nil {
			cachePath = filepath.Join(dir, symbols.CACHE_FILE)
		} else {
			log.Debug("symbol cache disabled", zap.Error(err))
		}
	}
	s.Finder = symbols.NewFinder(cfg.SymbolDirs, cachePath, log)

	found, err := stackLinux(ctx, cfg, s, phys)
	if err != nil {
		return nil, err
	}
	if !found {
		if found, err = stackWindows(ctx, cfg, s, phys); err != nil {
			return nil, err
		}
	}
	if !found {
		log.Warn("no kernel identified, only physical layers are available")
	}
	return s, nil
}

// setKernel registers the kernel layer and its table.
func (s *Stack) setKernel(l *layers.IntelLayer, t *symbols.Table, osName string) error {
	if err := s.Layers.Add(l); err != nil {
		return err
	}
	if err := s.Space.Add(t); err != nil {
		return err
	}
	s.Kernel = l.Name()
	s.Table = t
	s.OS = osName
	s.DTB = l.DTB()
	return nil
}
