package plugins

import (
	"bufio"
	"context"
	"flag"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
)

const (
	WRITE_RAW  = "raw"
	WRITE_MSIZ = "msiz"

	// paging layers span the whole virtual range and cannot be written flat
	maxWriteSize = 1 << 40
)

func init() {
	Register("layerwriter.LayerWriter", "write a layer to the output directory", func() Plugin { return &LayerWriter{} })
}

type LayerWriter struct {
	layer  string
	output string
	format string
	chunk  uint
}

func (*LayerWriter) Name() string               { return "layerwriter.LayerWriter" }
func (*LayerWriter) Requirements() Requirements { return Requirements{} }

func (p *LayerWriter) Flags(fs *flag.FlagSet) {
	fs.StringVar(&p.layer, "layer", "", "layer to write (default: the physical layer)")
	fs.StringVar(&p.output, "output", "", "output file name (default: <layer>.<format>)")
	fs.StringVar(&p.format, "format", WRITE_RAW, "output format: raw or msiz")
	fs.UintVar(&p.chunk, "chunk", layers.MSIZ_DEFAULT_CHUNK, "msiz chunk size")
}

func (p *LayerWriter) Run(ctx context.Context, c *Context) (*models.TreeGrid, error) {
	name := p.layer
	if name == "" {
		name = c.Physical
	}
	l, err := c.Layers.MustGet(name)
	if err != nil {
		return nil, err
	}
	if p.format != WRITE_RAW && p.format != WRITE_MSIZ {
		return nil, errors.Errorf("unknown format %q", p.format)
	}
	size := l.MaxAddr() + 1
	if l.MaxAddr() >= maxWriteSize {
		return nil, errors.Errorf("layer %s is too large to write (%#x bytes)", name, l.MaxAddr())
	}
	out := p.output
	if out == "" {
		out = name + "." + p.format
	}
	f, err := c.CreateFile(out)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	if p.format == WRITE_MSIZ {
		err = layers.WriteSnappy(w, l, uint32(p.chunk))
	} else {
		err = writeRaw(ctx, w, l, uint64(p.chunk))
	}
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, errors.Wrap(err, "failed to write layer")
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "Layer", Kind: models.COL_STR},
		models.Column{Name: "File", Kind: models.COL_STR},
		models.Column{Name: "Format", Kind: models.COL_STR},
		models.Column{Name: "Size", Kind: models.COL_INT},
	)
	grid.MustAdd(nil, name, f.Name(), p.format, size)
	return grid, nil
}

// writeRaw copies l from address 0, zero filling unmapped ranges.
func writeRaw(ctx context.Context, w *bufio.Writer, l models.Layer, chunk uint64) error {
	if chunk == 0 {
		chunk = layers.MSIZ_DEFAULT_CHUNK
	}
	size := l.MaxAddr() + 1
	for off := uint64(0); off < size; off += chunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := chunk
		if off+n > size {
			n = size - off
		}
		data, err := l.Read(off, n, true)
		if err != nil {
			return errors.Wrapf(err, "failed to read %s at %#x", l.Name(), off)
		}
		if _, err := w.Write(data); err != nil {
			return errors.Wrap(err, "failed to write layer")
		}
	}
	return nil
}
