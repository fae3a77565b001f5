package pack

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/cmd"
	"github.com/lunixbochs/memscope/go/layers"
	"github.com/lunixbochs/memscope/go/models"
)

// Pack compresses the image at in into an MSIZ container at out.
func Pack(cfg *models.Config, in, out string, chunk uint32) error {
	src, err := layers.OpenFileLayer("raw", in)
	if err != nil {
		return err
	}
	defer src.Close()
	f, err := os.Create(out)
	if err != nil {
		return errors.Wrap(err, "failed to create output")
	}
	if err := layers.WriteSnappy(f, src, chunk); err != nil {
		f.Close()
		os.Remove(out)
		return err
	}
	size, _ := f.Seek(0, io.SeekCurrent)
	cfg.Log().Info("packed image",
		zap.String("input", in),
		zap.String("output", out),
		zap.Uint64("raw", src.MaxAddr()+1),
		zap.Int64("packed", size))
	return errors.Wrap(f.Close(), "failed to close output")
}

func Main(args []string) {
	c := cmd.NewMemscopeCmd(args[0])
	c.Args = "<output.msiz>"
	var chunk *uint
	c.SetupFlags = func() error {
		chunk = c.Flags.Uint("chunk", layers.MSIZ_DEFAULT_CHUNK, "uncompressed chunk size")
		return nil
	}
	rest, err := c.Parse(args)
	if err != nil {
		c.Exit(err)
	}
	if len(rest) != 1 {
		c.Flags.Usage()
		c.Exit(errors.New("expected one output path"))
	}
	in, err := c.Config.ImagePath()
	if err != nil {
		c.Exit(err)
	}
	c.Exit(Pack(c.Config, in, rest[0], uint32(*chunk)))
}

func init() { cmd.Register("pack", "compress a raw image into an msiz container", Main) }
