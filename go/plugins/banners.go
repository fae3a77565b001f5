package plugins

import (
	"context"
	"flag"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/models"
)

func init() {
	Register("banners.Banners", "find kernel version banners in physical memory", func() Plugin { return &Banners{} })
}

type Banners struct{}

func (*Banners) Name() string               { return "banners.Banners" }
func (*Banners) Requirements() Requirements { return Requirements{} }
func (*Banners) Flags(fs *flag.FlagSet)     {}

func (*Banners) Run(ctx context.Context, c *Context) (*models.TreeGrid, error) {
	grid := models.NewTreeGrid(
		models.Column{Name: "Offset", Kind: models.COL_HEX},
		models.Column{Name: "Banner", Kind: models.COL_STR},
	)
	banners, err := automagic.FindBanners(ctx, c.PhysicalLayer(), c.Config.Parallel)
	if err != nil {
		return nil, err
	}
	for _, b := range banners {
		grid.MustAdd(nil, models.Hex(b.Offset), b.Text)
	}
	return grid, nil
}
