package windows

import (
	"context"
	"flag"
	"fmt"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/symbols"
)

const BUILD_LAB_LEN = 64

func init() {
	plugins.Register("windows.info.Info", "show kernel identification details", func() plugins.Plugin { return &Info{} })
}

type Info struct{}

func (*Info) Name() string                       { return "windows.info.Info" }
func (*Info) Requirements() plugins.Requirements { return requirements }
func (*Info) Flags(fs *flag.FlagSet)             {}

func (*Info) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	grid := models.NewTreeGrid(
		models.Column{Name: "Variable", Kind: models.COL_STR},
		models.Column{Name: "Value", Kind: models.COL_STR},
	)
	add := func(name string, v interface{}) { grid.MustAdd(nil, name, v) }
	kernel, err := c.KernelLayer()
	if err != nil {
		return nil, err
	}
	add("Kernel Base", models.Hex(c.KernelBase).String())
	add("DTB", models.Hex(c.DTB).String())
	add("Symbols", c.Table.Name)
	add("Is64Bit", fmt.Sprint(c.Table.PointerSize() == 8))
	add("Paging", kernel.Kind())
	for _, name := range c.Layers.Names() {
		add("layer_name", c.Layers.Stack(name))
	}
	if pdb := c.Table.PDB(); pdb != nil {
		add("PDB", pdb.Database)
		add("PDB Identifier", symbols.PDBKey(pdb.GUID, pdb.Age))
	} else {
		add("PDB", c.PDB)
	}
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	if c.Table.HasSymbol("NtBuildLab") {
		var lab interface{} = models.Unreadable{}
		if o, err := kctx.Symbol("NtBuildLab", ""); err == nil {
			if s, err := o.CString(BUILD_LAB_LEN); err == nil {
				lab = s
			}
		}
		add("NtBuildLab", lab)
	}
	if procs, err := ListProcesses(c); err == nil {
		add("Processes", fmt.Sprint(len(procs)))
	}
	return grid, nil
}
