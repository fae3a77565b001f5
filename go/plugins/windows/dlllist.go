package windows

import (
	"context"
	"flag"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
)

func init() {
	plugins.Register("windows.dlllist.DllList", "list the modules loaded by each process", func() plugins.Plugin { return &DllList{} })
}

// ProcessModules walks the PEB loader list in the process address space.
func ProcessModules(c *plugins.Context, p *Process) ([]*Module, error) {
	peb, err := processPEB(c, p)
	if err != nil {
		return nil, err
	}
	ldr, err := peb.MustMember("Ldr").Deref()
	if err != nil {
		return nil, err
	}
	return loaderEntries(c, ldr.MustMember("InLoadOrderModuleList"))
}

type DllList struct {
	pids plugins.IntList
}

func (*DllList) Name() string                       { return "windows.dlllist.DllList" }
func (*DllList) Requirements() plugins.Requirements { return requirements }

func (d *DllList) Flags(fs *flag.FlagSet) {
	fs.Var(&d.pids, "pid", "process ID to include (repeatable)")
}

func (d *DllList) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	procs, err := ListProcesses(c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "Process", Kind: models.COL_STR},
		models.Column{Name: "Base", Kind: models.COL_HEX},
		models.Column{Name: "Size", Kind: models.COL_HEX},
		models.Column{Name: "Name", Kind: models.COL_STR},
		models.Column{Name: "Path", Kind: models.COL_STR},
	)
	for _, proc := range procs {
		if !d.pids.Has(proc.PID) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mods, err := ProcessModules(c, proc)
		if errors.Is(err, objects.ErrNull) {
			continue
		} else if err != nil {
			c.Log().Debug("no loader list", zap.Int("pid", proc.PID), zap.Error(err))
			continue
		}
		for _, m := range mods {
			grid.MustAdd(nil, proc.PID, proc.Name, models.Hex(m.Base), models.Hex(m.Size), m.Name, m.Path)
		}
	}
	return grid, nil
}
