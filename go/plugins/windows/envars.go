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
	plugins.Register("windows.envars.Envars", "show process environment variables", func() plugins.Plugin { return &Envars{} })
}

type Envars struct {
	pids plugins.IntList
}

func (*Envars) Name() string                       { return "windows.envars.Envars" }
func (*Envars) Requirements() plugins.Requirements { return requirements }

func (e *Envars) Flags(fs *flag.FlagSet) {
	fs.Var(&e.pids, "pid", "process ID to include (repeatable)")
}

func (e *Envars) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	procs, err := ListProcesses(c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "Process", Kind: models.COL_STR},
		models.Column{Name: "Block", Kind: models.COL_HEX},
		models.Column{Name: "Variable", Kind: models.COL_STR},
		models.Column{Name: "Value", Kind: models.COL_STR},
	)
	for _, proc := range procs {
		if !e.pids.Has(proc.PID) {
			continue
		}
		block, vars, err := Environment(c, proc)
		if errors.Is(err, objects.ErrNull) {
			continue
		} else if err != nil {
			c.Log().Debug("no environment", zap.Int("pid", proc.PID), zap.Error(err))
			continue
		}
		for _, v := range vars {
			grid.MustAdd(nil, proc.PID, proc.Name, models.Hex(block), v.Name, v.Value)
		}
	}
	return grid, nil
}
