package linux

import (
	"bytes"
	"context"
	"flag"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
)

// MAX_ARGS bounds the argument area read from a process.
const MAX_ARGS = 0x10000

func init() {
	plugins.Register("linux.psaux.PsAux", "list processes with their command line arguments", func() plugins.Plugin { return &PsAux{} })
}

type PsAux struct {
	pids plugins.IntList
}

func (*PsAux) Name() string                       { return "linux.psaux.PsAux" }
func (*PsAux) Requirements() plugins.Requirements { return requirements }

func (p *PsAux) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
}

// Args reads the NUL separated argv between mm->arg_start and mm->arg_end
// from the task's address space and joins it with spaces. Kernel threads
// have no mm and render as [comm].
func Args(c *plugins.Context, t *Task) (string, error) {
	mm, err := t.MM()
	if err == ErrKernelThread {
		return "[" + t.Comm + "]", nil
	} else if err != nil {
		return "", err
	}
	start, err := mm.MustMember("arg_start").Uint()
	if err != nil {
		return "", err
	}
	end, err := mm.MustMember("arg_end").Uint()
	if err != nil {
		return "", err
	}
	if end <= start {
		return "", errors.Errorf("pid %d: empty argument area", t.PID)
	}
	size := end - start
	if size > MAX_ARGS {
		size = MAX_ARGS
	}
	l, err := t.Layer(c)
	if err != nil {
		return "", err
	}
	p, err := l.Read(start, size, false)
	if err != nil {
		return "", err
	}
	p = bytes.TrimRight(p, "\x00")
	return string(bytes.ReplaceAll(p, []byte{0}, []byte{' '})), nil
}

func (p *PsAux) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	tasks, err := ListTasks(c, false)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "PPID", Kind: models.COL_INT},
		models.Column{Name: "COMM", Kind: models.COL_STR},
		models.Column{Name: "ARGS", Kind: models.COL_STR},
	)
	for _, t := range Filter(tasks, p.pids) {
		var args interface{}
		s, err := Args(c, t)
		if err != nil {
			c.Log().Debug("unreadable arguments", zap.Int("pid", t.PID), zap.Error(err))
			args = models.Unreadable{}
		} else {
			args = s
		}
		grid.MustAdd(nil, t.TGID, t.PPID, t.Comm, args)
	}
	return grid, nil
}
