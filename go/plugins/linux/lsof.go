package linux

import (
	"context"
	"flag"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
)

// MAX_FDS bounds the descriptor table size trusted from memory.
const MAX_FDS = 1 << 20

func init() {
	plugins.Register("linux.lsof.Lsof", "list open files per process", func() plugins.Plugin { return &Lsof{} })
}

type Lsof struct {
	pids plugins.IntList
}

func (*Lsof) Name() string                       { return "linux.lsof.Lsof" }
func (*Lsof) Requirements() plugins.Requirements { return requirements }

func (p *Lsof) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
}

type OpenFile struct {
	FD   int
	File *objects.Object
}

// Files returns the open descriptors in files->fdt->fd.
func (t *Task) Files() ([]OpenFile, error) {
	files, err := t.Obj.MustMember("files").Deref()
	if err != nil {
		return nil, err
	}
	fdt, err := files.MustMember("fdt").Deref()
	if err != nil {
		return nil, err
	}
	count, err := fdt.MustMember("max_fds").Uint()
	if err != nil {
		return nil, err
	}
	if count > MAX_FDS {
		return nil, errors.Errorf("pid %d: implausible max_fds %d", t.PID, count)
	}
	fds := fdt.MustMember("fd")
	var out []OpenFile
	for i := 0; i < int(count); i++ {
		slot, err := fds.Index(i)
		if err != nil {
			return out, err
		}
		f, err := slot.Deref()
		if errors.Is(err, objects.ErrNull) {
			continue
		} else if err != nil {
			return out, err
		}
		out = append(out, OpenFile{FD: i, File: f})
	}
	return out, nil
}

func (p *Lsof) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	tasks, err := ListTasks(c, false)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "Process", Kind: models.COL_STR},
		models.Column{Name: "FD", Kind: models.COL_INT},
		models.Column{Name: "Path", Kind: models.COL_STR},
	)
	for _, t := range Filter(tasks, p.pids) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		files, err := t.Files()
		if err != nil {
			c.Log().Debug("file table truncated", zap.Int("pid", t.TGID), zap.Error(err))
		}
		for _, f := range files {
			var path interface{} = models.Unreadable{}
			if s, err := FilePath(f.File); err == nil {
				path = s
			}
			grid.MustAdd(nil, t.TGID, t.Comm, f.FD, path)
		}
	}
	return grid, nil
}
