package linux

import (
	"bufio"
	"context"
	"flag"
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
)

// MAX_DUMP bounds a single dumped VMA.
const MAX_DUMP = 1 << 30

func init() {
	plugins.Register("linux.proc.Maps", "list process memory mappings", func() plugins.Plugin { return &Maps{} })
}

type Maps struct {
	pids plugins.IntList
	dump bool
}

func (*Maps) Name() string                       { return "linux.proc.Maps" }
func (*Maps) Requirements() plugins.Requirements { return requirements }

func (p *Maps) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
	fs.BoolVar(&p.dump, "dump", false, "write each mapping to the output directory")
}

// DumpName is the output file name for a dumped VMA.
func DumpName(pid int, v *VMA) string {
	return fmt.Sprintf("pid.%d.vma.%#x-%#x.dmp", pid, v.Start, v.End)
}

func dumpVMA(ctx context.Context, c *plugins.Context, t *Task, v *VMA) (string, error) {
	if v.End <= v.Start || v.End-v.Start > MAX_DUMP {
		return "", errors.Errorf("bad mapping size %#x-%#x", v.Start, v.End)
	}
	l, err := t.Layer(c)
	if err != nil {
		return "", err
	}
	f, err := c.CreateFile(DumpName(t.TGID, v))
	if err != nil {
		return "", err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for addr := v.Start; addr < v.End; addr += PAGE_SIZE {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n := uint64(PAGE_SIZE)
		if addr+n > v.End {
			n = v.End - addr
		}
		page, err := l.Read(addr, n, true)
		if err != nil {
			return "", err
		}
		if _, err := w.Write(page); err != nil {
			return "", errors.Wrap(err, "failed to write dump")
		}
	}
	if err := w.Flush(); err != nil {
		return "", errors.Wrap(err, "failed to write dump")
	}
	return DumpName(t.TGID, v), nil
}

func (p *Maps) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	tasks, err := ListTasks(c, false)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "Process", Kind: models.COL_STR},
		models.Column{Name: "Start", Kind: models.COL_HEX},
		models.Column{Name: "End", Kind: models.COL_HEX},
		models.Column{Name: "Flags", Kind: models.COL_STR},
		models.Column{Name: "PgOff", Kind: models.COL_HEX},
		models.Column{Name: "Major", Kind: models.COL_INT},
		models.Column{Name: "Minor", Kind: models.COL_INT},
		models.Column{Name: "Inode", Kind: models.COL_INT},
		models.Column{Name: "File Path", Kind: models.COL_STR},
		models.Column{Name: "File output", Kind: models.COL_STR},
	)
	for _, t := range Filter(tasks, p.pids) {
		vmas, err := t.VMAs()
		if err == ErrKernelThread {
			continue
		} else if err != nil {
			c.Log().Warn("mapping list truncated", zap.Int("pid", t.TGID), zap.Error(err))
		}
		for _, v := range vmas {
			var major, minor, ino interface{} = 0, 0, 0
			var path interface{} = ANONYMOUS
			if v.File != nil {
				if s, err := FilePath(v.File); err == nil {
					path = s
				} else {
					path = models.Unreadable{}
				}
				if i, devMajor, devMinor, err := FileInode(v.File); err == nil {
					ino, major, minor = i, devMajor, devMinor
				} else {
					ino, major, minor = models.Unreadable{}, models.Unreadable{}, models.Unreadable{}
				}
			}
			var output interface{} = "Disabled"
			if p.dump {
				if name, err := dumpVMA(ctx, c, t, v); err == nil {
					output = name
				} else {
					c.Log().Info("failed to dump mapping", zap.Int("pid", t.TGID), zap.Uint64("start", v.Start), zap.Error(err))
					output = "Error outputting file"
				}
			}
			grid.MustAdd(nil, t.TGID, t.Comm, models.Hex(v.Start), models.Hex(v.End), v.Protection(),
				models.Hex(v.PgOff<<PAGE_SHIFT), major, minor, ino, path, output)
		}
	}
	return grid, nil
}
