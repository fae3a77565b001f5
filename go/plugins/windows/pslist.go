// Package windows holds analysis passes over Windows kernel structures.
package windows

import (
	"context"
	"flag"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
)

const (
	IMAGE_NAME_LEN = 15

	// seconds between 1601-01-01 and 1970-01-01
	FILETIME_EPOCH = 11644473600
)

var requirements = plugins.Requirements{Kernel: true, OS: automagic.OS_WINDOWS}

func init() {
	plugins.Register("windows.pslist.PsList", "list processes from the active process list", func() plugins.Plugin { return &PsList{} })
}

// FiletimeToTime converts a FILETIME. Zero means unset.
func FiletimeToTime(ft uint64) (time.Time, bool) {
	if ft == 0 {
		return time.Time{}, false
	}
	secs := int64(ft/10000000) - FILETIME_EPOCH
	nsec := int64(ft%10000000) * 100
	return time.Unix(secs, nsec).UTC(), true
}

type Process struct {
	Obj     *objects.Object
	PID     int
	PPID    int
	Name    string
	Threads uint64
	Handles interface{}
	Create  interface{}
	Exit    interface{}
	DTB     uint64
}

func filetime(o *objects.Object, path string) interface{} {
	m, err := o.Member(path)
	if err != nil {
		return models.NotAvailable{}
	}
	if m.Has("QuadPart") {
		m = m.MustMember("QuadPart")
	}
	v, err := m.Uint()
	if err != nil {
		return models.Unreadable{}
	}
	if t, ok := FiletimeToTime(v); ok {
		return t
	}
	return models.NotAvailable{}
}

// handleCount reads ObjectTable->HandleCount through the kernel, so it works
// for processes found on the physical layer too.
func handleCount(kctx *objects.Context, o *objects.Object) interface{} {
	ptr, err := o.MustMember("ObjectTable").Uint()
	if err != nil {
		return models.Unreadable{}
	}
	if ptr == 0 {
		return models.NotAvailable{}
	}
	tbl, err := kctx.Object("_HANDLE_TABLE", ptr)
	if err != nil {
		return models.NotAvailable{}
	}
	n, err := tbl.MustMember("HandleCount").Uint()
	if err != nil {
		return models.Unreadable{}
	}
	return n
}

func readProcess(kctx *objects.Context, o *objects.Object) (*Process, error) {
	p := &Process{Obj: o}
	pid, err := o.MustMember("UniqueProcessId").Uint()
	if err != nil {
		return nil, err
	}
	ppid, err := o.MustMember("InheritedFromUniqueProcessId").Uint()
	if err != nil {
		return nil, err
	}
	p.PID, p.PPID = int(pid), int(ppid)
	if p.Name, err = o.MustMember("ImageFileName").CString(IMAGE_NAME_LEN); err != nil {
		return nil, err
	}
	if p.Threads, err = o.MustMember("ActiveThreads").Uint(); err != nil {
		return nil, err
	}
	if p.DTB, err = o.MustMember("Pcb.DirectoryTableBase").Uint(); err != nil {
		return nil, err
	}
	p.Handles = handleCount(kctx, o)
	p.Create = filetime(o, "CreateTime")
	p.Exit = filetime(o, "ExitTime")
	return p, nil
}

// ListProcesses walks PsActiveProcessHead.
func ListProcesses(c *plugins.Context) ([]*Process, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	head, err := kctx.Symbol("PsActiveProcessHead", "_LIST_ENTRY")
	if err != nil {
		return nil, err
	}
	objs, err := objects.ListWalk(head, "_EPROCESS", "ActiveProcessLinks", objects.ListOptions{})
	if err != nil {
		if len(objs) == 0 {
			return nil, errors.Wrap(err, "failed to walk process list")
		}
		c.Log().Warn("process list truncated", zap.Error(err))
	}
	var out []*Process
	for _, o := range objs {
		p, err := readProcess(kctx, o)
		if err != nil {
			c.Log().Debug("skipping unreadable process", zap.Uint64("offset", o.Addr), zap.Error(err))
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Layer returns the process address space.
func (p *Process) Layer(c *plugins.Context) (models.Layer, error) {
	return c.ProcessLayer(p.PID, p.DTB)
}

type PsList struct {
	pids plugins.IntList
}

func (*PsList) Name() string                       { return "windows.pslist.PsList" }
func (*PsList) Requirements() plugins.Requirements { return requirements }

func (p *PsList) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
}

func (p *PsList) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	procs, err := ListProcesses(c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "PPID", Kind: models.COL_INT},
		models.Column{Name: "ImageFileName", Kind: models.COL_STR},
		models.Column{Name: "Offset(V)", Kind: models.COL_HEX},
		models.Column{Name: "Threads", Kind: models.COL_INT},
		models.Column{Name: "Handles", Kind: models.COL_INT},
		models.Column{Name: "CreateTime", Kind: models.COL_TIME},
		models.Column{Name: "ExitTime", Kind: models.COL_TIME},
	)
	for _, proc := range procs {
		if !p.pids.Has(proc.PID) {
			continue
		}
		grid.MustAdd(nil, proc.PID, proc.PPID, proc.Name, models.Hex(proc.Obj.Addr), proc.Threads, proc.Handles, proc.Create, proc.Exit)
	}
	return grid, nil
}
