// Package linux holds analysis passes over Linux kernel structures.
package linux

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
)

const TASK_COMM_LEN = 16

var ErrKernelThread = errors.New("kernel thread has no address space")

var requirements = plugins.Requirements{Kernel: true, OS: automagic.OS_LINUX}

// Task is the subset of a task_struct the passes report on.
type Task struct {
	Obj  *objects.Object
	PID  int
	TGID int
	PPID int
	Comm string
}

func readTask(o *objects.Object) (*Task, error) {
	t := &Task{Obj: o}
	pid, err := o.MustMember("pid").Int()
	if err != nil {
		return nil, err
	}
	tgid, err := o.MustMember("tgid").Int()
	if err != nil {
		return nil, err
	}
	t.PID, t.TGID = int(pid), int(tgid)
	if parent, err := o.MustMember("real_parent").Deref(); err == nil {
		if ppid, err := parent.MustMember("tgid").Int(); err == nil {
			t.PPID = int(ppid)
		}
	}
	t.Comm, err = o.MustMember("comm").CString(TASK_COMM_LEN)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// ListTasks walks init_task.tasks. With threads set, each thread group leader
// is followed by the other members of its group.
func ListTasks(c *plugins.Context, threads bool) ([]*Task, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	swapper, err := kctx.Symbol("init_task", "task_struct")
	if err != nil {
		return nil, err
	}
	objs, err := swapper.ListMember("tasks", "task_struct", "tasks", objects.ListOptions{})
	if err != nil {
		if len(objs) == 0 {
			return nil, errors.Wrap(err, "failed to walk task list")
		}
		c.Log().Warn("task list truncated", zap.Error(err))
	}
	var out []*Task
	for _, o := range objs {
		t, err := readTask(o)
		if err != nil {
			c.Log().Debug("skipping unreadable task", zap.Uint64("offset", o.Addr), zap.Error(err))
			continue
		}
		out = append(out, t)
		if !threads {
			continue
		}
		members, err := o.ListMember("thread_group", "task_struct", "thread_group", objects.ListOptions{})
		if err != nil {
			c.Log().Debug("thread group truncated", zap.Int("pid", t.PID), zap.Error(err))
		}
		for _, m := range members {
			if th, err := readTask(m); err == nil {
				out = append(out, th)
			}
		}
	}
	return out, nil
}

// MM returns the task's mm_struct, or ErrKernelThread.
func (t *Task) MM() (*objects.Object, error) {
	ptr := t.Obj.MustMember("mm")
	v, err := ptr.Uint()
	if err != nil {
		return nil, err
	}
	if v == 0 {
		return nil, ErrKernelThread
	}
	return ptr.Deref()
}

// Layer returns the task's user address space. mm->pgd is a kernel virtual
// address, so it is translated through the kernel layer to get the DTB.
func (t *Task) Layer(c *plugins.Context) (models.Layer, error) {
	mm, err := t.MM()
	if err != nil {
		return nil, err
	}
	pgd, err := mm.MustMember("pgd").Uint()
	if err != nil {
		return nil, err
	}
	kernel, err := c.KernelLayer()
	if err != nil {
		return nil, err
	}
	dtb, _, err := kernel.Translate(pgd)
	if err != nil {
		return nil, errors.Wrapf(err, "pid %d: bad pgd", t.PID)
	}
	return c.ProcessLayer(t.TGID, dtb)
}

// Filter returns the tasks whose tgid passes pids.
func Filter(tasks []*Task, pids plugins.IntList) []*Task {
	var out []*Task
	for _, t := range tasks {
		if pids.Has(t.TGID) {
			out = append(out, t)
		}
	}
	return out
}
