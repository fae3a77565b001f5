package linux

import (
	"context"
	"flag"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
)

func init() {
	plugins.Register("linux.pslist.PsList", "list processes from the kernel task list", func() plugins.Plugin { return &PsList{} })
	plugins.Register("linux.pstree.PsTree", "list processes nested under their parents", func() plugins.Plugin { return &PsTree{} })
}

type PsList struct {
	pids    plugins.IntList
	threads bool
}

func (*PsList) Name() string                       { return "linux.pslist.PsList" }
func (*PsList) Requirements() plugins.Requirements { return requirements }

func (p *PsList) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
	fs.BoolVar(&p.threads, "threads", false, "include threads")
}

func taskColumns() []models.Column {
	return []models.Column{
		{Name: "OFFSET (V)", Kind: models.COL_HEX},
		{Name: "PID", Kind: models.COL_INT},
		{Name: "TID", Kind: models.COL_INT},
		{Name: "PPID", Kind: models.COL_INT},
		{Name: "COMM", Kind: models.COL_STR},
	}
}

func taskRow(t *Task) []interface{} {
	return []interface{}{models.Hex(t.Obj.Addr), t.TGID, t.PID, t.PPID, t.Comm}
}

func (p *PsList) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	tasks, err := ListTasks(c, p.threads)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(taskColumns()...)
	for _, t := range Filter(tasks, p.pids) {
		grid.MustAdd(nil, taskRow(t)...)
	}
	return grid, nil
}

type PsTree struct {
	pids    plugins.IntList
	threads bool
}

func (*PsTree) Name() string                       { return "linux.pstree.PsTree" }
func (*PsTree) Requirements() plugins.Requirements { return requirements }

func (p *PsTree) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID whose ancestry to include (repeatable)")
	fs.BoolVar(&p.threads, "threads", false, "include threads under their group leader")
}

func (p *PsTree) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	tasks, err := ListTasks(c, p.threads)
	if err != nil {
		return nil, err
	}
	byPID := make(map[int]*Task)
	for _, t := range tasks {
		if t.PID == t.TGID {
			byPID[t.PID] = t
		}
	}
	// threads hang under their leader, processes under their parent
	parentOf := func(t *Task) int {
		if t.PID != t.TGID {
			return t.TGID
		}
		return t.PPID
	}
	children := make(map[int][]*Task)
	var roots []*Task
	for _, t := range tasks {
		parent := parentOf(t)
		if _, ok := byPID[parent]; ok && parent != t.PID {
			children[parent] = append(children[parent], t)
		} else {
			roots = append(roots, t)
		}
	}
	// with --pid only the listed processes and their ancestors are shown
	keep := func(*Task) bool { return true }
	if len(p.pids) > 0 {
		wanted := make(map[*Task]bool)
		for _, t := range tasks {
			if !p.pids.Has(t.TGID) {
				continue
			}
			for cur, depth := t, 0; cur != nil && !wanted[cur] && depth < len(tasks); depth++ {
				wanted[cur] = true
				cur = byPID[parentOf(cur)]
			}
		}
		keep = func(t *Task) bool { return wanted[t] }
	}

	grid := models.NewTreeGrid(taskColumns()...)
	seen := make(map[*Task]bool)
	var add func(parent *models.TreeNode, t *Task)
	add = func(parent *models.TreeNode, t *Task) {
		if seen[t] || !keep(t) {
			return
		}
		seen[t] = true
		node := grid.MustAdd(parent, taskRow(t)...)
		if t.PID != t.TGID {
			return
		}
		for _, child := range children[t.PID] {
			add(node, child)
		}
	}
	for _, t := range roots {
		add(nil, t)
	}
	return grid, nil
}
