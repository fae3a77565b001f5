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

const MODULE_NAME_LEN = 56

func init() {
	plugins.Register("linux.lsmod.Lsmod", "list loaded kernel modules", func() plugins.Plugin { return &Lsmod{} })
}

type Module struct {
	Obj  *objects.Object
	Name string
	Base uint64
	Size uint64
}

// Contains reports whether addr lies in the module's core image.
func (m *Module) Contains(addr uint64) bool {
	return m.Size > 0 && addr >= m.Base && addr-m.Base < m.Size
}

// first member path that exists on obj
func firstMember(o *objects.Object, paths ...string) (*objects.Object, error) {
	for _, path := range paths {
		if o.Has(path) {
			return o.Member(path)
		}
	}
	return nil, errors.Errorf("%s has none of %v", o.Type, paths)
}

func readModule(o *objects.Object) (*Module, error) {
	m := &Module{Obj: o}
	var err error
	if m.Name, err = o.MustMember("name").CString(MODULE_NAME_LEN); err != nil {
		return nil, err
	}
	if base, err := firstMember(o, "core_layout.base", "module_core"); err == nil {
		m.Base, _ = base.Uint()
	}
	size, err := firstMember(o, "core_layout.size", "core_size")
	if err != nil {
		return nil, err
	}
	if m.Size, err = size.Uint(); err != nil {
		return nil, err
	}
	return m, nil
}

// ListModules walks the kernel's modules list.
func ListModules(c *plugins.Context) ([]*Module, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	head, err := kctx.Symbol("modules", "list_head")
	if err != nil {
		return nil, err
	}
	objs, err := objects.ListWalk(head, "module", "list", objects.ListOptions{})
	if err != nil {
		if len(objs) == 0 {
			return nil, errors.Wrap(err, "failed to walk module list")
		}
		c.Log().Warn("module list truncated", zap.Error(err))
	}
	var out []*Module
	for _, o := range objs {
		m, err := readModule(o)
		if err != nil {
			c.Log().Debug("skipping unreadable module", zap.Uint64("offset", o.Addr), zap.Error(err))
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

type Lsmod struct{}

func (*Lsmod) Name() string                       { return "linux.lsmod.Lsmod" }
func (*Lsmod) Requirements() plugins.Requirements { return requirements }
func (*Lsmod) Flags(fs *flag.FlagSet)             {}

func (*Lsmod) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	mods, err := ListModules(c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "Offset", Kind: models.COL_HEX},
		models.Column{Name: "Name", Kind: models.COL_STR},
		models.Column{Name: "Size", Kind: models.COL_INT},
	)
	for _, m := range mods {
		grid.MustAdd(nil, models.Hex(m.Obj.Addr), m.Name, m.Size)
	}
	return grid, nil
}
