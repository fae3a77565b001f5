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
	plugins.Register("windows.modules.Modules", "list loaded kernel modules", func() plugins.Plugin { return &Modules{} })
}

// Module is a loader entry, from PsLoadedModuleList or a process PEB.
type Module struct {
	Obj  *objects.Object
	Base uint64
	Size uint64
	Name interface{}
	Path interface{}
}

func unicodeCell(o *objects.Object, member string) interface{} {
	s, err := UnicodeString(o.MustMember(member))
	if err != nil {
		return models.Unreadable{}
	}
	return s
}

// loaderEntries walks a list of _LDR_DATA_TABLE_ENTRY by InLoadOrderLinks.
func loaderEntries(c *plugins.Context, head *objects.Object) ([]*Module, error) {
	entries, err := objects.ListWalk(head, "_LDR_DATA_TABLE_ENTRY", "InLoadOrderLinks", objects.ListOptions{})
	if err != nil {
		if len(entries) == 0 {
			return nil, errors.Wrap(err, "failed to walk loader list")
		}
		c.Log().Warn("loader list truncated", zap.Error(err))
	}
	var out []*Module
	for _, e := range entries {
		base, err := e.MustMember("DllBase").Uint()
		if err != nil {
			c.Log().Debug("skipping unreadable loader entry", zap.Uint64("offset", e.Addr), zap.Error(err))
			continue
		}
		size, err := e.MustMember("SizeOfImage").Uint()
		if err != nil {
			continue
		}
		out = append(out, &Module{
			Obj:  e,
			Base: base,
			Size: size,
			Name: unicodeCell(e, "BaseDllName"),
			Path: unicodeCell(e, "FullDllName"),
		})
	}
	return out, nil
}

// ListModules walks PsLoadedModuleList.
func ListModules(c *plugins.Context) ([]*Module, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	head, err := kctx.Symbol("PsLoadedModuleList", "_LIST_ENTRY")
	if err != nil {
		return nil, err
	}
	return loaderEntries(c, head)
}

type Modules struct{}

func (*Modules) Name() string                       { return "windows.modules.Modules" }
func (*Modules) Requirements() plugins.Requirements { return requirements }
func (*Modules) Flags(fs *flag.FlagSet)             {}

func (*Modules) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	mods, err := ListModules(c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "Offset", Kind: models.COL_HEX},
		models.Column{Name: "Base", Kind: models.COL_HEX},
		models.Column{Name: "Size", Kind: models.COL_HEX},
		models.Column{Name: "Name", Kind: models.COL_STR},
		models.Column{Name: "Path", Kind: models.COL_STR},
	)
	for _, m := range mods {
		grid.MustAdd(nil, models.Hex(m.Obj.Addr), models.Hex(m.Base), models.Hex(m.Size), m.Name, m.Path)
	}
	return grid, nil
}
