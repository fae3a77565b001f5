package linux

import (
	"context"
	"flag"

	sysnum "github.com/lunixbochs/ghostrace/ghost/sys/num"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/symbols"
)

const UNKNOWN = "UNKNOWN"

func init() {
	plugins.Register("linux.check_syscall.Check_syscall", "check system call tables for hooked handlers", func() plugins.Plugin { return &CheckSyscall{} })
}

type CheckSyscall struct {
	count int
}

func (*CheckSyscall) Name() string                       { return "linux.check_syscall.Check_syscall" }
func (*CheckSyscall) Requirements() plugins.Requirements { return requirements }

func (p *CheckSyscall) Flags(fs *flag.FlagSet) {
	fs.IntVar(&p.count, "count", 0, "entries to check per table (default: the table's declared length)")
}

// symbolName returns the first kernel symbol located exactly at addr.
func symbolName(t *symbols.Table, addr uint64) string {
	if syms := t.SymbolsAt(addr); len(syms) > 0 {
		return syms[0].Name
	}
	return UNKNOWN
}

// syscallNames maps indexes of a system call table to syscall names. The
// compat table and the native table of a 32-bit kernel use i386 numbering.
func syscallNames(table string, ptrSize int) map[int]string {
	if table == "ia32_sys_call_table" || ptrSize == 4 {
		return sysnum.Linux_x86
	}
	return sysnum.Linux_x86_64
}

func (p *CheckSyscall) table(kctx *objects.Context, name string) ([]*objects.Object, error) {
	sym, err := kctx.Table.Symbol(name)
	if err != nil {
		return nil, err
	}
	ptr := kctx.Table.PointerSize()
	count := p.count
	if count == 0 {
		if sym.Type == nil || sym.Type.Kind != symbols.KIND_ARRAY {
			return nil, errors.Errorf("%s has no declared length, use -count", name)
		}
		count = int(sym.Type.Count)
	}
	out := make([]*objects.Object, 0, count)
	for i := 0; i < count; i++ {
		o, err := kctx.Object("pointer", sym.Address+uint64(i*ptr))
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (p *CheckSyscall) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "Table Address", Kind: models.COL_HEX},
		models.Column{Name: "Table Name", Kind: models.COL_STR},
		models.Column{Name: "Index", Kind: models.COL_INT},
		models.Column{Name: "Handler Address", Kind: models.COL_HEX},
		models.Column{Name: "Handler Symbol", Kind: models.COL_STR},
		models.Column{Name: "Expected", Kind: models.COL_STR},
	)
	found := false
	for _, name := range []string{"sys_call_table", "ia32_sys_call_table"} {
		if !kctx.Table.HasSymbol(name) {
			continue
		}
		entries, err := p.table(kctx, name)
		if err != nil {
			return nil, err
		}
		found = true
		names := syscallNames(name, kctx.Table.PointerSize())
		for i, e := range entries {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			var expected interface{} = models.NotAvailable{}
			if s, ok := names[i]; ok {
				expected = s
			}
			handler, err := e.Uint()
			if err != nil {
				c.Log().Debug("unreadable syscall entry", zap.String("table", name), zap.Int("index", i), zap.Error(err))
				grid.MustAdd(nil, models.Hex(entries[0].Addr), name, i, models.Unreadable{}, models.Unreadable{}, expected)
				continue
			}
			grid.MustAdd(nil, models.Hex(entries[0].Addr), name, i, models.Hex(handler), symbolName(kctx.Table, handler), expected)
		}
	}
	if !found {
		return nil, errors.New("symbol table has no system call table")
	}
	return grid, nil
}
