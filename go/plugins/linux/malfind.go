package linux

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
)

// PREVIEW_SIZE is how much of each suspicious mapping is shown.
const PREVIEW_SIZE = 64

func init() {
	plugins.Register("linux.malfind.Malfind", "find writable and executable anonymous mappings", func() plugins.Plugin { return &Malfind{} })
}

type Malfind struct {
	pids plugins.IntList
}

func (*Malfind) Name() string                       { return "linux.malfind.Malfind" }
func (*Malfind) Requirements() plugins.Requirements { return requirements }

func (p *Malfind) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
}

// Suspicious reports whether v is anonymous memory that is both writable and executable.
func Suspicious(v *VMA) bool {
	return v.File == nil && v.Flags&VM_WRITE != 0 && v.Flags&VM_EXEC != 0
}

// Disassemble renders code at pc one instruction per line in Intel syntax,
// stopping at the first undecodable byte.
func Disassemble(code []byte, pc uint64, mode int) string {
	var lines []string
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			break
		}
		lines = append(lines, fmt.Sprintf("%#x:\t%s", pc, x86asm.IntelSyntax(inst, pc, nil)))
		code = code[inst.Len:]
		pc += uint64(inst.Len)
	}
	return strings.Join(lines, "\n")
}

func (p *Malfind) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	tasks, err := ListTasks(c, false)
	if err != nil {
		return nil, err
	}
	mode := 64
	if c.Table.PointerSize() == 4 {
		mode = 32
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "Process", Kind: models.COL_STR},
		models.Column{Name: "Start", Kind: models.COL_HEX},
		models.Column{Name: "End", Kind: models.COL_HEX},
		models.Column{Name: "Protection", Kind: models.COL_STR},
		models.Column{Name: "Hexdump", Kind: models.COL_BYTES},
		models.Column{Name: "Disasm", Kind: models.COL_DIS},
	)
	for _, t := range Filter(tasks, p.pids) {
		vmas, err := t.VMAs()
		if err == ErrKernelThread {
			continue
		} else if err != nil {
			c.Log().Warn("mapping list truncated", zap.Int("pid", t.TGID), zap.Error(err))
		}
		var l models.Layer
		for _, v := range vmas {
			if !Suspicious(v) {
				continue
			}
			if l == nil {
				if l, err = t.Layer(c); err != nil {
					c.Log().Info("no address space", zap.Int("pid", t.TGID), zap.Error(err))
					break
				}
			}
			size := uint64(PREVIEW_SIZE)
			if v.End-v.Start < size {
				size = v.End - v.Start
			}
			var dump, dis interface{} = models.Unreadable{}, models.Unreadable{}
			if data, err := l.Read(v.Start, size, false); err == nil {
				dump = models.Bytes{Addr: v.Start, Data: data}
				dis = models.Disassembly(Disassemble(data, v.Start, mode))
			}
			grid.MustAdd(nil, t.TGID, t.Comm, models.Hex(v.Start), models.Hex(v.End), v.Protection(), dump, dis)
		}
	}
	return grid, nil
}
