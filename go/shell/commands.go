package shell

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/render"
	"github.com/lunixbochs/memscope/go/symbols"
)

const (
	DB_DEFAULT = 128
	DQ_DEFAULT = 16
)

var psPlugins = map[string]string{
	automagic.OS_LINUX:   "linux.pslist.PsList",
	automagic.OS_WINDOWS: "windows.pslist.PsList",
}

var LayersCmd = cmd(&Command{
	Name: "layers",
	Desc: "List layers, the current one marked with *.",
	Run: func(c *Context) error {
		for _, name := range c.Layers.Names() {
			l, _ := c.Layers.Get(name)
			mark := " "
			if name == c.Layer {
				mark = "*"
			}
			c.Printf("%s %-24s %#x-%#x  %s\n", mark, name, l.MinAddr(), l.MaxAddr(), c.Layers.Stack(name))
		}
		return nil
	},
})

var ChangeLayerCmd = cmd(&Command{
	Name:  "cl",
	Desc:  "Change the current layer.",
	Usage: "<layer>",
	Run: func(c *Context, name string) error {
		if _, err := c.Layers.MustGet(name); err != nil {
			return err
		}
		c.Layer = name
		return nil
	},
})

var DisplayBytesCmd = cmd(&Command{
	Name:     "db",
	Desc:     "Hexdump memory from the current layer.",
	Usage:    "<addr> [len]",
	Optional: 1,
	Run: func(c *Context, addr, size uint64) error {
		if size == 0 {
			size = DB_DEFAULT
		}
		l, err := c.current()
		if err != nil {
			return err
		}
		mem, err := l.Read(addr, size, false)
		if err != nil {
			return err
		}
		for _, line := range render.HexDump(addr, mem) {
			c.Printf("  %s\n", line)
		}
		return nil
	},
})

var DisplayQuadsCmd = cmd(&Command{
	Name:     "dq",
	Desc:     "Display 64-bit words from the current layer.",
	Usage:    "<addr> [count]",
	Optional: 1,
	Run: func(c *Context, addr, count uint64) error {
		if count == 0 {
			count = DQ_DEFAULT
		}
		l, err := c.current()
		if err != nil {
			return err
		}
		mem, err := l.Read(addr, count*8, false)
		if err != nil {
			return err
		}
		var order binary.ByteOrder = binary.LittleEndian
		if c.Table != nil {
			order = c.Table.ByteOrder()
		}
		for i := uint64(0); i < count; i += 2 {
			line := []string{}
			for j := i; j < i+2 && j < count; j++ {
				line = append(line, fmt.Sprintf("%#018x", order.Uint64(mem[j*8:])))
			}
			c.Printf("  %#x: %s\n", addr+i*8, strings.Join(line, " "))
		}
		return nil
	},
})

// describeValue renders scalars, pointers and enums; aggregates show their type.
func describeValue(o *objects.Object) string {
	switch o.Type.Kind {
	case symbols.KIND_BASE, symbols.KIND_BITFIELD:
		if v, err := o.Int(); err == nil {
			return strconv.FormatInt(v, 10)
		}
	case symbols.KIND_POINTER:
		if v, err := o.Uint(); err == nil {
			return models.Hex(v).String()
		}
	case symbols.KIND_ENUM:
		if name, err := o.EnumName(); err == nil {
			return name
		}
	default:
		return "<" + o.TypeName() + ">"
	}
	return render.UNREADABLE
}

var DisplayTypeCmd = cmd(&Command{
	Name:     "dt",
	Desc:     "Display a type's layout, or an instance of it at addr.",
	Usage:    "<type> [addr]",
	Optional: 1,
	Run: func(c *Context, name string, addr uint64) error {
		if c.Table == nil {
			return automagic.ErrNoKernel
		}
		typ, err := c.Table.Type(name)
		if err != nil {
			return err
		}
		fields := make([]string, 0, len(typ.Fields))
		for f := range typ.Fields {
			fields = append(fields, f)
		}
		sort.Slice(fields, func(i, j int) bool {
			a, b := typ.Fields[fields[i]], typ.Fields[fields[j]]
			if a.Offset != b.Offset {
				return a.Offset < b.Offset
			}
			return fields[i] < fields[j]
		})
		c.Printf("%s %s (%#x bytes)\n", typ.Kind, name, typ.Size)
		var obj *objects.Object
		if addr != 0 {
			l, err := c.current()
			if err != nil {
				return err
			}
			oc, err := c.Objects()
			if err != nil {
				return err
			}
			if obj, err = oc.WithLayer(l).Object(name, addr); err != nil {
				return err
			}
		}
		for _, f := range fields {
			field := typ.Fields[f]
			if obj == nil {
				c.Printf("  %#06x  %-24s %s\n", field.Offset, f, field.Type)
				continue
			}
			member, err := obj.Member(f)
			value := render.UNREADABLE
			if err == nil {
				value = describeValue(member)
			}
			c.Printf("  %#06x  %-24s %-24s %s\n", field.Offset, f, field.Type, value)
		}
		return nil
	},
})

var SymbolCmd = cmd(&Command{
	Name:  "sym",
	Desc:  "Look up a symbol by name, or the nearest symbol to an address.",
	Usage: "<name|addr>",
	Run: func(c *Context, name string) error {
		if c.Table == nil {
			return automagic.ErrNoKernel
		}
		if addr, err := strconv.ParseUint(name, 0, 64); err == nil {
			sym, off, ok := c.Table.Nearest(addr)
			if !ok {
				return errors.Errorf("no symbol below %#x", addr)
			}
			c.Printf("%#x  %s+%#x\n", addr, sym.Name, off)
			return nil
		}
		sym, err := c.Table.Symbol(name)
		if err != nil {
			return err
		}
		c.Printf("%#x  %s  %s\n", sym.Address, sym.Name, sym.Type)
		return nil
	},
})

func runPlugin(c *Context, name string, args []string) error {
	grid, err := plugins.Run(c.Ctx, c.Context, name, args)
	if err != nil {
		return err
	}
	r, err := render.Lookup(c.Config.Renderer, render.Options{Color: c.Config.Color})
	if err != nil {
		return err
	}
	return r.Render(c.Writer, grid)
}

var ProcessListCmd = cmd(&Command{
	Name: "ps",
	Desc: "List processes.",
	Run: func(c *Context) error {
		name, ok := psPlugins[c.OS]
		if !ok {
			return errors.New("no operating system identified")
		}
		return runPlugin(c, name, nil)
	},
})

var RunCmd = cmd(&Command{
	Name:  "run",
	Desc:  "Run a plugin.",
	Usage: "<plugin> [args...]",
	Run: func(c *Context, name string, args ...string) error {
		return runPlugin(c, name, args)
	},
})

var HelpCmd = cmd(&Command{
	Name:     "help",
	Desc:     "List commands, or show a plugin's flags.",
	Usage:    "[plugin]",
	Optional: 1,
	Run: func(c *Context, name string) error {
		if name != "" {
			return plugins.Usage(c.Writer, name)
		}
		for _, n := range commandNames() {
			command := Commands[n]
			c.Printf("  %-8s %-20s %s\n", n, command.Usage, command.Desc)
		}
		c.Printf("\nplugins:\n")
		for _, info := range plugins.List() {
			c.Printf("  %-36s %s\n", info.Name, info.Desc)
		}
		return nil
	},
})
