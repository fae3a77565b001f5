// Package render turns TreeGrids into text, JSON or CSV.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/models"
)

const (
	NOT_AVAILABLE = "N/A"
	UNREADABLE    = "-"
)

type Options struct {
	Color bool
}

type Renderer interface {
	Render(w io.Writer, grid *models.TreeGrid) error
}

var renderers = map[string]func(Options) Renderer{
	"quick":  func(o Options) Renderer { return &Quick{} },
	"pretty": func(o Options) Renderer { return &Pretty{Color: o.Color} },
	"json":   func(o Options) Renderer { return &JSON{} },
	"csv":    func(o Options) Renderer { return &CSV{} },
}

const DEFAULT = "quick"

func Lookup(name string, opts Options) (Renderer, error) {
	if name == "" {
		name = DEFAULT
	}
	fn, ok := renderers[name]
	if !ok {
		return nil, errors.Errorf("unknown renderer %q (have %s)", name, strings.Join(Names(), ", "))
	}
	return fn(opts), nil
}

func Names() []string {
	names := make([]string, 0, len(renderers))
	for name := range renderers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Format renders a cell value as text.
func Format(v interface{}) string {
	switch v := v.(type) {
	case nil:
		return ""
	case models.Hex:
		return v.String()
	case models.NotAvailable:
		return NOT_AVAILABLE
	case models.Unreadable:
		return UNREADABLE
	case models.Bytes:
		return strings.Join(HexDump(v.Addr, v.Data), "\n")
	case models.Disassembly:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return v
	}
	return fmt.Sprint(v)
}

func columnNames(grid *models.TreeGrid) []string {
	names := make([]string, len(grid.Columns))
	for i, c := range grid.Columns {
		names[i] = c.Name
	}
	return names
}

// Quick writes tab separated rows with a header. Nested rows are prefixed
// with one '*' per level.
type Quick struct{}

func (*Quick) Render(w io.Writer, grid *models.TreeGrid) error {
	if _, err := fmt.Fprintf(w, "%s\n\n", strings.Join(columnNames(grid), "\t")); err != nil {
		return err
	}
	return grid.Visit(func(n *models.TreeNode) error {
		cells := make([]string, len(n.Values))
		for i, v := range n.Values {
			cells[i] = Format(v)
		}
		prefix := ""
		if d := n.Depth(); d > 0 {
			prefix = strings.Repeat("*", d) + " "
		}
		_, err := fmt.Fprintf(w, "%s%s\n", prefix, strings.Join(cells, "\t"))
		return err
	})
}
