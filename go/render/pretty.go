package render

import (
	"io"
	"strings"

	"github.com/mgutz/ansi"

	"github.com/lunixbochs/memscope/go/models"
)

var headerColor = ansi.ColorCode("default+b:default")

const SEPARATOR = " | "

// Pretty writes aligned columns. Multi-line cells (hexdumps, disassembly)
// span several output lines.
type Pretty struct {
	Color bool
}

func (p *Pretty) Render(w io.Writer, grid *models.TreeGrid) error {
	tree := false
	for _, root := range grid.Roots {
		if len(root.Children) > 0 {
			tree = true
		}
	}
	header := columnNames(grid)
	if tree {
		header = append([]string{""}, header...)
	}
	var rows [][][]string
	grid.Visit(func(n *models.TreeNode) error {
		var row [][]string
		if tree {
			row = append(row, []string{strings.Repeat("*", n.Depth())})
		}
		for _, v := range n.Values {
			row = append(row, strings.Split(Format(v), "\n"))
		}
		rows = append(rows, row)
		return nil
	})
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			for _, line := range cell {
				if len(line) > widths[i] {
					widths[i] = len(line)
				}
			}
		}
	}
	pad := func(s string, width int, last bool) string {
		if last {
			return s
		}
		return s + strings.Repeat(" ", width-len(s))
	}

	var out strings.Builder
	for i, h := range header {
		if i > 0 {
			out.WriteString(SEPARATOR)
		}
		cell := pad(h, widths[i], i == len(header)-1)
		if p.Color {
			cell = headerColor + h + ansi.Reset + cell[len(h):]
		}
		out.WriteString(cell)
	}
	out.WriteString("\n")
	for _, row := range rows {
		height := 1
		for _, cell := range row {
			if len(cell) > height {
				height = len(cell)
			}
		}
		for line := 0; line < height; line++ {
			var parts []string
			for i, cell := range row {
				s := ""
				if line < len(cell) {
					s = cell[line]
				}
				parts = append(parts, pad(s, widths[i], i == len(row)-1))
			}
			out.WriteString(strings.TrimRight(strings.Join(parts, SEPARATOR), " "))
			out.WriteString("\n")
		}
	}
	_, err := io.WriteString(w, out.String())
	return err
}
