package render

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/lunixbochs/memscope/go/models"
)

const TREE_DEPTH = "TreeDepth"

// CSV writes one record per row with the row's tree depth first.
type CSV struct{}

func (*CSV) Render(w io.Writer, grid *models.TreeGrid) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{TREE_DEPTH}, columnNames(grid)...)); err != nil {
		return err
	}
	err := grid.Visit(func(n *models.TreeNode) error {
		record := make([]string, 0, len(n.Values)+1)
		record = append(record, strconv.Itoa(n.Depth()))
		for _, v := range n.Values {
			record = append(record, Format(v))
		}
		return cw.Write(record)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}
