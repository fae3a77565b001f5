package render

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/lunixbochs/memscope/go/models"
)

const CHILDREN_KEY = "__children"

// JSON writes an array of row objects. Nested rows sit under CHILDREN_KEY.
type JSON struct{}

type jsonRow struct {
	keys     []string
	values   []interface{}
	children []*jsonRow
}

func (r *jsonRow) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range r.keys {
		k, _ := json.Marshal(key)
		v, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
		buf.WriteByte(',')
	}
	children := r.children
	if children == nil {
		children = []*jsonRow{}
	}
	c, err := json.Marshal(children)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`"` + CHILDREN_KEY + `":`)
	buf.Write(c)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// jsonValue keeps numbers numeric and maps markers to null.
func jsonValue(v interface{}) interface{} {
	switch v := v.(type) {
	case models.Hex:
		return uint64(v)
	case models.NotAvailable, models.Unreadable:
		return nil
	case models.Bytes:
		return hex.EncodeToString(v.Data)
	case models.Disassembly:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	}
	return v
}

func (*JSON) Render(w io.Writer, grid *models.TreeGrid) error {
	keys := columnNames(grid)
	var convert func(nodes []*models.TreeNode) []*jsonRow
	convert = func(nodes []*models.TreeNode) []*jsonRow {
		out := make([]*jsonRow, 0, len(nodes))
		for _, n := range nodes {
			row := &jsonRow{keys: keys, values: make([]interface{}, len(n.Values))}
			for i, v := range n.Values {
				row.values[i] = jsonValue(v)
			}
			row.children = convert(n.Children)
			out = append(out, row)
		}
		return out
	}
	data, err := json.MarshalIndent(convert(grid.Roots), "", strings.Repeat(" ", 2))
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
