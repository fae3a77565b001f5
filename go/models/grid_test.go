package models

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestTreeGrid(t *testing.T) {
	g := NewTreeGrid(
		Column{Name: "PID", Kind: COL_INT},
		Column{Name: "Offset", Kind: COL_HEX},
		Column{Name: "Name", Kind: COL_STR},
	)
	root := g.MustAdd(nil, 1, Hex(0x1000), "init")
	child := g.MustAdd(root, 100, Hex(0x2000), "bash")
	g.MustAdd(child, 101, Unreadable{}, "bash")
	g.MustAdd(nil, 2, NotAvailable{}, "kthreadd")

	if g.Len() != 4 {
		t.Errorf("Len = %d", g.Len())
	}
	var names []string
	var depths []int
	g.Visit(func(n *TreeNode) error {
		names = append(names, n.Values[2].(string))
		depths = append(depths, n.Depth())
		return nil
	})
	if diff := cmp.Diff([]string{"init", "bash", "bash", "kthreadd"}, names); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 0}, depths); diff != "" {
		t.Error(diff)
	}
	if Hex(0x2000).String() != "0x2000" {
		t.Error("Hex formatting")
	}
}

func TestTreeGridValidation(t *testing.T) {
	g := NewTreeGrid(
		Column{Name: "When", Kind: COL_TIME},
		Column{Name: "Data", Kind: COL_BYTES},
		Column{Name: "Code", Kind: COL_DIS},
		Column{Name: "Flag", Kind: COL_BOOL},
	)
	if _, err := g.Add(nil, time.Now(), Bytes{Data: []byte{1}}, Disassembly("nop"), true); err != nil {
		t.Error(err)
	}
	tests := [][]interface{}{
		{time.Now(), Bytes{}, Disassembly("")},
		{"now", Bytes{}, Disassembly(""), true},
		{time.Now(), []byte{}, Disassembly(""), true},
		{time.Now(), Bytes{}, "nop", true},
		{time.Now(), Bytes{}, Disassembly(""), 1},
	}
	for _, values := range tests {
		if _, err := g.Add(nil, values...); err == nil {
			t.Errorf("row %v accepted", values)
		}
	}
	if g.Len() != 1 {
		t.Errorf("Len = %d after rejected rows", g.Len())
	}
	defer func() {
		if recover() == nil {
			t.Error("MustAdd did not panic")
		}
	}()
	g.MustAdd(nil, 1, 2, 3, 4)
}
