package models

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Column kinds, used by renderers for alignment and formatting.
const (
	COL_INT = iota
	COL_HEX
	COL_STR
	COL_BOOL
	COL_TIME
	COL_BYTES
	COL_DIS
)

type Column struct {
	Name string
	Kind int
}

type (
	// Hex renders as 0x-prefixed hexadecimal.
	Hex uint64
	// Bytes renders as a hexdump with its base address.
	Bytes struct {
		Addr uint64
		Data []byte
	}
	// Disassembly is pre-rendered instruction text.
	Disassembly string
	// NotAvailable marks a value that does not apply to this row.
	NotAvailable struct{}
	// Unreadable marks a value whose memory could not be read.
	Unreadable struct{}
)

func (h Hex) String() string { return fmt.Sprintf("%#x", uint64(h)) }

type TreeNode struct {
	Values   []interface{}
	Children []*TreeNode
	Parent   *TreeNode
}

func (n *TreeNode) Depth() int {
	d := 0
	for p := n.Parent; p != nil; p = p.Parent {
		d++
	}
	return d
}

type TreeGrid struct {
	Columns []Column
	Roots   []*TreeNode
}

func NewTreeGrid(cols ...Column) *TreeGrid {
	return &TreeGrid{Columns: cols}
}

// Add appends a row under parent (nil for a root row).
func (g *TreeGrid) Add(parent *TreeNode, values ...interface{}) (*TreeNode, error) {
	if len(values) != len(g.Columns) {
		return nil, errors.Errorf("row has %d values, grid has %d columns", len(values), len(g.Columns))
	}
	for i, v := range values {
		if !validValue(g.Columns[i].Kind, v) {
			return nil, errors.Errorf("column %q: unexpected value %T", g.Columns[i].Name, v)
		}
	}
	node := &TreeNode{Values: values, Parent: parent}
	if parent == nil {
		g.Roots = append(g.Roots, node)
	} else {
		parent.Children = append(parent.Children, node)
	}
	return node, nil
}

// MustAdd is Add for plugins whose column layout is static.
func (g *TreeGrid) MustAdd(parent *TreeNode, values ...interface{}) *TreeNode {
	node, err := g.Add(parent, values...)
	if err != nil {
		panic(err)
	}
	return node
}

// Visit walks rows depth-first in insertion order.
func (g *TreeGrid) Visit(fn func(n *TreeNode) error) error {
	var walk func(nodes []*TreeNode) error
	walk = func(nodes []*TreeNode) error {
		for _, n := range nodes {
			if err := fn(n); err != nil {
				return err
			}
			if err := walk(n.Children); err != nil {
				return err
			}
		}
		return nil
	}
	return walk(g.Roots)
}

func (g *TreeGrid) Len() int {
	n := 0
	g.Visit(func(*TreeNode) error { n++; return nil })
	return n
}

func validValue(kind int, v interface{}) bool {
	switch v.(type) {
	case NotAvailable, Unreadable:
		return true
	}
	switch kind {
	case COL_INT:
		switch v.(type) {
		case int, int32, int64, uint, uint32, uint64:
			return true
		}
	case COL_HEX:
		_, ok := v.(Hex)
		return ok
	case COL_STR:
		_, ok := v.(string)
		return ok
	case COL_BOOL:
		_, ok := v.(bool)
		return ok
	case COL_TIME:
		_, ok := v.(time.Time)
		return ok
	case COL_BYTES:
		_, ok := v.(Bytes)
		return ok
	case COL_DIS:
		_, ok := v.(Disassembly)
		return ok
	}
	return false
}
