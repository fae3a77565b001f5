// Package plugins runs analysis passes over a stacked memory image. Each pass
// fills a TreeGrid that a renderer turns into output.
package plugins

import (
	"context"
	"flag"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/lunixbochs/fvbommel-util/sortorder"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
)

var ErrNotFound = errors.New("plugin not found")

// Requirements are checked against the stack before a plugin runs.
type Requirements struct {
	// Kernel needs an identified kernel layer and symbol table.
	Kernel bool
	// OS restricts the plugin to one operating system.
	OS string
}

type Plugin interface {
	Name() string
	Requirements() Requirements
	Flags(fs *flag.FlagSet)
	Run(ctx context.Context, c *Context) (*models.TreeGrid, error)
}

type Factory func() Plugin

type Info struct {
	Name    string
	Desc    string
	Factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]*Info)
)

// Register makes a plugin available by name. Plugin packages call it from init.
func Register(name, desc string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[name]; ok {
		panic(fmt.Sprintf("plugin %s registered twice", name))
	}
	registry[name] = &Info{Name: name, Desc: desc, Factory: factory}
}

// Lookup returns a fresh instance of the named plugin.
func Lookup(name string) (Plugin, error) {
	registryMu.RLock()
	info, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	return info.Factory(), nil
}

// List returns registered plugins in natural name order.
func List() []*Info {
	registryMu.RLock()
	out := make([]*Info, 0, len(registry))
	for _, info := range registry {
		out = append(out, info)
	}
	registryMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return sortorder.NaturalLess(out[i].Name, out[j].Name) })
	return out
}

// Check returns an error describing the first unmet requirement.
func (r Requirements) Check(c *Context) error {
	if r.Kernel && c.Table == nil {
		return errors.New("requires a kernel symbol table, none was found for this image")
	}
	if r.OS != "" && c.OS != r.OS {
		if c.OS == "" {
			return errors.Errorf("requires a %s image, no operating system was identified", r.OS)
		}
		return errors.Errorf("requires a %s image, this is %s", r.OS, c.OS)
	}
	return nil
}

// Run parses args with the plugin's flags, checks its requirements and runs it.
func Run(ctx context.Context, c *Context, name string, args []string) (*models.TreeGrid, error) {
	p, err := Lookup(name)
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	p.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrapf(err, "%s", name)
	}
	if fs.NArg() > 0 {
		return nil, errors.Errorf("%s: unexpected arguments %q", name, fs.Args())
	}
	if err := p.Requirements().Check(c); err != nil {
		return nil, errors.Wrap(err, name)
	}
	c.Log().Debug("running plugin", zap.String("plugin", name))
	grid, err := p.Run(ctx, c)
	if err != nil {
		return grid, errors.Wrap(err, name)
	}
	return grid, nil
}

// Usage writes a plugin's flag defaults to w.
func Usage(w io.Writer, name string) error {
	p, err := Lookup(name)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(w)
	p.Flags(fs)
	fmt.Fprintf(w, "Usage of %s:\n", name)
	fs.PrintDefaults()
	return nil
}

// IntList is a repeatable integer flag, also accepting comma separated values.
type IntList []int

func (l *IntList) String() string { return fmt.Sprint(*l) }

func (l *IntList) Set(value string) error {
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return errors.Errorf("bad integer %q", part)
		}
		*l = append(*l, n)
	}
	return nil
}

// Has reports whether n passes the filter; an empty list passes everything.
func (l IntList) Has(n int) bool {
	if len(l) == 0 {
		return true
	}
	for _, v := range l {
		if v == n {
			return true
		}
	}
	return false
}
