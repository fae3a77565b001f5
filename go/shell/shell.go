// Package shell is an interactive prompt for poking at a stacked image.
package shell

import (
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/chzyer/readline"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
)

const HISTORY_FILE = "history"

type Context struct {
	io.Writer
	*plugins.Context
	Ctx context.Context
	// Layer is the layer memory commands read from.
	Layer string
}

func NewContext(ctx context.Context, pc *plugins.Context, w io.Writer) *Context {
	c := &Context{Writer: w, Context: pc, Ctx: ctx, Layer: pc.Physical}
	if pc.Kernel != "" {
		c.Layer = pc.Kernel
	}
	return c
}

func (c *Context) Printf(format string, a ...interface{}) (n int, err error) {
	return fmt.Fprintf(c.Writer, format, a...)
}

func (c *Context) current() (models.Layer, error) {
	return c.Layers.MustGet(c.Layer)
}

func (c *Context) prompt() string {
	return fmt.Sprintf("(%s) > ", c.Layer)
}

func historyPath(log *zap.Logger) string {
	dir, err := models.CacheDir(models.APP)
	if err != nil {
		log.Warn("no shell history", zap.Error(err))
		return ""
	}
	return filepath.Join(dir, HISTORY_FILE)
}

// Loop reads commands until EOF or the context is cancelled.
func Loop(c *Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      c.prompt(),
		HistoryFile: historyPath(c.Log()),
	})
	if err != nil {
		return err
	}
	defer rl.Close()
	c.Printf("layers: %s, type help for commands\n", c.Layers.Stack(c.Layer))
	for c.Ctx.Err() == nil {
		ln := rl.Line()
		if ln.CanContinue() {
			continue
		} else if ln.CanBreak() {
			break
		}
		Run(c, ln.Line)
		rl.SetPrompt(c.prompt())
	}
	return nil
}
