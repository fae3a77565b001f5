package plugins

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
)

// Context is what a plugin sees: the stacked image plus run configuration.
type Context struct {
	*automagic.Stack
	Config *models.Config
}

func NewContext(s *automagic.Stack, cfg *models.Config) *Context {
	if cfg == nil {
		cfg = &models.Config{}
	}
	return &Context{Stack: s, Config: cfg}
}

func (c *Context) Log() *zap.Logger { return c.Config.Log() }

// Objects returns an object context over the kernel layer and table.
func (c *Context) Objects() (*objects.Context, error) {
	l, err := c.KernelLayer()
	if err != nil {
		return nil, err
	}
	if c.Table == nil {
		return nil, automagic.ErrNoKernel
	}
	return objects.NewContext(l, c.Table), nil
}

// CreateFile creates name in the output directory, replacing path separators
// so a plugin cannot write outside it.
func (c *Context) CreateFile(name string) (*os.File, error) {
	dir := c.Config.OutputDir
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create output directory")
	}
	name = strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create output file")
	}
	c.Log().Info("writing file", zap.String("path", f.Name()))
	return f, nil
}
