// Package cmd holds the shared front end of the memscope subcommands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lunixbochs/memscope/go/automagic"
	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/render"
)

type MemscopeCmd struct {
	Config *models.Config

	// SetupFlags adds subcommand flags before parsing.
	SetupFlags func() error
	// Args describes positional arguments in the usage line.
	Args string
	// NoImage skips the image location requirement.
	NoImage bool

	Flags  *flag.FlagSet
	Stderr io.Writer
}

func NewMemscopeCmd(name string) *MemscopeCmd {
	return &MemscopeCmd{
		Flags:  flag.NewFlagSet(name, flag.ContinueOnError),
		Stderr: os.Stderr,
	}
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// origin returns the stack of the innermost error that recorded one.
func origin(err error) errors.StackTrace {
	var st errors.StackTrace
	for err != nil {
		if t, ok := err.(stackTracer); ok {
			st = t.StackTrace()
		}
		err = errors.Unwrap(err)
	}
	return st
}

// PrintError reports err, followed by where it was raised when running with -v.
func (c *MemscopeCmd) PrintError(err error) {
	w := c.Stderr
	fmt.Fprintf(w, "%s\nError: %s\n", strings.Repeat("-", 40), err)
	if c.Config == nil || c.Config.Verbose == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 1, ' ', 0)
	for _, f := range origin(err) {
		fn := strings.SplitN(fmt.Sprintf("%+s", f), "\n", 2)[0]
		fmt.Fprintf(tw, "  %s:%d\t%s()\n", f, f, fn[strings.LastIndex(fn, "/")+1:])
		if fn == "main.main" {
			break
		}
	}
	tw.Flush()
}

// NewLogger builds the console logger: warnings by default, -v for info, -v -v
// for debug, -q for errors only.
func NewLogger(verbose int, quiet, color bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Encoding = "console"
	config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	if color {
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	config.DisableStacktrace = true
	config.Sampling = nil
	level := zapcore.WarnLevel
	switch {
	case quiet:
		level = zapcore.ErrorLevel
	case verbose == 1:
		level = zapcore.InfoLevel
	case verbose > 1:
		level = zapcore.DebugLevel
	}
	config.Level = zap.NewAtomicLevelAt(level)
	logger, err := config.Build()
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize logger")
	}
	return logger, nil
}

// resolveColor prefers an explicit -color, then the config file, then whether
// stdout is a terminal.
func resolveColor(flagValue, flagSet bool, file *models.FileConfig, terminal bool) bool {
	switch {
	case flagSet:
		return flagValue
	case file != nil && file.Color != nil:
		return *file.Color
	}
	return terminal
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Parse reads the shared flags and the config file into c.Config, returning
// the remaining positional arguments.
func (c *MemscopeCmd) Parse(argv []string) ([]string, error) {
	fs := c.Flags
	var location string
	fs.StringVar(&location, "f", "", "memory image path or file:// URL")
	fs.StringVar(&location, "single-location", "", "memory image path or file:// URL")
	var symbolDirs strslice
	fs.Var(&symbolDirs, "s", "add a symbol directory (repeatable)")
	outputDir := fs.String("o", "", "directory for files written by plugins (default .)")
	renderer := fs.String("r", "", "output renderer: "+strings.Join(render.Names(), ", ")+" (default "+render.DEFAULT+")")
	quiet := fs.Bool("q", false, "only log errors")
	var verbose counter
	fs.Var(&verbose, "v", "verbose logging, repeat for debug output")
	color := fs.Bool("color", false, "colored output, -color=false disables it (default when stdout is a terminal)")
	parallel := fs.Int("parallel", 0, "scan workers (default GOMAXPROCS)")
	var dtb, shift hexflag
	fs.Var(&dtb, "dtb", "force the kernel page table base")
	fs.Var(&shift, "shift", "force the kernel virtual shift")
	arch := fs.String("arch", "", "force the paging mode: intel, pae, intel32e, la57")
	configPath := fs.String("config", "", "yaml config file (default <user config dir>/"+models.APP+"/"+models.CONFIG_FILE+")")

	fs.SetOutput(c.Stderr)
	fs.Usage = func() {
		fmt.Fprintf(c.Stderr, "Usage: %s [options] %s\n\nOptions:\n", fs.Name(), c.Args)
		var flags []*flag.Flag
		fs.VisitAll(func(f *flag.Flag) { flags = append(flags, f) })
		PrintFlags(c.Stderr, flags)
	}
	if c.SetupFlags != nil {
		if err := c.SetupFlags(); err != nil {
			return nil, err
		}
	}
	if err := fs.Parse(argv[1:]); err != nil {
		return nil, err
	}

	config := &models.Config{
		Location:   location,
		SymbolDirs: symbolDirs,
		OutputDir:  *outputDir,
		Renderer:   *renderer,
		Quiet:      *quiet,
		Verbose:    int(verbose),
		Parallel:   *parallel,
		ForceDTB:   uint64(dtb),
		ForceShift: uint64(shift),
		ForceArch:  *arch,
		Output:     os.Stdout,
	}
	c.Config = config
	file, err := models.LoadFileConfig(*configPath)
	if err != nil {
		return nil, err
	}
	config.Merge(file)
	colorSet := false
	fs.Visit(func(f *flag.Flag) { colorSet = colorSet || f.Name == "color" })
	config.Color = resolveColor(*color, colorSet, file, isTerminal(os.Stdout))
	if _, err := render.Lookup(config.Renderer, render.Options{}); err != nil {
		return nil, err
	}
	if config.Location == "" && !c.NoImage {
		return nil, errors.New("no memory image given, use -f")
	}
	logger, err := NewLogger(config.Verbose, config.Quiet, isTerminal(os.Stderr))
	if err != nil {
		return nil, err
	}
	config.Logger = logger
	return fs.Args(), nil
}

// Stack builds the layer stack for the configured image.
func (c *MemscopeCmd) Stack(ctx context.Context) (*plugins.Context, error) {
	s, err := automagic.Build(ctx, c.Config)
	if err != nil {
		return nil, err
	}
	return plugins.NewContext(s, c.Config), nil
}

// Render writes a grid with the configured renderer.
func (c *MemscopeCmd) Render(grid *models.TreeGrid) error {
	r, err := render.Lookup(c.Config.Renderer, render.Options{Color: c.Config.Color})
	if err != nil {
		return err
	}
	return r.Render(c.Config.Out(), grid)
}

// Exit flushes the logger and exits with status 1 if err is set.
func (c *MemscopeCmd) Exit(err error) {
	if c.Config != nil {
		c.Config.Log().Sync()
	}
	if err != nil {
		if err != flag.ErrHelp {
			c.PrintError(err)
		}
		os.Exit(1)
	}
	os.Exit(0)
}
