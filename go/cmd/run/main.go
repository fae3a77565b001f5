package run

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"

	"github.com/lunixbochs/memscope/go/cmd"
	"github.com/lunixbochs/memscope/go/plugins"
)

// Run stacks the image and runs one plugin. args[0] is the plugin name, the
// rest are its flags.
func Run(ctx context.Context, c *cmd.MemscopeCmd, args []string) error {
	if len(args) == 0 {
		c.Flags.Usage()
		return errors.New("no plugin given")
	}
	name, args := args[0], args[1:]
	// fail on an unknown plugin before stacking
	if _, err := plugins.Lookup(name); err != nil {
		return err
	}
	pc, err := c.Stack(ctx)
	if err != nil {
		return err
	}
	defer pc.Close()
	grid, err := plugins.Run(ctx, pc, name, args)
	if err != nil {
		return err
	}
	return c.Render(grid)
}

func Main(args []string) {
	c := cmd.NewMemscopeCmd(args[0])
	c.Args = "<plugin> [plugin options]"
	rest, err := c.Parse(args)
	if err != nil {
		c.Exit(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err = Run(ctx, c, rest)
	stop()
	c.Exit(err)
}

func init() { cmd.Register("run", "run a plugin against a memory image", Main) }
