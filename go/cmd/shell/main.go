package shell

import (
	"context"
	"os"
	"os/signal"

	"github.com/lunixbochs/memscope/go/cmd"
	"github.com/lunixbochs/memscope/go/shell"
)

func Main(args []string) {
	c := cmd.NewMemscopeCmd(args[0])
	if _, err := c.Parse(args); err != nil {
		c.Exit(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	pc, err := c.Stack(ctx)
	if err != nil {
		c.Exit(err)
	}
	err = shell.Loop(shell.NewContext(ctx, pc, c.Config.Out()))
	pc.Close()
	c.Exit(err)
}

func init() { cmd.Register("shell", "interactive memory image shell", Main) }
