package plugins

import (
	"fmt"
	"io"

	"github.com/lunixbochs/memscope/go/cmd"
	"github.com/lunixbochs/memscope/go/plugins"
)

// List writes the registered plugins, with their flags when verbose.
func List(w io.Writer, verbose bool) error {
	infos := plugins.List()
	pad := 0
	for _, info := range infos {
		if len(info.Name) > pad {
			pad = len(info.Name)
		}
	}
	for _, info := range infos {
		fmt.Fprintf(w, "%-*s | %s\n", pad, info.Name, info.Desc)
		if verbose {
			if err := plugins.Usage(w, info.Name); err != nil {
				return err
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func Main(args []string) {
	c := cmd.NewMemscopeCmd(args[0])
	c.NoImage = true
	if _, err := c.Parse(args); err != nil {
		c.Exit(err)
	}
	c.Exit(List(c.Config.Out(), c.Config.Verbose > 0))
}

func init() { cmd.Register("plugins", "list available plugins", Main) }
