package cmd

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/lunixbochs/fvbommel-util/sortorder"
)

type command struct {
	name, desc string
	main       func(args []string)
}

var commands = make(map[string]*command)

// Register adds a subcommand. main receives argv with "<prog> <name>" joined
// into argv[0], so flag errors name the subcommand.
func Register(name, desc string, main func(args []string)) {
	if _, ok := commands[name]; ok {
		panic(fmt.Sprintf("command %s registered twice", name))
	}
	commands[name] = &command{name, desc, main}
}

func commandList() []*command {
	out := make([]*command, 0, len(commands))
	for _, c := range commands {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return sortorder.NaturalLess(out[i].name, out[j].name) })
	return out
}

func usage(w io.Writer, prog string) {
	list := commandList()
	pad := 0
	for _, c := range list {
		if len(c.name) > pad {
			pad = len(c.name)
		}
	}
	fmt.Fprintln(w, "Commands:")
	for _, c := range list {
		fmt.Fprintf(w, "  %-*s | %s\n", pad, c.name, c.desc)
	}
	fmt.Fprintf(w, "\nExample: %s run -f memory.lime linux.pslist.PsList -pid 1\n\n", prog)
}

// Lookup resolves argv[1] to a subcommand and rewrites argv for it.
func Lookup(argv []string, stderr io.Writer) (func([]string), []string, bool) {
	if len(argv) < 2 {
		usage(stderr, argv[0])
		return nil, nil, false
	}
	c, ok := commands[argv[1]]
	if !ok {
		fmt.Fprintf(stderr, "Command '%s' not found.\n\n", argv[1])
		usage(stderr, argv[0])
		return nil, nil, false
	}
	args := append([]string{strings.Join(argv[:2], " ")}, argv[2:]...)
	return c.main, args, true
}

func Main() {
	main, args, ok := Lookup(os.Args, os.Stderr)
	if !ok {
		os.Exit(1)
	}
	main(args)
}
