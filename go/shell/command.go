package shell

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/lunixbochs/argjoy"
	"github.com/mattn/go-shellwords"
	"github.com/pkg/errors"
)

type Command struct {
	Name  string
	Desc  string
	Usage string
	// Optional is how many trailing arguments may be left out.
	Optional int
	Run      interface{}
}

var Commands = make(map[string]*Command)

var contextType = reflect.TypeOf(&Context{})

func cmd(c *Command) *Command {
	fn := reflect.ValueOf(c.Run)
	if !fn.IsValid() || fn.Kind() != reflect.Func {
		panic(fmt.Sprintf("Command.Run must be a func: got (%T) %#v\n", c.Run, c.Run))
	}
	if fn.Type().NumIn() == 0 || fn.Type().In(0) != contextType {
		panic(fmt.Sprintf("%s: first argument must be *Context", c.Name))
	}
	Commands[c.Name] = c
	return c
}

func commandNames() []string {
	names := make([]string, 0, len(Commands))
	for name := range Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var aj argjoy.Argjoy

func init() {
	aj.Register(strArgCodec)
}

// strArgCodec converts shell words to numbers; numbers may be any Go literal
// base. Words that are not numbers are passed through to string arguments.
func strArgCodec(arg interface{}, vals []interface{}) error {
	s, ok := vals[0].(string)
	if !ok {
		return argjoy.NoMatch
	}
	switch v := arg.(type) {
	case *string:
		*v = s
	case *uint64:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return errors.Errorf("bad number %q", s)
		}
		*v = n
	case *int:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return errors.Errorf("bad number %q", s)
		}
		*v = int(n)
	default:
		return argjoy.NoMatch
	}
	return nil
}

func (c *Command) call(ctx *Context, args []string) error {
	fn := reflect.ValueOf(c.Run)
	typ := fn.Type()
	in := make([]reflect.Type, 0, typ.NumIn()-1)
	for i := 1; i < typ.NumIn(); i++ {
		in = append(in, typ.In(i))
	}
	var rest []string
	if typ.IsVariadic() {
		in = in[:len(in)-1]
		if len(args) > len(in) {
			rest = args[len(in):]
			args = args[:len(in)]
		}
	}
	if len(args) < len(in)-c.Optional || len(args) > len(in) {
		return errors.Errorf("usage: %s %s", c.Name, c.Usage)
	}
	converted, err := aj.Convert(in[:len(args)], false, args)
	if err != nil {
		return err
	}
	values := append([]reflect.Value{reflect.ValueOf(ctx)}, converted...)
	for _, t := range in[len(args):] {
		values = append(values, reflect.Zero(t))
	}
	var out []reflect.Value
	if typ.IsVariadic() {
		values = append(values, reflect.ValueOf(rest))
		out = fn.CallSlice(values)
	} else {
		out = fn.Call(values)
	}
	if len(out) > 0 {
		if err, ok := out[0].Interface().(error); ok && err != nil {
			return err
		}
	}
	return nil
}

// Run parses and executes one command line, printing any error.
func Run(c *Context, line string) error {
	args, err := shellwords.Parse(line)
	if err != nil {
		c.Printf("parse error: %v\n", err)
		return err
	}
	if len(args) == 0 {
		return nil
	}
	name, args := args[0], args[1:]
	command, ok := Commands[name]
	if !ok {
		c.Printf("command not found.\n")
		return errors.Errorf("%s: command not found", name)
	}
	if err := command.call(c, args); err != nil {
		c.Printf("error: %v\n", err)
		return err
	}
	return nil
}
