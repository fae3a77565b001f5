package cmd

import (
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
)

type strslice []string

func (s *strslice) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *strslice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

// counter is a boolean-style flag that counts repeats, as in -v -v.
type counter int

func (c *counter) String() string   { return strconv.Itoa(int(*c)) }
func (c *counter) IsBoolFlag() bool { return true }

func (c *counter) Set(value string) error {
	if value == "true" {
		*c++
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return err
	}
	*c = counter(n)
	return nil
}

// hexflag accepts 0x-prefixed addresses.
type hexflag uint64

func (h *hexflag) String() string { return fmt.Sprintf("%#x", uint64(*h)) }

func (h *hexflag) Set(value string) error {
	n, err := strconv.ParseUint(value, 0, 64)
	if err != nil {
		return err
	}
	*h = hexflag(n)
	return nil
}

func PrintFlags(w io.Writer, flags []*flag.Flag) {
	wname := 0
	wdef := 0
	for _, f := range flags {
		if len(f.Name) > wname {
			wname = len(f.Name)
		}
		if len(f.DefValue) > wdef {
			wdef = len(f.DefValue)
		}
	}
	wdesc := 80 - wname - wdef - 7

	namefmt := fmt.Sprintf("%%-%ds", wname)
	deffmt := fmt.Sprintf("%%-%ds ", wdef+2)
	lpad := strings.Repeat(" ", wname+wdef+7)
	for _, f := range flags {
		fmt.Fprintf(w, "  -"+namefmt, f.Name)
		if f.DefValue != "" && f.DefValue != "[]" && f.DefValue != "0" && f.DefValue != "0x0" {
			fmt.Fprintf(w, " "+deffmt, "("+f.DefValue+")")
		} else {
			fmt.Fprintf(w, " "+deffmt, "  ")
		}
		for i := 0; i < len(f.Usage); {
			if i > 0 {
				fmt.Fprintf(w, "%s", lpad)
			}
			l := wdesc
			skip := false
			if i+wdesc > len(f.Usage) {
				l = len(f.Usage) - i
			} else {
				// split on newline or space if present
				s := strings.LastIndexAny(f.Usage[i:i+l], " \n")
				if s > 0 {
					l = s
					skip = true
				}
			}
			fmt.Fprintf(w, "%s\n", f.Usage[i:i+l])
			i += l
			if skip {
				i += 1
			}
		}
	}
}
