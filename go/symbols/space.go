package symbols

import (
	"strings"

	"github.com/pkg/errors"
)

const SEP = "!"

// Space holds every loaded table. Names may be qualified as "table!name";
// unqualified names are looked up in load order.
type Space struct {
	tables map[string]*Table
	order  []string
}

func NewSpace() *Space {
	return &Space{tables: make(map[string]*Table)}
}

func (s *Space) Add(t *Table) error {
	if strings.Contains(t.Name, SEP) {
		return errors.Errorf("table name %q contains %q", t.Name, SEP)
	}
	if _, ok := s.tables[t.Name]; ok {
		return errors.Errorf("table %s already loaded", t.Name)
	}
	s.tables[t.Name] = t
	s.order = append(s.order, t.Name)
	return nil
}

func (s *Space) Get(name string) (*Table, bool) {
	t, ok := s.tables[name]
	return t, ok
}

func (s *Space) Names() []string {
	return append([]string(nil), s.order...)
}

// Split separates a qualified name into its table and local parts.
func Split(name string) (string, string) {
	if i := strings.Index(name, SEP); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

func (s *Space) resolve(name string, has func(*Table, string) bool) (*Table, string, error) {
	table, local := Split(name)
	if table != "" {
		t, ok := s.tables[table]
		if !ok {
			return nil, "", errors.Errorf("no symbol table named %s", table)
		}
		if !has(t, local) {
			return nil, "", errors.Errorf("%s not found", name)
		}
		return t, local, nil
	}
	for _, n := range s.order {
		if t := s.tables[n]; has(t, local) {
			return t, local, nil
		}
	}
	return nil, "", errors.Errorf("%s not found in any symbol table", name)
}

func (s *Space) Symbol(name string) (Symbol, *Table, error) {
	t, local, err := s.resolve(name, (*Table).HasSymbol)
	if err != nil {
		return Symbol{}, nil, err
	}
	sym, err := t.Symbol(local)
	return sym, t, err
}

func (s *Space) Type(name string) (*UserType, *Table, error) {
	t, local, err := s.resolve(name, (*Table).HasType)
	if err != nil {
		return nil, nil, err
	}
	ut, err := t.Type(local)
	return ut, t, err
}

// SymbolsAt collects symbols at addr from every table, qualified with the table name.
func (s *Space) SymbolsAt(addr uint64) []string {
	var out []string
	for _, n := range s.order {
		for _, sym := range s.tables[n].SymbolsAt(addr) {
			out = append(out, n+SEP+sym.Name)
		}
	}
	return out
}
