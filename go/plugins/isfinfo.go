package plugins

import (
	"context"
	"flag"
	"strings"

	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/symbols"
)

func init() {
	Register("isfinfo.IsfInfo", "list the symbol files found in the symbol directories", func() Plugin { return &IsfInfo{} })
}

type IsfInfo struct {
	filter   string
	validate bool
}

func (*IsfInfo) Name() string               { return "isfinfo.IsfInfo" }
func (*IsfInfo) Requirements() Requirements { return Requirements{} }

func (p *IsfInfo) Flags(fs *flag.FlagSet) {
	fs.StringVar(&p.filter, "filter", "", "only list files whose path contains this string")
	fs.BoolVar(&p.validate, "validate", false, "parse each file and count its contents")
}

func (p *IsfInfo) Run(ctx context.Context, c *Context) (*models.TreeGrid, error) {
	grid := models.NewTreeGrid(
		models.Column{Name: "Path", Kind: models.COL_STR},
		models.Column{Name: "OS", Kind: models.COL_STR},
		models.Column{Name: "Identifier", Kind: models.COL_STR},
		models.Column{Name: "Valid", Kind: models.COL_BOOL},
		models.Column{Name: "Base Types", Kind: models.COL_INT},
		models.Column{Name: "Types", Kind: models.COL_INT},
		models.Column{Name: "Enums", Kind: models.COL_INT},
		models.Column{Name: "Symbols", Kind: models.COL_INT},
	)
	entries, err := c.Finder.Entries()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if p.filter != "" && !strings.Contains(e.Path, p.filter) {
			continue
		}
		ident := strings.TrimRight(e.Banner, "\n")
		if e.GUID != "" {
			ident = symbols.PDBKey(e.GUID, e.Age)
		}
		row := []interface{}{e.Path, e.OS, ident, true,
			models.NotAvailable{}, models.NotAvailable{}, models.NotAvailable{}, models.NotAvailable{}}
		if p.validate {
			isf, err := symbols.Load(e.Path)
			if err != nil {
				c.Log().Info("invalid symbol file", zap.String("path", e.Path), zap.Error(err))
				row[3] = false
			} else {
				row[4], row[5], row[6], row[7] = len(isf.BaseTypes), len(isf.UserTypes), len(isf.Enums), len(isf.Symbols)
			}
		}
		grid.MustAdd(nil, row...)
	}
	return grid, nil
}
