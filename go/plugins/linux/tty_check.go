package linux

import (
	"context"
	"flag"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
)

const (
	TTY_NAME_LEN = 64
	// MAX_TTYS bounds tty_driver.num trusted from memory.
	MAX_TTYS = 1 << 16
)

func init() {
	plugins.Register("linux.tty_check.tty_check", "check tty line discipline receive handlers", func() plugins.Plugin { return &TTYCheck{} })
}

type TTYCheck struct{}

func (*TTYCheck) Name() string                       { return "linux.tty_check.tty_check" }
func (*TTYCheck) Requirements() plugins.Requirements { return requirements }
func (*TTYCheck) Flags(fs *flag.FlagSet)             {}

// TTY is an open terminal and the receive_buf handler of its line discipline.
type TTY struct {
	Name    string
	Receive uint64
}

// driverTTYs reads the open slots of a tty_driver's ttys array.
func driverTTYs(drv *objects.Object) ([]TTY, error) {
	num, err := drv.MustMember("num").Uint()
	if err != nil {
		return nil, err
	}
	if num > MAX_TTYS {
		return nil, errors.Errorf("implausible tty count %d", num)
	}
	ttys := drv.MustMember("ttys")
	var out []TTY
	for i := 0; i < int(num); i++ {
		slot, err := ttys.Index(i)
		if errors.Is(err, objects.ErrNull) {
			return nil, nil
		} else if err != nil {
			return out, err
		}
		tty, err := slot.Deref()
		if errors.Is(err, objects.ErrNull) {
			continue
		} else if err != nil {
			return out, err
		}
		name, err := tty.MustMember("name").CString(TTY_NAME_LEN)
		if err != nil {
			return out, err
		}
		ldisc, err := tty.MustMember("ldisc").Deref()
		if errors.Is(err, objects.ErrNull) {
			continue
		} else if err != nil {
			return out, err
		}
		ops, err := ldisc.MustMember("ops").Deref()
		if err != nil {
			return out, err
		}
		recv, err := ops.MustMember("receive_buf").Uint()
		if err != nil {
			return out, err
		}
		out = append(out, TTY{Name: name, Receive: recv})
	}
	return out, nil
}

// ListTTYs walks tty_drivers.
func ListTTYs(c *plugins.Context) ([]TTY, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	head, err := kctx.Symbol("tty_drivers", "list_head")
	if err != nil {
		return nil, err
	}
	drivers, err := objects.ListWalk(head, "tty_driver", "tty_drivers", objects.ListOptions{})
	if err != nil {
		if len(drivers) == 0 {
			return nil, errors.Wrap(err, "failed to walk tty drivers")
		}
		c.Log().Warn("tty driver list truncated", zap.Error(err))
	}
	var out []TTY
	for _, drv := range drivers {
		ttys, err := driverTTYs(drv)
		if err != nil {
			c.Log().Debug("tty table truncated", zap.Uint64("driver", drv.Addr), zap.Error(err))
		}
		out = append(out, ttys...)
	}
	return out, nil
}

func (*TTYCheck) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	owner, err := NewOwner(c)
	if err != nil {
		return nil, err
	}
	ttys, err := ListTTYs(c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "Name", Kind: models.COL_STR},
		models.Column{Name: "Address", Kind: models.COL_HEX},
		models.Column{Name: "Module", Kind: models.COL_STR},
		models.Column{Name: "Symbol", Kind: models.COL_STR},
	)
	for _, tty := range ttys {
		grid.MustAdd(nil, tty.Name, models.Hex(tty.Receive), owner.Lookup(tty.Receive), symbolName(c.Table, tty.Receive))
	}
	return grid, nil
}
