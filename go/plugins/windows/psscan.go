package windows

import (
	"context"
	"flag"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/objects"
	"github.com/lunixbochs/memscope/go/plugins"
	"github.com/lunixbochs/memscope/go/scan"
)

// PROCESS_TAGS are the pool tags of process allocations, with and without
// the protected bit older kernels set.
var PROCESS_TAGS = [][]byte{[]byte("Proc"), []byte("Pro\xe3")}

// OPTIONAL_HEADERS are the x64 sizes of the headers an _OBJECT_HEADER InfoMask
// bit places in front of it, lowest bit first: creator, name, handle, quota,
// process. 32-bit kernels use half of each.
var OPTIONAL_HEADERS = []uint64{0x20, 0x20, 0x10, 0x20, 0x10}

func init() {
	plugins.Register("windows.psscan.PsScan", "scan physical memory for process pool allocations", func() plugins.Plugin { return &PsScan{} })
}

type PsScan struct {
	pids plugins.IntList
}

func (*PsScan) Name() string                       { return "windows.psscan.PsScan" }
func (*PsScan) Requirements() plugins.Requirements { return requirements }

func (p *PsScan) Flags(fs *flag.FlagSet) {
	fs.Var(&p.pids, "pid", "process ID to include (repeatable)")
}

// optionalSize is the size of the headers mask says precede the object header.
func optionalSize(mask uint64, ptrSize int) uint64 {
	var size uint64
	for i, n := range OPTIONAL_HEADERS {
		if mask&(1<<uint(i)) != 0 {
			if ptrSize == 4 {
				n /= 2
			}
			size += n
		}
	}
	return size
}

// objectHeaders returns the _OBJECT_HEADER positions behind a pool header
// whose InfoMask agrees with the optional headers in front of them. Zeroed
// optional headers can agree too, so callers validate the body.
func objectHeaders(pctx *objects.Context, pool uint64) []*objects.Object {
	ph, err := pctx.Object("_POOL_HEADER", pool)
	if err != nil {
		return nil
	}
	start := pool + ph.Size()
	ptrSize := pctx.Table.PointerSize()
	tried := make(map[uint64]bool)
	var out []*objects.Object
	for mask := uint64(0); mask < 1<<uint(len(OPTIONAL_HEADERS)); mask++ {
		size := optionalSize(mask, ptrSize)
		if tried[size] {
			continue
		}
		tried[size] = true
		hdr, err := pctx.Object("_OBJECT_HEADER", start+size)
		if err != nil {
			return nil
		}
		got, err := hdr.MustMember("InfoMask").Uint()
		if err != nil {
			continue
		}
		if got < 1<<uint(len(OPTIONAL_HEADERS)) && optionalSize(got, ptrSize) == size {
			out = append(out, hdr)
		}
	}
	return out
}

func printable(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r > unicode.MaxASCII || !unicode.IsPrint(r) }) < 0
}

// scanProcesses returns the processes in physical memory, including exited and
// unlinked ones. Obj addresses are physical.
func scanProcesses(ctx context.Context, c *plugins.Context) ([]*Process, error) {
	kctx, err := c.Objects()
	if err != nil {
		return nil, err
	}
	phys := c.PhysicalLayer()
	pctx := kctx.WithLayer(phys)
	tagOff := pctx.Offset("_POOL_HEADER", "PoolTag")
	bodyOff := pctx.Offset("_OBJECT_HEADER", "Body")

	hits, err := scan.ScanLayer(ctx, phys, scan.NewMultiStringScanner(PROCESS_TAGS...), scan.Options{Parallel: c.Config.Parallel})
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool)
	var out []*Process
	for _, hit := range hits {
		if hit.Offset < tagOff {
			continue
		}
		for _, hdr := range objectHeaders(pctx, hit.Offset-tagOff) {
			eproc, err := pctx.Object("_EPROCESS", hdr.Addr+bodyOff)
			if err != nil {
				return nil, err
			}
			if seen[eproc.Addr] {
				break
			}
			p, err := readProcess(kctx, eproc)
			if err != nil || p.DTB == 0 || !printable(p.Name) {
				c.Log().Debug("rejecting process candidate", zap.Uint64("offset", eproc.Addr), zap.Error(err))
				continue
			}
			seen[eproc.Addr] = true
			out = append(out, p)
			break
		}
	}
	return out, nil
}

func (p *PsScan) Run(ctx context.Context, c *plugins.Context) (*models.TreeGrid, error) {
	procs, err := scanProcesses(ctx, c)
	if err != nil {
		return nil, err
	}
	grid := models.NewTreeGrid(
		models.Column{Name: "PID", Kind: models.COL_INT},
		models.Column{Name: "PPID", Kind: models.COL_INT},
		models.Column{Name: "ImageFileName", Kind: models.COL_STR},
		models.Column{Name: "Offset(P)", Kind: models.COL_HEX},
		models.Column{Name: "Threads", Kind: models.COL_INT},
		models.Column{Name: "Handles", Kind: models.COL_INT},
		models.Column{Name: "CreateTime", Kind: models.COL_TIME},
		models.Column{Name: "ExitTime", Kind: models.COL_TIME},
	)
	for _, proc := range procs {
		if !p.pids.Has(proc.PID) {
			continue
		}
		grid.MustAdd(nil, proc.PID, proc.PPID, proc.Name, models.Hex(proc.Obj.Addr), proc.Threads, proc.Handles, proc.Create, proc.Exit)
	}
	return grid, nil
}
