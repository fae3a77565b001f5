package scan

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lunixbochs/memscope/go/models"
)

const DEFAULT_CHUNK = 0x100000

type Options struct {
	// Start and End bound the scan, End is exclusive. Zero End means the whole layer.
	Start, End uint64
	ChunkSize  uint64
	// Parallel bounds concurrent chunk scans, 0 means GOMAXPROCS.
	Parallel int
	// Limit stops scanning once this many hits are found. Hits are still the
	// lowest addressed ones in the scanned region.
	Limit int
}

type span struct{ start, end uint64 }

// spans coalesces the layer's valid mappings into contiguous ranges of its own address space.
func spans(l models.Layer, start, end uint64) ([]span, error) {
	maps, err := l.Mapping(start, end-start, true)
	if err != nil {
		return nil, err
	}
	var out []span
	for _, m := range maps {
		if n := len(out); n > 0 && out[n-1].end == m.Offset {
			out[n-1].end += m.Size
			continue
		}
		out = append(out, span{m.Offset, m.Offset + m.Size})
	}
	return out, nil
}

type chunk struct {
	read, pos, end uint64
}

func chunks(ranges []span, size, overlap uint64) []chunk {
	var out []chunk
	for _, r := range ranges {
		for pos := r.start; pos < r.end; {
			end := pos + size
			if end > r.end || end < pos {
				end = r.end
			}
			read := r.start
			if pos-r.start > overlap {
				read = pos - overlap
			}
			out = append(out, chunk{read: read, pos: pos, end: end})
			pos = end
		}
	}
	return out
}

// ScanLayer runs s over every valid byte of l between opts.Start and opts.End.
// Each chunk is read together with the Overlap() bytes before it, and hits that
// end at or before the chunk start are dropped, so a match spanning a chunk
// boundary is reported exactly once. Hits are returned sorted by offset.
func ScanLayer(ctx context.Context, l models.Layer, s Scanner, opts Options) ([]Hit, error) {
	start, end := opts.Start, opts.End
	if start < l.MinAddr() {
		start = l.MinAddr()
	}
	if end == 0 || end > l.MaxAddr() {
		end = l.MaxAddr()
		if end < ^uint64(0) {
			end++
		}
	}
	if start >= end {
		return nil, nil
	}
	size := opts.ChunkSize
	if size == 0 {
		size = DEFAULT_CHUNK
	}
	ranges, err := spans(l, start, end)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to map %s", l.Name())
	}
	work := chunks(ranges, size, s.Overlap())

	parallel := opts.Parallel
	if parallel <= 0 {
		parallel = runtime.GOMAXPROCS(0)
	}
	results := make([][]Hit, len(work))
	var mu sync.Mutex
	found := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)
	for i, c := range work {
		if gctx.Err() != nil {
			break
		}
		if opts.Limit > 0 {
			mu.Lock()
			done := found >= opts.Limit
			mu.Unlock()
			if done {
				break
			}
		}
		i, c := i, c
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := l.Read(c.read, c.end-c.read, true)
			if err != nil {
				return errors.Wrapf(err, "failed to read %s at %#x", l.Name(), c.read)
			}
			var keep []Hit
			for _, h := range s.Scan(data, c.read) {
				if h.Offset+h.Length > c.pos {
					keep = append(keep, h)
				}
			}
			results[i] = keep
			mu.Lock()
			found += len(keep)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var hits []Hit
	for _, r := range results {
		hits = append(hits, r...)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Offset < hits[j].Offset })
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}
