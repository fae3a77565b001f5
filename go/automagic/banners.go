package automagic

import (
	"bytes"
	"context"

	"github.com/lunixbochs/memscope/go/models"
	"github.com/lunixbochs/memscope/go/scan"
)

const (
	LINUX_BANNER_PREFIX = "Linux version "
	MAC_BANNER_PREFIX   = "Darwin Kernel Version "

	maxBanner = 0x200
)

type Banner struct {
	Offset uint64
	Text   string
}

// FindBanners scans l for kernel version banners. The text runs up to the
// first newline or NUL and keeps the newline, matching the form symbol tables
// record.
func FindBanners(ctx context.Context, l models.Layer, parallel int) ([]Banner, error) {
	s := scan.NewMultiStringScanner([]byte(LINUX_BANNER_PREFIX), []byte(MAC_BANNER_PREFIX))
	hits, err := scan.ScanLayer(ctx, l, s, scan.Options{Parallel: parallel})
	if err != nil {
		return nil, err
	}
	var out []Banner
	for _, h := range hits {
		p, err := l.Read(h.Offset, maxBanner, true)
		if err != nil {
			continue
		}
		if i := bytes.IndexAny(p, "\n\x00"); i >= 0 {
			if p[i] == '\n' {
				i++
			}
			p = p[:i]
		}
		if !printable(p) {
			continue
		}
		out = append(out, Banner{Offset: h.Offset, Text: string(p)})
	}
	return out, nil
}

func printable(p []byte) bool {
	for _, b := range p {
		if (b < 0x20 || b > 0x7e) && b != '\n' {
			return false
		}
	}
	return len(p) > 0
}
