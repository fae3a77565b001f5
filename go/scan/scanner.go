// Package scan searches layers for byte patterns in parallel chunks.
package scan

import (
	"bytes"
	"encoding/binary"
	"regexp"
	"strconv"
)

type Hit struct {
	Offset uint64
	Length uint64
	// Name identifies which pattern matched.
	Name string
}

// Scanner finds matches in a chunk of data. base is the layer address of
// data[0]. Matches must lie entirely within data, and no match may be longer
// than Overlap()+1 bytes.
type Scanner interface {
	Overlap() uint64
	Scan(data []byte, base uint64) []Hit
}

// MultiStringScanner finds every occurrence of any of several needles.
type MultiStringScanner struct {
	needles [][]byte
	max     uint64
}

func NewMultiStringScanner(needles ...[]byte) *MultiStringScanner {
	s := &MultiStringScanner{}
	for _, n := range needles {
		if len(n) == 0 {
			continue
		}
		s.needles = append(s.needles, n)
		if uint64(len(n)) > s.max {
			s.max = uint64(len(n))
		}
	}
	return s
}

func (s *MultiStringScanner) Overlap() uint64 {
	if s.max == 0 {
		return 0
	}
	return s.max - 1
}

func (s *MultiStringScanner) Scan(data []byte, base uint64) []Hit {
	var hits []Hit
	for _, needle := range s.needles {
		pos := 0
		for {
			i := bytes.Index(data[pos:], needle)
			if i < 0 {
				break
			}
			hits = append(hits, Hit{Offset: base + uint64(pos+i), Length: uint64(len(needle)), Name: string(needle)})
			pos += i + 1
		}
	}
	return hits
}

// RegexScanner reports non-overlapping matches of a pattern. MaxLen caps the
// length of a match and sets the chunk overlap.
type RegexScanner struct {
	re     *regexp.Regexp
	maxLen uint64
}

func NewRegexScanner(pattern string, maxLen uint64) (*RegexScanner, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	if maxLen == 0 {
		maxLen = 1
	}
	return &RegexScanner{re: re, maxLen: maxLen}, nil
}

func (s *RegexScanner) Overlap() uint64 { return s.maxLen - 1 }

func (s *RegexScanner) Scan(data []byte, base uint64) []Hit {
	var hits []Hit
	for _, m := range s.re.FindAllIndex(data, -1) {
		length := uint64(m[1] - m[0])
		if length > s.maxLen {
			length = s.maxLen
		}
		hits = append(hits, Hit{Offset: base + uint64(m[0]), Length: length, Name: string(data[m[0] : m[0]+int(length)])})
	}
	return hits
}

// SelfRefScanner finds x86-64 top level page tables: page aligned pages holding
// a present supervisor entry in the kernel half that points back at the page itself,
// the layout Windows uses to map its own page tables.
type SelfRefScanner struct{}

func (SelfRefScanner) Overlap() uint64 { return 0 }

func (SelfRefScanner) Scan(data []byte, base uint64) []Hit {
	const (
		page = 0x1000
		mask = 0x000ffffffffff000
	)
	var hits []Hit
	start := uint64(0)
	if rem := base % page; rem != 0 {
		start = page - rem
	}
	for off := start; off+page <= uint64(len(data)); off += page {
		paddr := base + off
		tbl := data[off : off+page]
		for idx := 256; idx < 512; idx++ {
			entry := binary.LittleEndian.Uint64(tbl[idx*8:])
			// present, writable, supervisor
			if entry&0x7 != 0x3 || entry&mask != paddr {
				continue
			}
			hits = append(hits, Hit{Offset: paddr, Length: page, Name: strconv.Itoa(idx)})
			break
		}
	}
	return hits
}
