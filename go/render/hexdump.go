package render

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const HEXDUMP_WIDTH = 16

func printable(p []byte) string {
	o := make([]byte, len(p))
	for i, c := range p {
		if c >= 0x20 && c <= 0x7e {
			o[i] = c
		} else {
			o[i] = '.'
		}
	}
	return string(o)
}

// HexDump formats mem as lines of address, hex bytes and printable text.
func HexDump(base uint64, mem []byte) []string {
	hexLen := len(fmt.Sprintf("%x", base+uint64(len(mem))))
	hexFmt := fmt.Sprintf("0x%%0%dx:", hexLen)
	var out []string
	for i := 0; i < len(mem); i += HEXDUMP_WIDTH {
		end := i + HEXDUMP_WIDTH
		if end > len(mem) {
			end = len(mem)
		}
		line := mem[i:end]
		blocks := make([]string, HEXDUMP_WIDTH)
		for j := range blocks {
			if j < len(line) {
				blocks[j] = hex.EncodeToString(line[j : j+1])
			} else {
				blocks[j] = "  "
			}
		}
		tail := printable(line) + strings.Repeat(" ", HEXDUMP_WIDTH-len(line))
		out = append(out, fmt.Sprintf("%s %s [%s]", fmt.Sprintf(hexFmt, base+uint64(i)), strings.Join(blocks, " "), tail))
	}
	return out
}
