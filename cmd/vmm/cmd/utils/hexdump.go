// Package utils holds output helpers for the vmm commands.
package utils

import (
	"fmt"
	"strings"
)

// HexDump renders data as 16 byte rows labelled with guest addresses
// starting at addr, followed by the printable ASCII of each row.
func HexDump(data []byte, addr uint64) string {
	var sb strings.Builder
	for off := 0; off < len(data); off += 16 {
		row := data[off:min(off+16, len(data))]

		fmt.Fprintf(&sb, "%08x: ", addr+uint64(off))
		for i := 0; i < 16; i++ {
			if i < len(row) {
				fmt.Fprintf(&sb, "%02x ", row[i])
			} else {
				sb.WriteString("   ")
			}
			if i == 7 {
				sb.WriteByte(' ')
			}
		}

		sb.WriteString(" |")
		for _, b := range row {
			if b >= 0x20 && b < 0x7f {
				sb.WriteByte(b)
			} else {
				sb.WriteByte('.')
			}
		}
		sb.WriteString("|\n")
	}
	return sb.String()
}
