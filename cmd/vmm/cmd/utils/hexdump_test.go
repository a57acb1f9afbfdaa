package utils

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHexDump(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		addr uint64
		want string
	}{
		{
			name: "empty",
			data: nil,
			want: "",
		},
		{
			name: "partial row",
			data: []byte{0xf4, 'h', 'i', 0x00},
			addr: 0x7c00,
			want: "00007c00: f4 68 69 00                                       |.hi.|\n",
		},
		{
			name: "two rows",
			data: []byte("0123456789abcdefXY"),
			addr: 0,
			want: "00000000: 30 31 32 33 34 35 36 37  38 39 61 62 63 64 65 66  |0123456789abcdef|\n" +
				"00000010: 58 59                                             |XY|\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HexDump(tt.data, tt.addr)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("HexDump mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestHexDumpRowWidth(t *testing.T) {
	out := HexDump(make([]byte, 48), 0x1000)
	lines := strings.Split(strings.TrimSuffix(out, "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d rows, want 3", len(lines))
	}
	for _, l := range lines {
		if len(l) != len(lines[0]) {
			t.Errorf("row %q has width %d, want %d", l, len(l), len(lines[0]))
		}
	}
}
