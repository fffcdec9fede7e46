package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func strp(s string) *string { return &s }

func TestParseColor(t *testing.T) {
	tests := []struct {
		name string
		in   *string
		want uint32
	}{
		{"six digits opaque", strp("2196F3"), 0xFF2196F3},
		{"hash prefix", strp("#2196F3"), 0xFF2196F3},
		{"eight digits alpha last", strp("2196F3FF"), 0xFF2196F3},
		{"translucent", strp("#2196F380"), 0x802196F3},
		{"alpha moved to front", strp("FF2196F3"), 0xF3FF2196},
		{"lower case", strp("#ff5722cc"), 0xCCFF5722},
		{"nil", nil, 0xFF2196F3},
		{"empty", strp(""), 0xFF2196F3},
		{"wrong length", strp("#FFF"), 0xFF2196F3},
		{"not hex", strp("#GG0000"), 0xFF2196F3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, uint32(ParseColor(tt.in)))
		})
	}
}

func TestDefaultColorIsOpaqueBlue(t *testing.T) {
	c := DefaultColor
	assert.Equal(t, uint32(0xFF2196F3), uint32(c))
}

func TestFormatColorRoundTrips(t *testing.T) {
	for _, s := range []string{"#2196F3FF", "#FF572280", "#00000000"} {
		assert.Equal(t, s, FormatColor(ParseColor(strp(s))))
	}
}
