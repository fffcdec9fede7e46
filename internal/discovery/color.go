package discovery

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultColor is used when a collection reports no color or an
// unparseable one (opaque Material blue).
const DefaultColor int32 = -14575885 // 0xFF2196F3

// ParseColor converts a DAV color string to ARGB. Accepted forms are
// "RRGGBB" (opaque) and "RRGGBBAA", with an optional leading '#'. The
// alpha byte of the 8-digit form is moved to the front. Anything else
// yields DefaultColor.
func ParseColor(s *string) int32 {
	if s == nil {
		return DefaultColor
	}
	hex := strings.TrimPrefix(strings.TrimSpace(*s), "#")
	if len(hex) != 6 && len(hex) != 8 {
		return DefaultColor
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return DefaultColor
	}

	var argb uint32
	if len(hex) == 6 {
		argb = 0xFF000000 | uint32(v)
	} else {
		rgba := uint32(v)
		argb = rgba<<24 | rgba>>8
	}
	return int32(argb)
}

// FormatColor renders an ARGB color in the "#RRGGBBAA" form servers expect.
func FormatColor(argb int32) string {
	u := uint32(argb)
	return fmt.Sprintf("#%06X%02X", u&0x00FFFFFF, u>>24)
}
