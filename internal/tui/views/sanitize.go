package views

import (
	"strings"
	"unicode"
)

// sanitizeForTerminal drops the codepoints tcell cannot lay out in a single
// cell run: emoji skin tone modifiers, zero width joiners, variation
// selectors and other control characters except newline.
func sanitizeForTerminal(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r >= 0x1F3FB && r <= 0x1F3FF, r == 0x200D,
			r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
			return -1
		case unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}
