package ui

import "github.com/gdamore/tcell/v2"

// Theme holds the viewer's colors.
type Theme struct {
	BgColor          tcell.Color
	FgColor          tcell.Color
	BorderColor      tcell.Color
	BorderFocusColor tcell.Color
	TitleColor       tcell.Color
	LabelColor       tcell.Color
	CursorFg         tcell.Color
	CursorBg         tcell.Color
	StatusBg         tcell.Color
}

// DefaultTheme returns a dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:          tcell.ColorBlack,
		FgColor:          tcell.ColorCadetBlue,
		BorderColor:      tcell.ColorDodgerBlue,
		BorderFocusColor: tcell.ColorLightSkyBlue,
		TitleColor:       tcell.ColorFuchsia,
		LabelColor:       tcell.ColorDodgerBlue,
		CursorFg:         tcell.ColorBlack,
		CursorBg:         tcell.ColorAqua,
		StatusBg:         tcell.ColorNavy,
	}
}

