// Package colors provides the listing and dump palette with TTY-aware defaults.
//
// Colors are disabled automatically when stdout is not a terminal; Init lets the
// --color/--no-color flags override that.
package colors

import "github.com/fatih/color"

// Init overrides the auto-detected color setting when forceColor is non-nil
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color        { return color.New(color.Bold) }
func HiYellow() *color.Color    { return color.New(color.FgHiYellow) }
func Green() *color.Color       { return color.New(color.FgGreen) }
func Red() *color.Color         { return color.New(color.FgRed) }
func BoldHiBlue() *color.Color  { return color.New(color.Bold, color.FgHiBlue) }
func BoldHiCyan() *color.Color  { return color.New(color.Bold, color.FgHiCyan) }
func BoldMagenta() *color.Color { return color.New(color.Bold, color.FgMagenta) }
func FaintWhite() *color.Color  { return color.New(color.Faint, color.FgWhite) }
func FaintHiBlue() *color.Color { return color.New(color.Faint, color.FgHiBlue) }
func FaintHiWhite() *color.Color {
	return color.New(color.Faint, color.FgHiWhite)
}
func ItalicFaint() *color.Color { return color.New(color.Italic, color.Faint) }
func ItalicBoldHiYellow() *color.Color {
	return color.New(color.Italic, color.Bold, color.FgHiYellow)
}
