// Package colors provides centralized color output with TTY-aware defaults.
//
// Colors are automatically disabled when stdout is not a terminal (piped or
// redirected to a file). Use Init() to override based on CLI flags.
package colors

import "github.com/fatih/color"

// Init allows overriding the auto-detected color setting:
//   - forceColor == nil: keep auto-detected value
//   - forceColor == true: force colors on (--color)
//   - forceColor == false: force colors off
func Init(forceColor *bool) {
	if forceColor != nil {
		color.NoColor = !*forceColor
	}
}

// Enabled returns true if colors are currently enabled.
func Enabled() bool {
	return !color.NoColor
}

func Bold() *color.Color         { return color.New(color.Bold) }
func BoldHiBlue() *color.Color   { return color.New(color.Bold, color.FgHiBlue) }
func BoldHiYellow() *color.Color { return color.New(color.Bold, color.FgHiYellow) }
func HiMagenta() *color.Color    { return color.New(color.FgHiMagenta) }
func FaintHiWhite() *color.Color { return color.New(color.Faint, color.FgHiWhite) }

// Report section and frame header styles
var (
	Section  = BoldHiBlue().SprintFunc()
	Index    = BoldHiYellow().SprintFunc()
	Image    = HiMagenta().SprintFunc()
	Symbol   = Bold().SprintFunc()
	Degraded = FaintHiWhite().SprintFunc()
)
