// Package colors picks readable terminal colors for the control panel.
package colors

import (
	"os"
	"strconv"
	"strings"

	"github.com/muesli/termenv"
)

// ThemeMode selects how the terminal background is determined.
type ThemeMode string

const (
	ThemeModeAuto  ThemeMode = "auto"
	ThemeModeDark  ThemeMode = "dark"
	ThemeModeLight ThemeMode = "light"
)

// Typical terminal backgrounds, used as the contrast reference.
const (
	DarkTerminalBg  = "#1e1e1e"
	LightTerminalBg = "#ffffff"
)

// IsDarkBackground reports whether the terminal background is dark. In auto
// mode it checks COLORFGBG, then asks the terminal, then assumes dark.
func IsDarkBackground(mode ThemeMode) bool {
	switch mode {
	case ThemeModeDark:
		return true
	case ThemeModeLight:
		return false
	}
	if dark, ok := colorFGBG(os.Getenv("COLORFGBG")); ok {
		return dark
	}
	// OSC query; tmux and screen don't answer.
	out := termenv.NewOutput(os.Stdout)
	if bg := out.BackgroundColor(); bg != nil {
		if _, none := bg.(termenv.NoColor); !none {
			return out.HasDarkBackground()
		}
	}
	return true
}

// colorFGBG parses "fg;bg" (sometimes "fg;default;bg"). ANSI colors 0-7 are
// dark backgrounds.
func colorFGBG(v string) (dark, ok bool) {
	if v == "" {
		return false, false
	}
	parts := strings.Split(v, ";")
	if len(parts) < 2 {
		return false, false
	}
	bg, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return false, false
	}
	return bg < 8 || bg == 16, true
}
