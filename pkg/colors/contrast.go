package colors

import (
	"math"
	"strconv"
	"strings"
)

// Luminance is the WCAG relative luminance of a #rrggbb color, from 0 (black)
// to 1 (white). Invalid colors count as black.
func Luminance(hex string) float64 {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return 0
	}
	return 0.2126*linear(r) + 0.7152*linear(g) + 0.0722*linear(b)
}

func linear(channel int64) float64 {
	v := float64(channel) / 255.0
	if v <= 0.03928 {
		return v / 12.92
	}
	return math.Pow((v+0.055)/1.055, 2.4)
}

// ContrastRatio returns the WCAG contrast between two colors, 1 to 21.
func ContrastRatio(fg, bg string) float64 {
	hi, lo := Luminance(fg), Luminance(bg)
	if hi < lo {
		hi, lo = lo, hi
	}
	return (hi + 0.05) / (lo + 0.05)
}

// EnsureContrast pushes fg away from bg until the pair reaches minRatio
// (4.5 is WCAG AA). It falls back to black or white.
func EnsureContrast(fg, bg string, minRatio float64) string {
	if ContrastRatio(fg, bg) >= minRatio {
		return fg
	}
	lighter := Luminance(fg) > Luminance(bg)
	for step := 0.1; step <= 1.0; step += 0.1 {
		candidate := darken(fg, step)
		if lighter {
			candidate = lighten(fg, step)
		}
		if ContrastRatio(candidate, bg) >= minRatio {
			return candidate
		}
	}
	if IsLight(bg) {
		return "#000000"
	}
	return "#ffffff"
}

// IsLight reports whether the color is closer to white than black.
func IsLight(hex string) bool {
	return Luminance(hex) > 0.5
}

func parseHex(hex string) (r, g, b int64, ok bool) {
	s := strings.TrimPrefix(hex, "#")
	if len(s) != 6 {
		return 0, 0, 0, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, 0, 0, false
	}
	return int64(v >> 16 & 0xff), int64(v >> 8 & 0xff), int64(v & 0xff), true
}

func lighten(hex string, amount float64) string {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return hex
	}
	up := func(c int64) int64 { return c + int64(float64(255-c)*amount) }
	return formatHex(up(r), up(g), up(b))
}

func darken(hex string, amount float64) string {
	r, g, b, ok := parseHex(hex)
	if !ok {
		return hex
	}
	down := func(c int64) int64 { return int64(float64(c) * (1 - amount)) }
	return formatHex(down(r), down(g), down(b))
}

func formatHex(r, g, b int64) string {
	clamp := func(c int64) int64 { return max(0, min(255, c)) }
	return "#" + pad2(clamp(r)) + pad2(clamp(g)) + pad2(clamp(b))
}

func pad2(v int64) string {
	s := strconv.FormatInt(v, 16)
	if len(s) == 1 {
		return "0" + s
	}
	return s
}
