package colors

// Palette holds the panel's foreground colors as #rrggbb strings.
type Palette struct {
	ActiveFg string
	ActiveBg string
	Muted    string
	On       string
	Off      string
	Warn     string
}

const minContrast = 4.5

// Readable adjusts every color that is drawn directly on the terminal
// background so it meets WCAG AA against it. ActiveFg is checked against
// ActiveBg instead.
func (p Palette) Readable(dark bool) Palette {
	bg := LightTerminalBg
	if dark {
		bg = DarkTerminalBg
	}
	return Palette{
		ActiveFg: EnsureContrast(p.ActiveFg, p.ActiveBg, minContrast),
		ActiveBg: p.ActiveBg,
		Muted:    EnsureContrast(p.Muted, bg, 3.0),
		On:       EnsureContrast(p.On, bg, minContrast),
		Off:      EnsureContrast(p.Off, bg, 3.0),
		Warn:     EnsureContrast(p.Warn, bg, minContrast),
	}
}
