package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"github.com/brendandebeasi/tabproxy/pkg/bridge"
	"github.com/brendandebeasi/tabproxy/pkg/colors"
	"github.com/brendandebeasi/tabproxy/pkg/config"
	"github.com/brendandebeasi/tabproxy/pkg/i18n"
	"github.com/brendandebeasi/tabproxy/pkg/paths"
)

var (
	configPath = flag.String("config", "", "config file (default: ~/.config/tabproxy/config.yaml)")
	theme      = flag.String("theme", "auto", "terminal background: auto, dark or light")
	debug      = flag.Bool("debug", false, "Enable debug logging")
)

// The TUI owns stdout, so debug output goes to a file.
var debugLog = log.New(io.Discard, "", 0)

func main() {
	flag.Parse()

	if *debug {
		if _, err := paths.EnsureStateDir(); err == nil {
			f, err := os.OpenFile(paths.StatePath("panel-debug.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
			if err == nil {
				debugLog = log.New(f, "[panel] ", log.LstdFlags|log.Lmicroseconds)
			}
		}
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "tabproxy-panel: stdout is not a terminal")
		os.Exit(1)
	}

	path := *configPath
	if path == "" {
		path = config.DefaultConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	token, err := bridge.ReadToken(cfg.Listen.TokenFile)
	if err != nil {
		log.Fatalf("failed to read bridge token (is tabproxy-daemon running?): %v", err)
	}
	catalog, err := i18n.Load(cfg.Locale.Language, cfg.Locale.Dir)
	if err != nil {
		log.Fatalf("failed to load locale catalog: %v", err)
	}

	palette := colors.Palette{
		ActiveFg: cfg.Panel.ActiveFg,
		ActiveBg: cfg.Panel.ActiveBg,
		Muted:    cfg.Panel.MutedFg,
		On:       cfg.Panel.OnColor,
		Off:      cfg.Panel.OffColor,
		Warn:     cfg.Panel.WarnColor,
	}.Readable(colors.IsDarkBackground(colors.ThemeMode(*theme)))

	addr := panelURL(cfg.Listen.Host, cfg.Listen.Port)
	debugLog.Printf("panel connecting to %s", addr)
	connect := func() (session, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return dialPanel(ctx, addr, token)
	}

	p := tea.NewProgram(newModel(connect, catalog, newStyles(palette)), tea.WithAltScreen(), tea.WithMouseCellMotion())
	if _, err := p.Run(); err != nil {
		log.Fatalf("panel: %v", err)
	}
}
