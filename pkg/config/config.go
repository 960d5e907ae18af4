package config

import (
	"time"

	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/links"
	"github.com/brendandebeasi/tabproxy/pkg/paths"
)

type Config struct {
	Listen   Listen          `yaml:"listen"`
	Bridge   Bridge          `yaml:"bridge"`
	Locale   Locale          `yaml:"locale"`
	Icons    broadcast.Icons `yaml:"icons"`
	Links    links.Set       `yaml:"links"`
	LinkVars links.Vars      `yaml:"link_vars"`
	Panel    Panel           `yaml:"panel"`
	Debug    bool            `yaml:"debug"`
}

// Listen is where the daemon accepts sockets. Only loopback hosts are allowed.
type Listen struct {
	Host      string `yaml:"host"`       // default: 127.0.0.1
	Port      int    `yaml:"port"`       // default: 8321
	TokenFile string `yaml:"token_file"` // default: <state dir>/bridge-token
}

type Bridge struct {
	SendBuffer     int           `yaml:"send_buffer"`     // per-endpoint outbox (default: 32)
	RequestTimeout time.Duration `yaml:"request_timeout"` // host call timeout (default: 5s)
	EventQueue     int           `yaml:"event_queue"`     // router backlog (default: 256)
}

type Locale struct {
	Language string `yaml:"language"` // Accept-Language style list (default: en-US)
	Dir      string `yaml:"dir"`      // catalog overrides (default: <config dir>/locales)
}

// Panel colors for the terminal control panel.
type Panel struct {
	ActiveFg  string `yaml:"active_fg"`  // Selected entry text (default: #ffffff)
	ActiveBg  string `yaml:"active_bg"`  // Selected entry background (default: #3498db)
	MutedFg   string `yaml:"muted_fg"`   // Secondary text (default: #aaaaaa)
	OnColor   string `yaml:"on_color"`   // Proxy on badge (default: #2ecc71)
	OffColor  string `yaml:"off_color"`  // Proxy off badge (default: #95a5a6)
	WarnColor string `yaml:"warn_color"` // Warning badge (default: #e67e22)
}

func DefaultConfigPath() string {
	return paths.ConfigPath()
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}
