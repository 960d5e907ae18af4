package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/links"
	"github.com/brendandebeasi/tabproxy/pkg/paths"
)

var (
	ErrNonLoopbackHost = errors.New("listen host must be a loopback address")
	ErrInvalidPort     = errors.New("listen port out of range")
	ErrInvalidLink     = errors.New("link is not an http(s) url")
	ErrInvalidLocale   = errors.New("invalid locale")
	ErrInvalidBridge   = errors.New("invalid bridge setting")
)

const defaultRequestTimeout = 5 * time.Second

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadOrDefault is LoadConfig, except that a missing file yields Default().
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := LoadConfig(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// SaveConfig writes the config to the specified path
func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate reports the first setting the daemon cannot run with.
// It does not modify cfg.
func Validate(cfg *Config) error {
	ip := net.ParseIP(cfg.Listen.Host)
	if cfg.Listen.Host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("%w: %q", ErrNonLoopbackHost, cfg.Listen.Host)
	}
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, cfg.Listen.Port)
	}

	if cfg.Bridge.SendBuffer < 1 {
		return fmt.Errorf("%w: send_buffer must be positive", ErrInvalidBridge)
	}
	if cfg.Bridge.RequestTimeout <= 0 {
		return fmt.Errorf("%w: request_timeout must be positive", ErrInvalidBridge)
	}
	if cfg.Bridge.EventQueue < 1 {
		return fmt.Errorf("%w: event_queue must be positive", ErrInvalidBridge)
	}

	if _, _, err := language.ParseAcceptLanguage(cfg.Locale.Language); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidLocale, cfg.Locale.Language, err)
	}

	for name, raw := range map[string]string{
		"learn_more":       cfg.Links.LearnMore,
		"help_and_support": cfg.Links.HelpAndSupport,
		"privacy_policy":   cfg.Links.PrivacyPolicy,
		"terms":            cfg.Links.Terms,
	} {
		if !links.Valid(links.Format(raw, cfg.LinkVars)) {
			return fmt.Errorf("%w: %s = %q", ErrInvalidLink, name, raw)
		}
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "127.0.0.1"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8321
	}
	if cfg.Listen.TokenFile == "" {
		cfg.Listen.TokenFile = paths.TokenPath()
	}

	if cfg.Bridge.SendBuffer == 0 {
		cfg.Bridge.SendBuffer = 32
	}
	if cfg.Bridge.RequestTimeout == 0 {
		cfg.Bridge.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Bridge.EventQueue == 0 {
		cfg.Bridge.EventQueue = 256
	}

	if cfg.Locale.Language == "" {
		cfg.Locale.Language = "en-US"
	}
	if cfg.Locale.Dir == "" {
		cfg.Locale.Dir = paths.LocalesDir()
	}

	icons := broadcast.DefaultIcons()
	if cfg.Icons.On == "" {
		cfg.Icons.On = icons.On
	}
	if cfg.Icons.Off == "" {
		cfg.Icons.Off = icons.Off
	}
	if cfg.Icons.Warning == "" {
		cfg.Icons.Warning = icons.Warning
	}

	def := links.Defaults()
	if cfg.Links.LearnMore == "" {
		cfg.Links.LearnMore = def.LearnMore
	}
	if cfg.Links.HelpAndSupport == "" {
		cfg.Links.HelpAndSupport = def.HelpAndSupport
	}
	if cfg.Links.PrivacyPolicy == "" {
		cfg.Links.PrivacyPolicy = def.PrivacyPolicy
	}
	if cfg.Links.Terms == "" {
		cfg.Links.Terms = def.Terms
	}

	if cfg.Panel.ActiveFg == "" {
		cfg.Panel.ActiveFg = "#ffffff"
	}
	if cfg.Panel.ActiveBg == "" {
		cfg.Panel.ActiveBg = "#3498db"
	}
	if cfg.Panel.MutedFg == "" {
		cfg.Panel.MutedFg = "#aaaaaa"
	}
	if cfg.Panel.OnColor == "" {
		cfg.Panel.OnColor = "#2ecc71"
	}
	if cfg.Panel.OffColor == "" {
		cfg.Panel.OffColor = "#95a5a6"
	}
	if cfg.Panel.WarnColor == "" {
		cfg.Panel.WarnColor = "#e67e22"
	}
}
