// Package paths resolves where tabproxy keeps its config and state files.
//
//	Config:  $XDG_CONFIG_HOME/tabproxy/config.yaml  (override: TABPROXY_CONFIG_DIR)
//	Locales: <config dir>/locales/                   (optional catalog overrides)
//	State:   $XDG_STATE_HOME/tabproxy/               (override: TABPROXY_STATE_DIR)
//
// Unset XDG variables fall back to ~/.config and ~/.local/state.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const app = "tabproxy"

type dir struct {
	once     sync.Once
	path     string
	override string   // tabproxy-specific env var
	xdg      string   // XDG base env var
	home     []string // fallback under $HOME
}

func (d *dir) get() string {
	d.once.Do(func() {
		d.path = resolve(d.override, d.xdg, d.home)
	})
	return d.path
}

func resolve(override, xdg string, home []string) string {
	if v := os.Getenv(override); v != "" {
		return v
	}
	// XDG requires absolute paths; relative ones are ignored.
	if v := os.Getenv(xdg); filepath.IsAbs(v) {
		return filepath.Join(v, app)
	}
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(append(append([]string{h}, home...), app)...)
}

var (
	configDir = &dir{override: "TABPROXY_CONFIG_DIR", xdg: "XDG_CONFIG_HOME", home: []string{".config"}}
	stateDir  = &dir{override: "TABPROXY_STATE_DIR", xdg: "XDG_STATE_HOME", home: []string{".local", "state"}}
)

// ConfigDir is where config.yaml and locale overrides live.
func ConfigDir() string { return configDir.get() }

// StateDir holds the token, profile cache and logs.
func StateDir() string { return stateDir.get() }

func ConfigPath() string { return filepath.Join(ConfigDir(), "config.yaml") }

func LocalesDir() string { return filepath.Join(ConfigDir(), "locales") }

// StatePath joins filename onto the state directory.
func StatePath(filename string) string { return filepath.Join(StateDir(), filename) }

func TokenPath() string    { return StatePath("bridge-token") }
func ProfilePath() string  { return StatePath("profile.json") }
func EventLogPath() string { return StatePath("events.log") }
func CrashLogPath() string { return StatePath("crash.log") }

// EnsureConfigDir creates the config directory and returns it.
func EnsureConfigDir() (string, error) {
	return ensure(ConfigDir(), 0755)
}

// EnsureStateDir creates the state directory and returns it. The directory
// holds the bridge token, so it is private to the user.
func EnsureStateDir() (string, error) {
	return ensure(StateDir(), 0700)
}

func ensure(path string, perm os.FileMode) (string, error) {
	if err := os.MkdirAll(path, perm); err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	return path, nil
}

// ResetForTest forgets resolved directories so the next call re-reads the
// environment.
func ResetForTest() {
	for _, d := range []*dir{configDir, stateDir} {
		d.once = sync.Once{}
		d.path = ""
	}
}
