// Package links holds the external pages the panel can open.
package links

import (
	"net/url"
	"runtime"
	"strings"
)

// Default page templates. %VERSION%, %OS% and %LOCALE% are expanded by Format.
const (
	DefaultLearnMore      = "https://support.mozilla.org/1/firefox/%VERSION%/%OS%/%LOCALE%/cloudflare"
	DefaultHelpAndSupport = "https://support.mozilla.org/1/firefox/%VERSION%/%OS%/%LOCALE%/firefox-private-network"
	DefaultPrivacyPolicy  = "https://www.mozilla.org/privacy/firefox-private-network"
	DefaultTerms          = "https://www.mozilla.org/about/legal/terms/firefox-private-network"
)

// Set is the collection of link targets.
type Set struct {
	LearnMore      string `yaml:"learn_more"`
	HelpAndSupport string `yaml:"help_and_support"`
	PrivacyPolicy  string `yaml:"privacy_policy"`
	Terms          string `yaml:"terms"`
}

// Defaults returns the built-in link set.
func Defaults() Set {
	return Set{
		LearnMore:      DefaultLearnMore,
		HelpAndSupport: DefaultHelpAndSupport,
		PrivacyPolicy:  DefaultPrivacyPolicy,
		Terms:          DefaultTerms,
	}
}

// Vars are the values substituted into templated links.
type Vars struct {
	Version string `yaml:"version"`
	OS      string `yaml:"os"`
	Locale  string `yaml:"locale"`
}

// Format expands the template variables in raw. Empty vars fall back to
// "0", the runtime OS and "en-US".
func Format(raw string, v Vars) string {
	version := v.Version
	if version == "" {
		version = "0"
	}
	osName := v.OS
	if osName == "" {
		osName = platformName(runtime.GOOS)
	}
	locale := v.Locale
	if locale == "" {
		locale = "en-US"
	}
	return strings.NewReplacer(
		"%VERSION%", url.PathEscape(version),
		"%OS%", url.PathEscape(osName),
		"%LOCALE%", url.PathEscape(locale),
	).Replace(raw)
}

func platformName(goos string) string {
	switch goos {
	case "darwin":
		return "Darwin"
	case "windows":
		return "WINNT"
	default:
		return "Linux"
	}
}

// Valid reports whether raw is an absolute http(s) URL.
func Valid(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
