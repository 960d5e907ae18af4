// Package domains answers base-domain queries from content agents.
package domains

import (
	"fmt"
	"net"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// Resolver maps a hostname to its registrable base domain.
type Resolver interface {
	BaseDomain(hostname string) (string, error)
}

// PublicSuffix resolves base domains using the public suffix list.
type PublicSuffix struct{}

// BaseDomain returns eTLD+1 for hostname. IP literals and single-label
// hosts such as "localhost" are returned unchanged.
func (PublicSuffix) BaseDomain(hostname string) (string, error) {
	host := strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
	if host == "" {
		return "", fmt.Errorf("empty hostname")
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host, nil
	}
	base, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("base domain of %q: %w", hostname, err)
	}
	return base, nil
}
