// Package proxystate defines the proxy connection states reported by the
// proxy controller and how each one is surfaced to the user.
package proxystate

import (
	"encoding/json"
	"fmt"
)

// State is the controller-owned status of the proxy connection.
type State string

const (
	Inactive        State = "inactive"
	Active          State = "active"
	Connecting      State = "connecting"
	Offline         State = "offline"
	OtherInUse      State = "otherInUse"
	ProxyError      State = "proxyError"
	ProxyAuthFailed State = "proxyAuthFailed"
)

// All lists every known state.
var All = []State{Inactive, Active, Connecting, Offline, OtherInUse, ProxyError, ProxyAuthFailed}

// Parse converts a wire value into a State.
func Parse(s string) (State, error) {
	for _, st := range All {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown proxy state %q", s)
}

// UnmarshalJSON rejects unknown states.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	st, err := Parse(raw)
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Badge is the global toolbar decoration class.
type Badge string

const (
	BadgeOff     Badge = "off"
	BadgeOn      Badge = "on"
	BadgeWarning Badge = "warning"
)

// BadgeFor classifies a state into the global toolbar badge. Any state not
// listed as off or on is a warning.
func BadgeFor(s State) Badge {
	switch s {
	case Inactive, Connecting, Offline:
		return BadgeOff
	case Active:
		return BadgeOn
	case OtherInUse, ProxyError, ProxyAuthFailed:
		return BadgeWarning
	default:
		return BadgeWarning
	}
}

// Prompt names the localized toast shown for a state.
type Prompt struct {
	Notice  string
	Warning bool
}

// PromptFor returns the toast for s. ok is false for states that show none.
func PromptFor(s State) (p Prompt, ok bool) {
	switch s {
	case Inactive:
		return Prompt{Notice: "toastProxyOff"}, true
	case Active:
		return Prompt{Notice: "toastProxyOn"}, true
	case OtherInUse, ProxyError, ProxyAuthFailed:
		return Prompt{Notice: "toastWarning", Warning: true}, true
	}
	return Prompt{}, false
}

// WarningPrompt is shown whenever the active tab is exempt.
var WarningPrompt = Prompt{Notice: "toastWarning", Warning: true}
