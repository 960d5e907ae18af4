package broadcast

import (
	"context"

	"github.com/brendandebeasi/tabproxy/pkg/profile"
)

// GlobalTab addresses the toolbar decoration shared by all tabs.
const GlobalTab = 0

// Platform is the part of the browser the broadcaster drives.
type Platform interface {
	// SetIcon sets the toolbar icon for tabID, or globally for GlobalTab.
	// An empty path removes a per-tab override.
	SetIcon(ctx context.Context, tabID int, path string) error
	// SetTitle sets the toolbar title. A nil title removes a per-tab override.
	SetTitle(ctx context.Context, tabID int, title *string) error
	// ShowPrompt shows a one-shot notice on the active tab.
	ShowPrompt(ctx context.Context, text string, warning bool) error
	// ActiveTab returns the focused tab of the current window.
	ActiveTab(ctx context.Context) (tabID int, ok bool, err error)
}

// ProfileSource supplies the cached account profile.
type ProfileSource interface {
	Load() (profile.Profile, error)
}

// Icons are the toolbar image paths per badge.
type Icons struct {
	On      string `yaml:"on"`
	Off     string `yaml:"off"`
	Warning string `yaml:"warning"`
}

// DefaultIcons returns the packaged icon paths.
func DefaultIcons() Icons {
	return Icons{
		On:      "/img/badge_on.svg",
		Off:     "/img/badge_off.svg",
		Warning: "/img/badge_warning.svg",
	}
}
