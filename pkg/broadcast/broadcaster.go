// Package broadcast computes the state each observer should see and pushes it:
// proxyState frames to content agents, snapshots to the panel, and toolbar
// icon/title decorations to the browser.
package broadcast

import (
	"context"
	"io"
	"log"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/brendandebeasi/tabproxy/pkg/endpoint"
	"github.com/brendandebeasi/tabproxy/pkg/exemption"
	"github.com/brendandebeasi/tabproxy/pkg/i18n"
	"github.com/brendandebeasi/tabproxy/pkg/perf"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
)

// Config wires a Broadcaster to its registries and collaborators.
type Config struct {
	Exemptions *exemption.Registry
	Endpoints  *endpoint.Registry
	Platform   Platform
	Translator i18n.Translator
	Profiles   ProfileSource
	Icons      Icons
	// InitialState is the cached proxy state until the controller reports one.
	InitialState proxystate.State
	Logger       *log.Logger
}

// Broadcaster pushes derived state to endpoints and the browser toolbar.
type Broadcaster struct {
	exemptions *exemption.Registry
	endpoints  *endpoint.Registry
	platform   Platform
	tr         i18n.Translator
	profiles   ProfileSource
	logger     *log.Logger

	icons atomic.Pointer[Icons]
	state atomic.Pointer[proxystate.State]
}

// New creates a Broadcaster.
func New(cfg Config) *Broadcaster {
	b := &Broadcaster{
		exemptions: cfg.Exemptions,
		endpoints:  cfg.Endpoints,
		platform:   cfg.Platform,
		tr:         cfg.Translator,
		profiles:   cfg.Profiles,
		logger:     cfg.Logger,
	}
	if b.logger == nil {
		b.logger = log.New(io.Discard, "", 0)
	}
	icons := cfg.Icons
	if icons == (Icons{}) {
		icons = DefaultIcons()
	}
	b.icons.Store(&icons)

	st := cfg.InitialState
	if st == "" {
		st = proxystate.Inactive
	}
	b.state.Store(&st)
	return b
}

// ProxyState returns the cached proxy state. It may lag the controller.
func (b *Broadcaster) ProxyState() proxystate.State {
	return *b.state.Load()
}

// SetProxyState replaces the cached proxy state without notifying anyone.
func (b *Broadcaster) SetProxyState(s proxystate.State) {
	b.state.Store(&s)
}

// SetIcons swaps the toolbar icon set, e.g. after a config reload.
func (b *Broadcaster) SetIcons(icons Icons) {
	b.icons.Store(&icons)
}

// NotifyEndpoint sends the current proxyState frame to ep. Delivery is not
// confirmed; a dropped frame is logged only.
func (b *Broadcaster) NotifyEndpoint(ep endpoint.Endpoint) {
	msg := protocol.NewProxyStateUpdate(b.ProxyState(), b.exemptions.Status(ep.TabID()))
	if !ep.Send(msg) {
		b.logger.Printf("notify: dropped proxyState for tab %d (endpoint %s)", ep.TabID(), ep.ID())
	}
}

// NotifyAll sends the proxyState frame to every registered content endpoint.
func (b *Broadcaster) NotifyAll() {
	for _, ep := range b.endpoints.AllContent() {
		b.NotifyEndpoint(ep)
	}
}

// UpdateTabIcon applies the warning decoration to an exempt tab, or clears the
// tab override so the global icon shows through.
func (b *Broadcaster) UpdateTabIcon(ctx context.Context, tabID int) error {
	defer perf.Start("updateTabIcon tab=%d", tabID).Stop()

	path := ""
	var title *string
	if b.exemptions.IsExempt(tabID) {
		path = b.icons.Load().Warning
		text := b.tr.Message("badgeWarningText")
		title = &text
	}

	var g errgroup.Group
	g.Go(func() error { return b.platform.SetIcon(ctx, tabID, path) })
	g.Go(func() error { return b.platform.SetTitle(ctx, tabID, title) })
	return g.Wait()
}

// UpdateGlobalIcon sets the shared toolbar icon and title from the proxy state.
func (b *Broadcaster) UpdateGlobalIcon(ctx context.Context) error {
	defer perf.Start("updateGlobalIcon").Stop()

	icons := b.icons.Load()
	var path, key string
	switch proxystate.BadgeFor(b.ProxyState()) {
	case proxystate.BadgeOff:
		path, key = icons.Off, "badgeOffText"
	case proxystate.BadgeOn:
		path, key = icons.On, "badgeOnText"
	case proxystate.BadgeWarning:
		path, key = icons.Warning, "badgeWarningText"
	}
	title := b.tr.Message(key)

	var g errgroup.Group
	g.Go(func() error { return b.platform.SetIcon(ctx, GlobalTab, path) })
	g.Go(func() error { return b.platform.SetTitle(ctx, GlobalTab, &title) })
	return g.Wait()
}

// ActiveTabExempt reports whether the focused tab is exempt. A missing
// active tab counts as not exempt.
func (b *Broadcaster) ActiveTabExempt(ctx context.Context) (bool, error) {
	tabID, ok, err := b.platform.ActiveTab(ctx)
	if err != nil || !ok {
		return false, err
	}
	return b.exemptions.IsExempt(tabID), nil
}

// Snapshot builds the panel state frame.
func (b *Broadcaster) Snapshot(ctx context.Context) protocol.PanelSnapshot {
	exempt, err := b.ActiveTabExempt(ctx)
	if err != nil {
		b.logger.Printf("snapshot: active tab lookup failed: %v", err)
	}
	snap := protocol.PanelSnapshot{
		ProxyState: b.ProxyState(),
		Exempt:     exempt,
	}
	if b.profiles != nil {
		p, err := b.profiles.Load()
		if err != nil {
			b.logger.Printf("snapshot: profile load failed: %v", err)
		}
		snap.UserInfo = p
	}
	return snap
}

// RefreshPanel pushes a fresh snapshot to the panel, if one is connected.
func (b *Broadcaster) RefreshPanel(ctx context.Context) {
	panel, ok := b.endpoints.Panel()
	if !ok {
		return
	}
	b.SendSnapshot(ctx, panel)
}

// SendSnapshot pushes a fresh snapshot to ep.
func (b *Broadcaster) SendSnapshot(ctx context.Context, ep endpoint.Endpoint) {
	if !ep.Send(b.Snapshot(ctx)) {
		b.logger.Printf("panel: dropped snapshot (endpoint %s)", ep.ID())
	}
}

// ShowStatusPrompt shows a toast describing the current state on the active
// tab. Nothing is shown while the panel is open.
func (b *Broadcaster) ShowStatusPrompt(ctx context.Context) error {
	if _, open := b.endpoints.Panel(); open {
		return nil
	}

	prompt, ok := proxystate.PromptFor(b.ProxyState())
	exempt, err := b.ActiveTabExempt(ctx)
	if err != nil {
		b.logger.Printf("prompt: active tab lookup failed: %v", err)
	}
	if exempt {
		prompt, ok = proxystate.WarningPrompt, true
	}
	if !ok {
		return nil
	}
	return b.platform.ShowPrompt(ctx, b.tr.Message(prompt.Notice), prompt.Warning)
}

// FullUpdate optionally shows the status prompt, then refreshes the global
// icon and the panel concurrently. Failures are logged.
func (b *Broadcaster) FullUpdate(ctx context.Context, showPrompt bool) {
	if showPrompt {
		if err := b.ShowStatusPrompt(ctx); err != nil {
			b.logger.Printf("update: prompt failed: %v", err)
		}
	}

	var g errgroup.Group
	g.Go(func() error { return b.UpdateGlobalIcon(ctx) })
	g.Go(func() error {
		b.RefreshPanel(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		b.logger.Printf("update: global icon failed: %v", err)
	}
}

// AfterConnectionSteps brings every observer up to date after the proxy
// state changed.
func (b *Broadcaster) AfterConnectionSteps(ctx context.Context) {
	b.NotifyAll()
	b.FullUpdate(ctx, true)
}
