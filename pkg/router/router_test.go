package router

import (
	"bytes"
	"context"
	"errors"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/endpoint"
	"github.com/brendandebeasi/tabproxy/pkg/exemption"
	"github.com/brendandebeasi/tabproxy/pkg/links"
	"github.com/brendandebeasi/tabproxy/pkg/perf"
	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
)

type fakePlatform struct {
	mu        sync.Mutex
	icons     map[int]string
	titles    map[int]*string
	prompts   []string
	warnings  []bool
	activeTab int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{icons: make(map[int]string), titles: make(map[int]*string)}
}

func (f *fakePlatform) SetIcon(_ context.Context, tabID int, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.icons[tabID] = path
	return nil
}

func (f *fakePlatform) SetTitle(_ context.Context, tabID int, title *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[tabID] = title
	return nil
}

func (f *fakePlatform) ShowPrompt(_ context.Context, text string, warning bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, text)
	f.warnings = append(f.warnings, warning)
	return nil
}

func (f *fakePlatform) ActiveTab(context.Context) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeTab, f.activeTab > 0, nil
}

func (f *fakePlatform) setActive(tabID int) {
	f.mu.Lock()
	f.activeTab = tabID
	f.mu.Unlock()
}

func (f *fakePlatform) icon(tabID int) (string, *string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.icons[tabID], f.titles[tabID]
}

func (f *fakePlatform) shownPrompts() ([]string, []bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.prompts...), append([]bool(nil), f.warnings...)
}

type fakeController struct {
	mu         sync.Mutex
	calls      []string
	accountURL string
	err        error
}

func (c *fakeController) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeController) PanelShown(context.Context) error { return c.record("panelShown") }

func (c *fakeController) EnableProxy(_ context.Context, enabled bool) error {
	if enabled {
		return c.record("enableProxy:true")
	}
	return c.record("enableProxy:false")
}

func (c *fakeController) AuthenticationRequired(context.Context) error {
	return c.record("authenticationRequired")
}

func (c *fakeController) ManagerAccountURL(context.Context) (string, error) {
	return c.accountURL, c.record("managerAccountURL")
}

func (c *fakeController) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeOpener struct {
	mu     sync.Mutex
	opened []string
}

func (o *fakeOpener) OpenURL(_ context.Context, url string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opened = append(o.opened, url)
	return nil
}

func (o *fakeOpener) urls() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.opened...)
}

type keyTranslator struct{}

func (keyTranslator) Message(name string, _ ...string) string { return "t:" + name }

type staticProfiles struct{ p profile.Profile }

func (s staticProfiles) Load() (profile.Profile, error) { return s.p, nil }

type harness struct {
	ex         *exemption.Registry
	eps        *endpoint.Registry
	platform   *fakePlatform
	controller *fakeController
	opener     *fakeOpener
	crash      *bytes.Buffer
	r          *Router
}

func newHarness(t *testing.T, state proxystate.State, mutate ...func(*Config)) *harness {
	t.Helper()
	h := &harness{
		ex:         exemption.NewRegistry(),
		eps:        endpoint.NewRegistry(),
		platform:   newFakePlatform(),
		controller: &fakeController{},
		opener:     &fakeOpener{},
		crash:      &bytes.Buffer{},
	}
	bc := broadcast.New(broadcast.Config{
		Exemptions:   h.ex,
		Endpoints:    h.eps,
		Platform:     h.platform,
		Translator:   keyTranslator{},
		Profiles:     staticProfiles{p: profile.Profile{Email: "user@example.com", DisplayName: "User"}},
		InitialState: state,
	})
	cfg := Config{
		Exemptions:  h.ex,
		Endpoints:   h.eps,
		Broadcaster: bc,
		Platform:    h.platform,
		Controller:  h.controller,
		Opener:      h.opener,
		CrashLog:    log.New(h.crash, "", 0),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.r = New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) send(t *testing.T, events ...Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, h.r.Dispatch(ev))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.r.Flush(ctx))
}

func drain(q *endpoint.Queue) []any {
	var out []any
	for {
		select {
		case m := <-q.Messages():
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestContentExemptionLifecycle(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	ep := endpoint.NewQueue(endpoint.KindContent, 7, 8)

	h.send(t, ContentConnected{Endpoint: ep})
	require.False(t, h.ex.IsExempt(7))
	require.Equal(t, []any{protocol.ProxyStateUpdate{
		Type:     protocol.MsgProxyState,
		Enabled:  true,
		Exempted: exemption.Unset,
	}}, drain(ep))

	h.send(t, ContentMessage{Endpoint: ep, Message: protocol.ExemptSignal{Status: exemption.Exempt}})
	require.True(t, h.ex.IsExempt(7))
	icon, title := h.platform.icon(7)
	require.Equal(t, broadcast.DefaultIcons().Warning, icon)
	require.NotNil(t, title)
	require.Equal(t, "t:badgeWarningText", *title)

	h.send(t, TabClosed{TabID: 7}, ContentDisconnected{Endpoint: ep})
	require.False(t, h.ex.IsExempt(7))
	require.Equal(t, exemption.Unset, h.ex.Status(7))
	_, ok := h.eps.Content(7)
	require.False(t, ok)
}

func TestExemptSignalRefreshesPanel(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.platform.setActive(3)
	content := endpoint.NewQueue(endpoint.KindContent, 3, 8)
	panel := endpoint.NewQueue(endpoint.KindPanel, 0, 8)

	h.send(t, ContentConnected{Endpoint: content}, PanelConnected{Endpoint: panel})
	drain(panel)

	h.send(t, ContentMessage{Endpoint: content, Message: protocol.ExemptSignal{Status: exemption.Exempt}})
	msgs := drain(panel)
	require.Len(t, msgs, 1)
	snap, ok := msgs[0].(protocol.PanelSnapshot)
	require.True(t, ok)
	require.True(t, snap.Exempt)
}

func TestPanelConnectSendsSnapshot(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	panel := endpoint.NewQueue(endpoint.KindPanel, 0, 8)

	h.send(t, PanelConnected{Endpoint: panel})

	require.Equal(t, []any{protocol.PanelSnapshot{
		UserInfo:   profile.Profile{Email: "user@example.com", DisplayName: "User"},
		ProxyState: proxystate.Active,
		Exempt:     false,
	}}, drain(panel))
	require.Equal(t, []string{"panelShown"}, h.controller.recorded())

	current, ok := h.eps.Panel()
	require.True(t, ok)
	require.Equal(t, panel.ID(), current.ID())
}

type slowController struct {
	fakeController
	release chan struct{}
}

func (c *slowController) PanelShown(ctx context.Context) error {
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.record("panelShown")
}

func TestPanelSnapshotDoesNotWaitForController(t *testing.T) {
	slow := &slowController{release: make(chan struct{})}
	h := newHarness(t, proxystate.Connecting, func(c *Config) { c.Controller = slow })
	panel := endpoint.NewQueue(endpoint.KindPanel, 0, 8)

	require.NoError(t, h.r.Dispatch(PanelConnected{Endpoint: panel}))
	select {
	case m := <-panel.Messages():
		require.Equal(t, proxystate.Connecting, m.(protocol.PanelSnapshot).ProxyState)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot waited for panelShown")
	}
	require.Empty(t, slow.recorded())

	close(slow.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.r.Flush(ctx))
	require.Equal(t, []string{"panelShown"}, slow.recorded())
}

func TestPanelReconnectKeepsNewPanel(t *testing.T) {
	h := newHarness(t, proxystate.Inactive)
	first := endpoint.NewQueue(endpoint.KindPanel, 0, 8)
	second := endpoint.NewQueue(endpoint.KindPanel, 0, 8)

	h.send(t, PanelConnected{Endpoint: first}, PanelConnected{Endpoint: second}, PanelDisconnected{Endpoint: first})

	current, ok := h.eps.Panel()
	require.True(t, ok)
	require.Equal(t, second.ID(), current.ID())

	h.send(t, PanelDisconnected{Endpoint: second})
	_, ok = h.eps.Panel()
	require.False(t, ok)
}

func TestStaleContentDisconnectKeepsSuccessor(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	old := endpoint.NewQueue(endpoint.KindContent, 4, 8)
	fresh := endpoint.NewQueue(endpoint.KindContent, 4, 8)

	h.send(t, ContentConnected{Endpoint: old}, ContentConnected{Endpoint: fresh}, ContentDisconnected{Endpoint: old})

	current, ok := h.eps.Content(4)
	require.True(t, ok)
	require.Equal(t, fresh.ID(), current.ID())

	// A second disconnect for the same endpoint is harmless.
	h.send(t, ContentDisconnected{Endpoint: old})
	_, ok = h.eps.Content(4)
	require.True(t, ok)
}

func TestRemoveExemptTabMarksIgnored(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	ep := endpoint.NewQueue(endpoint.KindContent, 3, 8)
	h.send(t, ContentConnected{Endpoint: ep}, ContentMessage{Endpoint: ep, Message: protocol.ExemptSignal{Status: exemption.Exempt}})
	drain(ep)
	h.platform.setActive(3)

	h.send(t, PanelCommand{Command: protocol.RemoveExemptTab{}})

	require.False(t, h.ex.IsExempt(3))
	require.Equal(t, exemption.Ignored, h.ex.Status(3))
	require.Contains(t, drain(ep), any(protocol.ProxyStateUpdate{
		Type:     protocol.MsgProxyState,
		Enabled:  true,
		Exempted: exemption.Ignored,
	}))
	icon, title := h.platform.icon(3)
	require.Empty(t, icon)
	require.Nil(t, title)

	// FullUpdate(true) with no panel open shows the state prompt.
	prompts, _ := h.platform.shownPrompts()
	require.Equal(t, []string{"t:toastProxyOn"}, prompts)
}

func TestRemoveExemptTabWithoutActiveTab(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.ex.SetStatus(3, exemption.Exempt)

	h.send(t, PanelCommand{Command: protocol.RemoveExemptTab{}})

	require.Equal(t, exemption.Exempt, h.ex.Status(3))
	prompts, _ := h.platform.shownPrompts()
	require.Empty(t, prompts)
}

func TestTabActivatedPromptsOnlyForExemptTabs(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.ex.SetStatus(9, exemption.Exempt)

	h.send(t, TabActivated{TabID: 2})
	prompts, _ := h.platform.shownPrompts()
	require.Empty(t, prompts)

	h.platform.setActive(9)
	h.send(t, TabActivated{TabID: 9})
	prompts, warnings := h.platform.shownPrompts()
	require.Equal(t, []string{"t:toastWarning"}, prompts)
	require.Equal(t, []bool{true}, warnings)
}

func TestTabActivatedSuppressedWithPanelOpen(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.ex.SetStatus(9, exemption.Exempt)
	h.platform.setActive(9)

	h.send(t, PanelConnected{Endpoint: endpoint.NewQueue(endpoint.KindPanel, 0, 8)}, TabActivated{TabID: 9})

	prompts, _ := h.platform.shownPrompts()
	require.Empty(t, prompts)
}

func TestTabUpdatedRefreshesIcon(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.ex.SetStatus(5, exemption.Exempt)

	h.send(t, TabUpdated{TabID: 5})
	icon, _ := h.platform.icon(5)
	require.Equal(t, broadcast.DefaultIcons().Warning, icon)
}

func TestProxyStateChangedNotifiesEveryone(t *testing.T) {
	h := newHarness(t, proxystate.Connecting)
	a := endpoint.NewQueue(endpoint.KindContent, 1, 8)
	b := endpoint.NewQueue(endpoint.KindContent, 2, 8)
	h.send(t, ContentConnected{Endpoint: a}, ContentConnected{Endpoint: b})
	drain(a)
	drain(b)

	h.send(t, ProxyStateChanged{State: proxystate.Active})

	for _, q := range []*endpoint.Queue{a, b} {
		msgs := drain(q)
		require.Len(t, msgs, 1)
		require.True(t, msgs[0].(protocol.ProxyStateUpdate).Enabled)
	}
	icon, title := h.platform.icon(broadcast.GlobalTab)
	require.Equal(t, broadcast.DefaultIcons().On, icon)
	require.Equal(t, "t:badgeOnText", *title)
}

func TestUnknownProxyStateIsDropped(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	a := endpoint.NewQueue(endpoint.KindContent, 1, 8)
	h.send(t, ContentConnected{Endpoint: a})
	drain(a)

	h.send(t, ProxyStateChanged{State: ""}, ProxyStateChanged{State: "sideways"})

	require.Empty(t, drain(a))
	icon, _ := h.platform.icon(broadcast.GlobalTab)
	require.Empty(t, icon)

	// The cached state is untouched.
	p := endpoint.NewQueue(endpoint.KindPanel, 0, 8)
	h.send(t, PanelConnected{Endpoint: p})
	msgs := drain(p)
	require.Len(t, msgs, 1)
	require.Equal(t, proxystate.Active, msgs[0].(protocol.PanelSnapshot).ProxyState)
}

func TestPanelCommandsDelegate(t *testing.T) {
	vars := links.Vars{Version: "128.0", OS: "Linux", Locale: "de"}
	tests := []struct {
		name   string
		cmd    protocol.PanelCommand
		calls  []string
		opened []string
	}{
		{name: "enable", cmd: protocol.SetEnabledState{Enabled: true}, calls: []string{"enableProxy:true"}},
		{name: "disable", cmd: protocol.SetEnabledState{Enabled: false}, calls: []string{"enableProxy:false"}},
		{name: "authenticate", cmd: protocol.Authenticate{}, calls: []string{"authenticationRequired"}},
		{
			name:   "manage account",
			cmd:    protocol.ManageAccount{},
			calls:  []string{"managerAccountURL"},
			opened: []string{"https://accounts.example.com/settings"},
		},
		{name: "privacy", cmd: protocol.PrivacyPolicy{}, opened: []string{links.DefaultPrivacyPolicy}},
		{name: "terms", cmd: protocol.TermsAndConditions{}, opened: []string{links.DefaultTerms}},
		{
			name:   "learn more",
			cmd:    protocol.LearnMore{},
			opened: []string{"https://support.mozilla.org/1/firefox/128.0/Linux/de/cloudflare"},
		},
		{
			name:   "help",
			cmd:    protocol.HelpAndSupport{},
			opened: []string{"https://support.mozilla.org/1/firefox/128.0/Linux/de/firefox-private-network"},
		},
		{name: "open url", cmd: protocol.OpenURL{URL: "https://example.com/page"}, opened: []string{"https://example.com/page"}},
		{name: "open script url", cmd: protocol.OpenURL{URL: "javascript:alert(1)"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, proxystate.Active, func(c *Config) { c.LinkVars = vars })
			h.controller.accountURL = "https://accounts.example.com/settings"

			h.send(t, PanelCommand{Command: tt.cmd})

			require.Equal(t, tt.calls, h.controller.recorded())
			require.Equal(t, tt.opened, h.opener.urls())
		})
	}
}

func TestGoBackRunsFullUpdate(t *testing.T) {
	h := newHarness(t, proxystate.Offline)

	h.send(t, PanelCommand{Command: protocol.GoBack{}})

	icon, _ := h.platform.icon(broadcast.GlobalTab)
	require.Equal(t, broadcast.DefaultIcons().Off, icon)
}

func TestAsyncTasksAreTimed(t *testing.T) {
	var buf bytes.Buffer
	perf.SetOutput(&buf)
	defer perf.SetOutput(nil)

	h := newHarness(t, proxystate.Active)
	h.send(t, PanelCommand{Command: protocol.GoBack{}})

	require.Contains(t, buf.String(), "task go back: ")
}

func TestControllerErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.controller.err = errors.New("controller gone")

	h.send(t, PanelCommand{Command: protocol.ManageAccount{}})
	require.Empty(t, h.opener.urls())

	h.send(t, TabClosed{TabID: 1})
	require.Equal(t, []string{"managerAccountURL"}, h.controller.recorded())
}

func TestSetLinksAppliesToLaterCommands(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	h.r.SetLinks(links.Set{PrivacyPolicy: "https://example.org/privacy"}, links.Vars{})

	h.send(t, PanelCommand{Command: protocol.PrivacyPolicy{}})
	require.Equal(t, []string{"https://example.org/privacy"}, h.opener.urls())
}

func TestBaseDomainQueryRepliesOnSocket(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	ep := endpoint.NewQueue(endpoint.KindContent, 5, 8)

	h.send(t, ContentMessage{Endpoint: ep, Message: protocol.BaseDomainQuery{Hostname: "www.bbc.co.uk"}})
	h.send(t, ContentMessage{Endpoint: ep, Message: protocol.BaseDomainQuery{Hostname: ""}})

	msgs := drain(ep)
	require.Len(t, msgs, 2)
	ok := msgs[0].(protocol.BaseDomainReply)
	require.Equal(t, "bbc.co.uk", ok.BaseDomain)
	require.Empty(t, ok.Error)
	bad := msgs[1].(protocol.BaseDomainReply)
	require.Empty(t, bad.BaseDomain)
	require.NotEmpty(t, bad.Error)
}

func TestPanicInHandlerIsRecovered(t *testing.T) {
	h := newHarness(t, proxystate.Active, func(c *Config) { c.Platform = nil })

	h.send(t, PanelCommand{Command: protocol.RemoveExemptTab{}})
	require.Contains(t, h.crash.String(), "=== CRASH in remove exemption ===")

	h.ex.SetStatus(8, exemption.Exempt)
	h.send(t, TabClosed{TabID: 8})
	require.False(t, h.ex.IsExempt(8))
}

func TestHostConnectedSetsGlobalIcon(t *testing.T) {
	h := newHarness(t, proxystate.Active)
	panel := endpoint.NewQueue(endpoint.KindPanel, 0, 8)
	h.send(t, PanelConnected{Endpoint: panel})
	drain(panel)

	h.send(t, HostConnected{})
	icon, _ := h.platform.icon(broadcast.GlobalTab)
	require.Equal(t, broadcast.DefaultIcons().On, icon)
	require.Len(t, drain(panel), 1)
	prompts, _ := h.platform.shownPrompts()
	require.Empty(t, prompts)
}

func TestProfileChangedUpdatesPanel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	store := profile.NewStore(path)
	ex, eps := exemption.NewRegistry(), endpoint.NewRegistry()
	bc := broadcast.New(broadcast.Config{
		Exemptions: ex,
		Endpoints:  eps,
		Platform:   newFakePlatform(),
		Translator: keyTranslator{},
		Profiles:   store,
	})
	r := New(Config{Exemptions: ex, Endpoints: eps, Broadcaster: bc, Platform: newFakePlatform(), Profiles: store})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	send := func(ev Event) {
		require.NoError(t, r.Dispatch(ev))
		fctx, fcancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer fcancel()
		require.NoError(t, r.Flush(fctx))
	}

	panel := endpoint.NewQueue(endpoint.KindPanel, 0, 8)
	send(PanelConnected{Endpoint: panel})
	drain(panel)

	user := profile.Profile{Email: "a@example.com", DisplayName: "A", UID: "u1"}
	send(ProfileChanged{Profile: user})
	msgs := drain(panel)
	require.Len(t, msgs, 1)
	require.Equal(t, user, msgs[0].(protocol.PanelSnapshot).UserInfo)

	reloaded, err := profile.NewStore(path).Load()
	require.NoError(t, err)
	require.Equal(t, user, reloaded)

	send(ProfileChanged{})
	msgs = drain(panel)
	require.Len(t, msgs, 1)
	require.True(t, msgs[0].(protocol.PanelSnapshot).UserInfo.Empty())
}

func TestDispatchAfterStop(t *testing.T) {
	r := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, r.Run(ctx), context.Canceled)
	require.ErrorIs(t, r.Dispatch(TabClosed{TabID: 1}), ErrStopped)
}
