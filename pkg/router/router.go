// Package router reacts to tab lifecycle, endpoint and proxy events.
//
// All registry mutations happen on the goroutine running Run. Platform calls
// that may be slow are started on their own goroutines so one tab's icon
// update never holds up events for another tab.
package router

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"sync"
	"time"

	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/domains"
	"github.com/brendandebeasi/tabproxy/pkg/endpoint"
	"github.com/brendandebeasi/tabproxy/pkg/exemption"
	"github.com/brendandebeasi/tabproxy/pkg/links"
	"github.com/brendandebeasi/tabproxy/pkg/perf"
	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
)

// ErrStopped is returned by Dispatch once Run has returned.
var ErrStopped = errors.New("router stopped")

// Controller is the external proxy controller. Calls are request/response.
type Controller interface {
	PanelShown(ctx context.Context) error
	EnableProxy(ctx context.Context, enabled bool) error
	AuthenticationRequired(ctx context.Context) error
	ManagerAccountURL(ctx context.Context) (string, error)
}

// Opener opens a URL in a new browser tab.
type Opener interface {
	OpenURL(ctx context.Context, url string) error
}

// ProfileStore persists the account shown in the panel.
type ProfileStore interface {
	Save(p profile.Profile) error
	Clear() error
}

// Config wires a Router.
type Config struct {
	Exemptions  *exemption.Registry
	Endpoints   *endpoint.Registry
	Broadcaster *broadcast.Broadcaster
	// Platform is used for the active tab lookup of removeExemptTab.
	Platform   broadcast.Platform
	Controller Controller
	Opener     Opener
	Domains    domains.Resolver
	Profiles   ProfileStore

	Links    links.Set
	LinkVars links.Vars

	// Timeout bounds each asynchronous platform or controller call.
	Timeout   time.Duration
	QueueSize int

	Logger   *log.Logger // debug
	EventLog *log.Logger
	CrashLog *log.Logger
}

const (
	defaultTimeout   = 5 * time.Second
	defaultQueueSize = 256
)

// Router owns the event loop.
type Router struct {
	exemptions *exemption.Registry
	endpoints  *endpoint.Registry
	bc         *broadcast.Broadcaster
	platform   broadcast.Platform
	controller Controller
	opener     Opener
	domains    domains.Resolver
	profiles   ProfileStore
	timeout    time.Duration
	debugLog   *log.Logger
	eventLog   *log.Logger
	crashLog   *log.Logger
	events     chan Event
	stopped    chan struct{}
	stopOnce   sync.Once
	busy       *tracker
	linksMu    sync.RWMutex
	links      links.Set
	linkVars   links.Vars
	baseCtx    context.Context
}

// New creates a Router. Call Run to start processing.
func New(cfg Config) *Router {
	r := &Router{
		exemptions: cfg.Exemptions,
		endpoints:  cfg.Endpoints,
		bc:         cfg.Broadcaster,
		platform:   cfg.Platform,
		controller: cfg.Controller,
		opener:     cfg.Opener,
		domains:    cfg.Domains,
		profiles:   cfg.Profiles,
		timeout:    cfg.Timeout,
		debugLog:   orDiscard(cfg.Logger),
		eventLog:   orDiscard(cfg.EventLog),
		crashLog:   orDiscard(cfg.CrashLog),
		stopped:    make(chan struct{}),
		busy:       newTracker(),
		links:      cfg.Links,
		linkVars:   cfg.LinkVars,
		baseCtx:    context.Background(),
	}
	if r.timeout <= 0 {
		r.timeout = defaultTimeout
	}
	if r.domains == nil {
		r.domains = domains.PublicSuffix{}
	}
	if r.links == (links.Set{}) {
		r.links = links.Defaults()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	r.events = make(chan Event, size)
	return r
}

func orDiscard(l *log.Logger) *log.Logger {
	if l == nil {
		return log.New(io.Discard, "", 0)
	}
	return l
}

// SetLinks replaces the link targets, e.g. after a config reload.
func (r *Router) SetLinks(set links.Set, vars links.Vars) {
	r.linksMu.Lock()
	r.links = set
	r.linkVars = vars
	r.linksMu.Unlock()
}

// Dispatch queues ev for the event loop. It blocks while the queue is full.
func (r *Router) Dispatch(ev Event) error {
	select {
	case <-r.stopped:
		return ErrStopped
	default:
	}
	r.busy.add()
	select {
	case r.events <- ev:
		return nil
	case <-r.stopped:
		r.busy.done()
		return ErrStopped
	}
}

// Run processes events until ctx is cancelled. It must be called once.
func (r *Router) Run(ctx context.Context) error {
	r.baseCtx = ctx
	defer r.stopOnce.Do(func() { close(r.stopped) })

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			r.handle(ctx, ev)
			r.busy.done()
		}
	}
}

// Flush blocks until every queued event and the work it started is done.
func (r *Router) Flush(ctx context.Context) error {
	return r.busy.wait(ctx)
}

func (r *Router) handle(ctx context.Context, ev Event) {
	defer r.recoverAndLog(fmt.Sprintf("%T", ev))

	switch e := ev.(type) {
	case TabClosed:
		r.eventLog.Printf("TAB_CLOSED tab=%d", e.TabID)
		r.exemptions.Remove(e.TabID)

	case TabUpdated:
		r.async("tab icon", func(ctx context.Context) error {
			return r.bc.UpdateTabIcon(ctx, e.TabID)
		})

	case TabActivated:
		if r.exemptions.IsExempt(e.TabID) {
			r.eventLog.Printf("TAB_ACTIVATED tab=%d exempt=true", e.TabID)
			r.async("activation prompt", r.bc.ShowStatusPrompt)
		}

	case ContentConnected:
		r.eventLog.Printf("CONTENT_CONNECT tab=%d endpoint=%s", e.Endpoint.TabID(), e.Endpoint.ID())
		r.endpoints.RegisterContent(e.Endpoint.TabID(), e.Endpoint)
		r.bc.NotifyEndpoint(e.Endpoint)

	case ContentDisconnected:
		removed := r.endpoints.UnregisterContentIf(e.Endpoint.TabID(), e.Endpoint)
		r.eventLog.Printf("CONTENT_DISCONNECT tab=%d endpoint=%s removed=%t", e.Endpoint.TabID(), e.Endpoint.ID(), removed)

	case ContentMessage:
		r.handleContent(e)

	case PanelConnected:
		r.eventLog.Printf("PANEL_CONNECT endpoint=%s", e.Endpoint.ID())
		r.endpoints.RegisterPanel(e.Endpoint)
		ep := e.Endpoint
		r.async("panel snapshot", func(ctx context.Context) error {
			r.bc.SendSnapshot(ctx, ep)
			return nil
		})
		// Fire and forget; the snapshot does not wait for the controller.
		r.withController("panelShown", func(ctx context.Context, ctl Controller) error {
			return ctl.PanelShown(ctx)
		})

	case PanelDisconnected:
		removed := r.endpoints.UnregisterPanelIf(e.Endpoint)
		r.eventLog.Printf("PANEL_DISCONNECT endpoint=%s removed=%t", e.Endpoint.ID(), removed)

	case PanelCommand:
		r.handlePanel(e.Command)

	case ProxyStateChanged:
		if _, err := proxystate.Parse(string(e.State)); err != nil {
			r.debugLog.Printf("router: dropping proxy state change: %v", err)
			return
		}
		r.eventLog.Printf("PROXY_STATE state=%s", e.State)
		r.bc.SetProxyState(e.State)
		r.bc.NotifyAll()
		r.async("full update", func(ctx context.Context) error {
			r.bc.FullUpdate(ctx, true)
			return nil
		})

	case HostConnected:
		r.eventLog.Printf("HOST_CONNECTED")
		r.async("host connected", func(ctx context.Context) error {
			r.bc.FullUpdate(ctx, false)
			return nil
		})

	case ProfileChanged:
		r.eventLog.Printf("PROFILE_CHANGED signed_in=%t", !e.Profile.Empty())
		if r.profiles == nil {
			r.debugLog.Printf("router: profile change ignored, no store")
			return
		}
		p := e.Profile
		r.async("profile", func(ctx context.Context) error {
			var err error
			if p.Empty() {
				err = r.profiles.Clear()
			} else {
				err = r.profiles.Save(p)
			}
			if err != nil {
				return err
			}
			r.bc.RefreshPanel(ctx)
			return nil
		})

	case resetExemption:
		r.eventLog.Printf("EXEMPTION_RESET tab=%d", e.TabID)
		r.exemptions.SetStatus(e.TabID, exemption.Ignored)
		r.bc.NotifyAll()
		r.async("reset exemption", func(ctx context.Context) error {
			if err := r.bc.UpdateTabIcon(ctx, e.TabID); err != nil {
				r.debugLog.Printf("router: tab icon %d: %v", e.TabID, err)
			}
			r.bc.FullUpdate(ctx, true)
			return nil
		})

	default:
		r.debugLog.Printf("router: unknown event %T", ev)
	}
}

func (r *Router) handleContent(e ContentMessage) {
	tabID := e.Endpoint.TabID()
	switch m := e.Message.(type) {
	case protocol.ExemptSignal:
		r.eventLog.Printf("EXEMPT tab=%d status=%s", tabID, m.Status)
		r.exemptions.SetStatus(tabID, m.Status)
		r.async("exemption icon", func(ctx context.Context) error {
			err := r.bc.UpdateTabIcon(ctx, tabID)
			r.bc.RefreshPanel(ctx)
			return err
		})

	case protocol.BaseDomainQuery:
		reply := protocol.BaseDomainReply{Type: protocol.MsgBaseDomain, Hostname: m.Hostname}
		base, err := r.domains.BaseDomain(m.Hostname)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.BaseDomain = base
		}
		if !e.Endpoint.Send(reply) {
			r.debugLog.Printf("router: dropped baseDomain reply for tab %d", tabID)
		}

	default:
		r.debugLog.Printf("router: unknown content message %T from tab %d", e.Message, tabID)
	}
}

func (r *Router) handlePanel(cmd protocol.PanelCommand) {
	r.eventLog.Printf("PANEL_COMMAND type=%s", cmd.MessageType())

	switch c := cmd.(type) {
	case protocol.SetEnabledState:
		r.withController("enableProxy", func(ctx context.Context, ctl Controller) error {
			return ctl.EnableProxy(ctx, c.Enabled)
		})

	case protocol.RemoveExemptTab:
		r.async("remove exemption", func(ctx context.Context) error {
			tabID, ok, err := r.platform.ActiveTab(ctx)
			if err != nil {
				return fmt.Errorf("active tab: %w", err)
			}
			if !ok {
				return nil
			}
			// Mutation goes back through the loop.
			return r.Dispatch(resetExemption{TabID: tabID})
		})

	case protocol.Authenticate:
		r.withController("authenticationRequired", func(ctx context.Context, ctl Controller) error {
			return ctl.AuthenticationRequired(ctx)
		})

	case protocol.GoBack:
		r.async("go back", func(ctx context.Context) error {
			r.bc.FullUpdate(ctx, true)
			return nil
		})

	case protocol.ManageAccount:
		r.withController("managerAccountURL", func(ctx context.Context, ctl Controller) error {
			u, err := ctl.ManagerAccountURL(ctx)
			if err != nil {
				return err
			}
			return r.open(ctx, u)
		})

	case protocol.HelpAndSupport:
		r.openLink(func(s links.Set) string { return s.HelpAndSupport }, true)
	case protocol.LearnMore:
		r.openLink(func(s links.Set) string { return s.LearnMore }, true)
	case protocol.PrivacyPolicy:
		r.openLink(func(s links.Set) string { return s.PrivacyPolicy }, false)
	case protocol.TermsAndConditions:
		r.openLink(func(s links.Set) string { return s.Terms }, false)

	case protocol.OpenURL:
		if !links.Valid(c.URL) {
			r.debugLog.Printf("router: refusing to open %q", c.URL)
			return
		}
		r.async("open url", func(ctx context.Context) error {
			return r.open(ctx, c.URL)
		})

	default:
		r.debugLog.Printf("router: unknown panel command %T", cmd)
	}
}

func (r *Router) withController(name string, fn func(context.Context, Controller) error) {
	if r.controller == nil {
		r.debugLog.Printf("router: %s: no controller", name)
		return
	}
	r.async(name, func(ctx context.Context) error {
		return fn(ctx, r.controller)
	})
}

func (r *Router) openLink(pick func(links.Set) string, templated bool) {
	r.linksMu.RLock()
	raw, vars := pick(r.links), r.linkVars
	r.linksMu.RUnlock()

	if templated {
		raw = links.Format(raw, vars)
	}
	r.async("open link", func(ctx context.Context) error {
		return r.open(ctx, raw)
	})
}

func (r *Router) open(ctx context.Context, url string) error {
	if r.opener == nil {
		return errors.New("no opener")
	}
	if url == "" {
		return errors.New("empty url")
	}
	return r.opener.OpenURL(ctx, url)
}

// async runs fn on its own goroutine with a bounded context. Errors are
// logged only.
func (r *Router) async(name string, fn func(ctx context.Context) error) {
	r.busy.add()
	go func() {
		defer r.busy.done()
		defer r.recoverAndLog(name)

		ctx, cancel := context.WithTimeout(r.baseCtx, r.timeout)
		defer cancel()
		if err := perf.Track("task "+name, func() error { return fn(ctx) }); err != nil {
			r.debugLog.Printf("router: %s: %v", name, err)
		}
	}()
}

func (r *Router) recoverAndLog(context string) {
	if rec := recover(); rec != nil {
		r.crashLog.Printf("=== CRASH in %s ===", context)
		r.crashLog.Printf("Panic: %v", rec)
		r.crashLog.Printf("Stack trace:\n%s", debug.Stack())
		r.crashLog.Printf("=== END CRASH ===")
	}
}
