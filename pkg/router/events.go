package router

import (
	"github.com/brendandebeasi/tabproxy/pkg/endpoint"
	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
)

// Event is something the router reacts to. The set is closed: every
// implementation lives in this package.
type Event interface {
	event()
}

// Browser tab lifecycle.
type (
	TabClosed    struct{ TabID int }
	TabUpdated   struct{ TabID int }
	TabActivated struct{ TabID int }
)

// Endpoint lifecycle and traffic.
type (
	ContentConnected    struct{ Endpoint endpoint.Endpoint }
	ContentDisconnected struct{ Endpoint endpoint.Endpoint }
	ContentMessage      struct {
		Endpoint endpoint.Endpoint
		Message  protocol.ContentMessage
	}
	PanelConnected    struct{ Endpoint endpoint.Endpoint }
	PanelDisconnected struct{ Endpoint endpoint.Endpoint }
	PanelCommand      struct{ Command protocol.PanelCommand }
)

// ProxyStateChanged carries a new state reported by the proxy controller.
type ProxyStateChanged struct{ State proxystate.State }

// HostConnected is sent when a browser host attaches. The toolbar has no
// state from us until then.
type HostConnected struct{}

// ProfileChanged carries the signed-in account. An empty profile means the
// user signed out.
type ProfileChanged struct{ Profile profile.Profile }

// resetExemption is queued once the active tab for removeExemptTab is known.
type resetExemption struct{ TabID int }

func (TabClosed) event()           {}
func (TabUpdated) event()          {}
func (TabActivated) event()        {}
func (ContentConnected) event()    {}
func (ContentDisconnected) event() {}
func (ContentMessage) event()      {}
func (PanelConnected) event()      {}
func (PanelDisconnected) event()   {}
func (PanelCommand) event()        {}
func (ProxyStateChanged) event()   {}
func (HostConnected) event()       {}
func (ProfileChanged) event()      {}
func (resetExemption) event()      {}
