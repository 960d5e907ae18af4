package hostlink

import (
	"encoding/json"
	"fmt"

	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
	"github.com/brendandebeasi/tabproxy/pkg/router"
)

// Envelope is the frame exchanged with the browser host.
type Envelope struct {
	ID    uint64          `json:"id,omitempty"`
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Frame types
const (
	// host -> daemon
	TypeReply             = "reply"
	TypeTabClosed         = "tabClosed"
	TypeTabUpdated        = "tabUpdated"
	TypeTabActivated      = "tabActivated"
	TypeProxyStateChanged = "proxyStateChanged"
	TypeProfileChanged    = "profileChanged"

	// daemon -> host
	TypeSetIcon    = "setIcon"
	TypeSetTitle   = "setTitle"
	TypeShowPrompt = "showPrompt"
	TypeActiveTab  = "activeTab"
	TypeOpenURL    = "openUrl"
	TypeController = "controller"
)

// Controller call names.
const (
	CallPanelShown             = "panelShown"
	CallEnableProxy            = "enableProxy"
	CallAuthenticationRequired = "authenticationRequired"
	CallManagerAccountURL      = "managerAccountURL"
)

type tabPayload struct {
	TabID int `json:"tabId"`
}

type proxyStatePayload struct {
	State string `json:"state"`
}

type iconRequest struct {
	TabID int    `json:"tabId,omitempty"`
	Path  string `json:"path"`
}

type titleRequest struct {
	TabID int     `json:"tabId,omitempty"`
	Title *string `json:"title"`
}

type promptRequest struct {
	Text    string `json:"text"`
	Warning bool   `json:"warning"`
}

type activeTabReply struct {
	TabID int `json:"tabId"`
}

type openURLRequest struct {
	URL string `json:"url"`
}

type controllerRequest struct {
	Name         string `json:"name"`
	EnabledState *bool  `json:"enabledState,omitempty"`
}

// DecodeEvent turns a host event frame into a router event.
func DecodeEvent(env Envelope) (router.Event, error) {
	switch env.Type {
	case TypeTabClosed, TypeTabUpdated, TypeTabActivated:
		var p tabPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		if p.TabID <= 0 {
			return nil, fmt.Errorf("decode %s: invalid tab id %d", env.Type, p.TabID)
		}
		switch env.Type {
		case TypeTabClosed:
			return router.TabClosed{TabID: p.TabID}, nil
		case TypeTabUpdated:
			return router.TabUpdated{TabID: p.TabID}, nil
		default:
			return router.TabActivated{TabID: p.TabID}, nil
		}
	case TypeProxyStateChanged:
		var p proxyStatePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		st, err := proxystate.Parse(p.State)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return router.ProxyStateChanged{State: st}, nil
	case TypeProfileChanged:
		// No data means signed out.
		var p profile.Profile
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				return nil, fmt.Errorf("decode %s: %w", env.Type, err)
			}
		}
		return router.ProfileChanged{Profile: p}, nil
	}
	return nil, fmt.Errorf("unknown host frame %q", env.Type)
}
