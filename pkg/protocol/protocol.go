// Package protocol defines the JSON frames exchanged with content agents and
// the control panel.
//
// Inbound frames decode into closed unions: every ContentMessage and
// PanelCommand implementation lives in this package.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brendandebeasi/tabproxy/pkg/exemption"
	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
)

// MessageType identifies a frame
type MessageType string

const (
	// Content -> daemon
	MsgExempt        MessageType = "exempt"
	MsgGetBaseDomain MessageType = "getBaseDomainFromHost"

	// Daemon -> content
	MsgProxyState MessageType = "proxyState"
	MsgBaseDomain MessageType = "baseDomain"

	// Panel -> daemon
	CmdSetEnabledState    MessageType = "setEnabledState"
	CmdRemoveExemptTab    MessageType = "removeExemptTab"
	CmdAuthenticate       MessageType = "authenticate"
	CmdGoBack             MessageType = "goBack"
	CmdManageAccount      MessageType = "manageAccount"
	CmdHelpAndSupport     MessageType = "helpAndSupport"
	CmdLearnMore          MessageType = "learnMore"
	CmdPrivacyPolicy      MessageType = "privacyPolicy"
	CmdTermsAndConditions MessageType = "termsAndConditions"
	CmdOpenURL            MessageType = "openUrl"
)

// ErrUnknownType is returned for frames whose type is not part of the channel.
var ErrUnknownType = errors.New("unknown message type")

// ContentMessage is a frame sent by a content agent.
type ContentMessage interface {
	contentMessage()
}

// ExemptSignal reports the tab's exemption choice.
type ExemptSignal struct {
	Status exemption.Status
}

// BaseDomainQuery asks for the registrable domain of a host.
type BaseDomainQuery struct {
	Hostname string
}

func (ExemptSignal) contentMessage()    {}
func (BaseDomainQuery) contentMessage() {}

type contentFrame struct {
	Type     MessageType      `json:"type"`
	Status   exemption.Status `json:"status,omitempty"`
	Hostname string           `json:"hostname,omitempty"`
}

// DecodeContent parses a content agent frame.
func DecodeContent(data []byte) (ContentMessage, error) {
	var f contentFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode content frame: %w", err)
	}
	switch f.Type {
	case MsgExempt:
		if !f.Status.Valid() {
			return nil, fmt.Errorf("invalid exemption status %q", f.Status)
		}
		return ExemptSignal{Status: f.Status}, nil
	case MsgGetBaseDomain:
		return BaseDomainQuery{Hostname: f.Hostname}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, f.Type)
}

// EncodeContent builds the wire form of a content frame.
func EncodeContent(msg ContentMessage) ([]byte, error) {
	var f contentFrame
	switch m := msg.(type) {
	case ExemptSignal:
		f = contentFrame{Type: MsgExempt, Status: m.Status}
	case BaseDomainQuery:
		f = contentFrame{Type: MsgGetBaseDomain, Hostname: m.Hostname}
	default:
		return nil, fmt.Errorf("%w %T", ErrUnknownType, msg)
	}
	return json.Marshal(f)
}

// ProxyStateUpdate is pushed to content agents whenever state may have changed.
type ProxyStateUpdate struct {
	Type     MessageType      `json:"type"`
	Enabled  bool             `json:"enabled"`
	Exempted exemption.Status `json:"exempted"`
}

// NewProxyStateUpdate builds the update for a tab.
func NewProxyStateUpdate(state proxystate.State, exempted exemption.Status) ProxyStateUpdate {
	return ProxyStateUpdate{
		Type:     MsgProxyState,
		Enabled:  state == proxystate.Active,
		Exempted: exempted,
	}
}

// BaseDomainReply answers a BaseDomainQuery.
type BaseDomainReply struct {
	Type       MessageType `json:"type"`
	Hostname   string      `json:"hostname"`
	BaseDomain string      `json:"baseDomain"`
	Error      string      `json:"error,omitempty"`
}

// PanelSnapshot is the state pushed to the panel.
type PanelSnapshot struct {
	UserInfo   profile.Profile  `json:"userInfo"`
	ProxyState proxystate.State `json:"proxyState"`
	Exempt     bool             `json:"exempt"`
}
