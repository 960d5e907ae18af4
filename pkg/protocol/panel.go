package protocol

import (
	"encoding/json"
	"fmt"
)

// PanelCommand is a frame sent by the control panel.
type PanelCommand interface {
	panelCommand()
	MessageType() MessageType
}

type (
	SetEnabledState    struct{ Enabled bool }
	RemoveExemptTab    struct{}
	Authenticate       struct{}
	GoBack             struct{}
	ManageAccount      struct{}
	HelpAndSupport     struct{}
	LearnMore          struct{}
	PrivacyPolicy      struct{}
	TermsAndConditions struct{}
	OpenURL            struct{ URL string }
)

func (SetEnabledState) panelCommand()    {}
func (RemoveExemptTab) panelCommand()    {}
func (Authenticate) panelCommand()       {}
func (GoBack) panelCommand()             {}
func (ManageAccount) panelCommand()      {}
func (HelpAndSupport) panelCommand()     {}
func (LearnMore) panelCommand()          {}
func (PrivacyPolicy) panelCommand()      {}
func (TermsAndConditions) panelCommand() {}
func (OpenURL) panelCommand()            {}

func (SetEnabledState) MessageType() MessageType    { return CmdSetEnabledState }
func (RemoveExemptTab) MessageType() MessageType    { return CmdRemoveExemptTab }
func (Authenticate) MessageType() MessageType       { return CmdAuthenticate }
func (GoBack) MessageType() MessageType             { return CmdGoBack }
func (ManageAccount) MessageType() MessageType      { return CmdManageAccount }
func (HelpAndSupport) MessageType() MessageType     { return CmdHelpAndSupport }
func (LearnMore) MessageType() MessageType          { return CmdLearnMore }
func (PrivacyPolicy) MessageType() MessageType      { return CmdPrivacyPolicy }
func (TermsAndConditions) MessageType() MessageType { return CmdTermsAndConditions }
func (OpenURL) MessageType() MessageType            { return CmdOpenURL }

type panelFrame struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type enabledStateData struct {
	EnabledState bool `json:"enabledState"`
}

type openURLData struct {
	URL string `json:"url"`
}

// DecodePanel parses a panel frame.
func DecodePanel(data []byte) (PanelCommand, error) {
	var f panelFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode panel frame: %w", err)
	}

	switch f.Type {
	case CmdSetEnabledState:
		var d enabledStateData
		if err := unmarshalData(f.Data, &d); err != nil {
			return nil, err
		}
		return SetEnabledState{Enabled: d.EnabledState}, nil
	case CmdRemoveExemptTab:
		return RemoveExemptTab{}, nil
	case CmdAuthenticate:
		return Authenticate{}, nil
	case CmdGoBack:
		return GoBack{}, nil
	case CmdManageAccount:
		return ManageAccount{}, nil
	case CmdHelpAndSupport:
		return HelpAndSupport{}, nil
	case CmdLearnMore:
		return LearnMore{}, nil
	case CmdPrivacyPolicy:
		return PrivacyPolicy{}, nil
	case CmdTermsAndConditions:
		return TermsAndConditions{}, nil
	case CmdOpenURL:
		var d openURLData
		if err := unmarshalData(f.Data, &d); err != nil {
			return nil, err
		}
		if d.URL == "" {
			return nil, fmt.Errorf("openUrl: missing url")
		}
		return OpenURL{URL: d.URL}, nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownType, f.Type)
}

// EncodePanel builds the wire form of a panel command.
func EncodePanel(cmd PanelCommand) ([]byte, error) {
	f := panelFrame{Type: cmd.MessageType()}
	var data any
	switch c := cmd.(type) {
	case SetEnabledState:
		data = enabledStateData{EnabledState: c.Enabled}
	case OpenURL:
		data = openURLData{URL: c.URL}
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		f.Data = raw
	}
	return json.Marshal(f)
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
