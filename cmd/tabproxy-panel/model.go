package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/brendandebeasi/tabproxy/pkg/colors"
	"github.com/brendandebeasi/tabproxy/pkg/i18n"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
)

const retryDelay = 2 * time.Second

type keyMap struct {
	Up     key.Binding
	Down   key.Binding
	Select key.Binding
	Toggle key.Binding
	Back   key.Binding
	Help   key.Binding
	Quit   key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Select, k.Toggle, k.Help, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Select},
		{k.Toggle, k.Back},
		{k.Help, k.Quit},
	}
}

var keys = keyMap{
	Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Select: key.NewBinding(key.WithKeys("enter", " "), key.WithHelp("enter", "select")),
	Toggle: key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "toggle proxy")),
	Back:   key.NewBinding(key.WithKeys("esc", "b"), key.WithHelp("esc", "back")),
	Help:   key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more keys")),
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

type styles struct {
	title    lipgloss.Style
	muted    lipgloss.Style
	selected lipgloss.Style
	item     lipgloss.Style
	on       lipgloss.Style
	off      lipgloss.Style
	warn     lipgloss.Style
}

func newStyles(p colors.Palette) styles {
	return styles{
		title:    lipgloss.NewStyle().Bold(true),
		muted:    lipgloss.NewStyle().Foreground(lipgloss.Color(p.Muted)),
		selected: lipgloss.NewStyle().Foreground(lipgloss.Color(p.ActiveFg)).Background(lipgloss.Color(p.ActiveBg)).Bold(true),
		item:     lipgloss.NewStyle(),
		on:       lipgloss.NewStyle().Foreground(lipgloss.Color(p.On)).Bold(true),
		off:      lipgloss.NewStyle().Foreground(lipgloss.Color(p.Off)).Bold(true),
		warn:     lipgloss.NewStyle().Foreground(lipgloss.Color(p.Warn)),
	}
}

// Messages
type connectedMsg struct{ sess session }

type connectFailedMsg struct{ err error }

type snapshotMsg struct{ snap protocol.PanelSnapshot }

// closedMsg reports that sess failed; it is ignored once sess is replaced.
type closedMsg struct {
	sess session
	err  error
}

type retryMsg struct{}

type action struct {
	label string
	cmd   protocol.PanelCommand
}

// panelModel renders the daemon's panel snapshot and sends commands back.
type panelModel struct {
	connect func() (session, error)
	tr      i18n.Translator
	styles  styles
	help    help.Model
	spinner spinner.Model

	sess     session
	snap     protocol.PanelSnapshot
	haveSnap bool
	cursor   int
	width    int
	height   int
	lastErr  error
}

func newModel(connect func() (session, error), tr i18n.Translator, st styles) panelModel {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(st.muted))
	return panelModel{
		connect: connect,
		tr:      tr,
		styles:  st,
		help:    help.New(),
		spinner: sp,
	}
}

func (m panelModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.connectCmd())
}

func (m panelModel) connectCmd() tea.Cmd {
	connect := m.connect
	return func() tea.Msg {
		s, err := connect()
		if err != nil {
			return connectFailedMsg{err: err}
		}
		return connectedMsg{sess: s}
	}
}

func waitForSnapshot(s session) tea.Cmd {
	return func() tea.Msg {
		snap, err := s.Next()
		if err != nil {
			return closedMsg{sess: s, err: err}
		}
		return snapshotMsg{snap: snap}
	}
}

func retryCmd() tea.Cmd {
	return tea.Tick(retryDelay, func(time.Time) tea.Msg { return retryMsg{} })
}

func (m panelModel) sendCmd(cmd protocol.PanelCommand) tea.Cmd {
	s := m.sess
	if s == nil {
		return nil
	}
	return func() tea.Msg {
		debugLog.Printf("send %s", cmd.MessageType())
		if err := s.Send(cmd); err != nil {
			return closedMsg{sess: s, err: err}
		}
		return nil
	}
}

func (m panelModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case connectedMsg:
		m.sess = msg.sess
		m.lastErr = nil
		debugLog.Printf("connected")
		return m, waitForSnapshot(msg.sess)

	case connectFailedMsg:
		m.lastErr = msg.err
		debugLog.Printf("connect failed: %v", msg.err)
		return m, retryCmd()

	case retryMsg:
		return m, m.connectCmd()

	case snapshotMsg:
		m.snap = msg.snap
		m.haveSnap = true
		m.clampCursor()
		return m, waitForSnapshot(m.sess)

	case closedMsg:
		if m.sess == nil || msg.sess != m.sess {
			return m, nil
		}
		_ = m.sess.Close()
		m.sess = nil
		m.haveSnap = false
		m.lastErr = msg.err
		debugLog.Printf("disconnected: %v", msg.err)
		return m, retryCmd()

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		if msg.Action != tea.MouseActionPress || msg.Button != tea.MouseButtonLeft || !m.haveSnap {
			return m, nil
		}
		row := msg.Y - m.actionsTop()
		acts := m.actions()
		if row < 0 || row >= len(acts) {
			return m, nil
		}
		m.cursor = row
		return m, m.sendCmd(acts[row].cmd)
	}
	return m, nil
}

func (m panelModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		if m.sess != nil {
			_ = m.sess.Close()
			m.sess = nil
		}
		return m, tea.Quit
	case key.Matches(msg, keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}

	if !m.haveSnap {
		return m, nil
	}
	switch {
	case key.Matches(msg, keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, keys.Down):
		if m.cursor < len(m.actions())-1 {
			m.cursor++
		}
	case key.Matches(msg, keys.Select):
		acts := m.actions()
		if m.cursor < len(acts) {
			return m, m.sendCmd(acts[m.cursor].cmd)
		}
	case key.Matches(msg, keys.Toggle):
		return m, m.sendCmd(protocol.SetEnabledState{Enabled: !proxyOn(m.snap.ProxyState)})
	case key.Matches(msg, keys.Back):
		return m, m.sendCmd(protocol.GoBack{})
	}
	return m, nil
}

func (m *panelModel) clampCursor() {
	if n := len(m.actions()); m.cursor >= n {
		m.cursor = max(0, n-1)
	}
}

// proxyOn reports whether toggling should turn the proxy off.
func proxyOn(s proxystate.State) bool {
	return s == proxystate.Active || s == proxystate.Connecting
}

// actions lists what the panel offers for the current snapshot, in display
// order.
func (m panelModel) actions() []action {
	var acts []action
	if proxyOn(m.snap.ProxyState) {
		acts = append(acts, action{m.tr.Message("actionTurnOff"), protocol.SetEnabledState{Enabled: false}})
	} else {
		acts = append(acts, action{m.tr.Message("actionTurnOn"), protocol.SetEnabledState{Enabled: true}})
	}
	if m.snap.Exempt {
		acts = append(acts, action{m.tr.Message("actionRemoveExemption"), protocol.RemoveExemptTab{}})
	}
	if m.snap.UserInfo.Empty() || m.snap.ProxyState == proxystate.ProxyAuthFailed {
		acts = append(acts, action{m.tr.Message("actionSignIn"), protocol.Authenticate{}})
	}
	if !m.snap.UserInfo.Empty() {
		acts = append(acts, action{m.tr.Message("actionManageAccount"), protocol.ManageAccount{}})
	}
	return append(acts,
		action{m.tr.Message("actionHelp"), protocol.HelpAndSupport{}},
		action{m.tr.Message("actionLearnMore"), protocol.LearnMore{}},
		action{m.tr.Message("actionPrivacy"), protocol.PrivacyPolicy{}},
		action{m.tr.Message("actionTerms"), protocol.TermsAndConditions{}},
	)
}

func (m panelModel) headerLines() []string {
	width := m.width
	if width <= 0 {
		width = 60
	}

	state := m.snap.ProxyState
	if state == "" {
		state = proxystate.Inactive
	}
	badge := m.styles.off
	switch proxystate.BadgeFor(state) {
	case proxystate.BadgeOn:
		badge = m.styles.on
	case proxystate.BadgeWarning:
		badge = m.styles.warn
	}
	stateKey := "state" + strings.ToUpper(string(state[:1])) + string(state[1:])
	lines := []string{
		m.styles.title.Render(m.tr.Message("panelTitle")) + "  " + badge.Render(m.tr.Message(stateKey)),
	}

	user := m.tr.Message("panelSignedOut")
	if u := m.snap.UserInfo; !u.Empty() {
		user = u.Email
		if u.DisplayName != "" {
			user = fmt.Sprintf("%s <%s>", u.DisplayName, u.Email)
		}
	}
	lines = append(lines, m.styles.muted.Render(runewidth.Truncate(user, width, "…")))

	if m.snap.Exempt {
		lines = append(lines, m.styles.warn.Render(runewidth.Truncate(m.tr.Message("panelExemptNotice"), width, "…")))
	}
	return lines
}

// actionsTop is the screen row of the first action.
func (m panelModel) actionsTop() int {
	return len(m.headerLines()) + 1
}

func (m panelModel) View() string {
	if !m.haveSnap {
		var b strings.Builder
		b.WriteString(m.spinner.View() + " " + m.tr.Message("panelWaiting") + "\n")
		if m.lastErr != nil {
			b.WriteString(m.styles.muted.Render(m.lastErr.Error()) + "\n")
		}
		b.WriteString("\n" + m.help.View(keys))
		return b.String()
	}

	var b strings.Builder
	for _, line := range m.headerLines() {
		b.WriteString(line + "\n")
	}
	b.WriteString("\n")
	for i, a := range m.actions() {
		if i == m.cursor {
			b.WriteString(m.styles.selected.Render("> "+a.label) + "\n")
			continue
		}
		b.WriteString(m.styles.item.Render("  "+a.label) + "\n")
	}
	b.WriteString("\n" + m.help.View(keys))
	return b.String()
}
