// Package hostlink talks to the browser-side host shim over a WebSocket.
//
// The host forwards tab and proxy events to the daemon and executes browser
// calls (icons, prompts, tab queries, opening pages, controller requests) on
// its behalf. Calls are correlated by id; events carry no id.
package hostlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/perf"
	"github.com/brendandebeasi/tabproxy/pkg/router"
)

var (
	ErrNotConnected     = errors.New("host not connected")
	ErrAlreadyConnected = errors.New("host already connected")
	ErrTimeout          = errors.New("host request timed out")
	ErrClosed           = errors.New("host disconnected")
)

var (
	_ broadcast.Platform = (*Link)(nil)
	_ router.Controller  = (*Link)(nil)
	_ router.Opener      = (*Link)(nil)
)

const (
	writeWait    = 5 * time.Second
	pingInterval = 20 * time.Second
)

type reply struct {
	data json.RawMessage
	err  error
}

// Link is the daemon side of the host connection. At most one host is
// attached at a time.
type Link struct {
	dispatch func(router.Event) error
	logger   *log.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan reply
	nextID  uint64

	writeMu sync.Mutex
}

// New creates a Link that hands host events to dispatch.
func New(dispatch func(router.Event) error, logger *log.Logger) *Link {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Link{
		dispatch: dispatch,
		logger:   logger,
		pending:  make(map[uint64]chan reply),
	}
}

// Connected reports whether a host is attached.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Attach serves conn until it closes or ctx is done. Pending calls fail with
// ErrClosed when it returns.
func (l *Link) Attach(ctx context.Context, conn *websocket.Conn) error {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return ErrAlreadyConnected
	}
	l.conn = conn
	l.mu.Unlock()
	l.logger.Printf("hostlink: host attached from %s", conn.RemoteAddr())
	if err := l.dispatch(router.HostConnected{}); err != nil {
		l.logger.Printf("hostlink: dispatch host connected: %v", err)
	}

	done := make(chan struct{})
	defer close(done)
	go l.keepalive(ctx, conn, done)

	err := l.readLoop(conn)

	l.mu.Lock()
	l.conn = nil
	for id, ch := range l.pending {
		ch <- reply{err: ErrClosed}
		delete(l.pending, id)
	}
	l.mu.Unlock()
	_ = conn.Close()
	l.logger.Printf("hostlink: host detached: %v", err)
	return err
}

func (l *Link) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			// Unblocks readLoop.
			_ = conn.Close()
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (l *Link) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			l.logger.Printf("hostlink: bad frame: %v", err)
			continue
		}
		l.handle(env)
	}
}

func (l *Link) handle(env Envelope) {
	if env.Type == TypeReply {
		l.mu.Lock()
		ch, ok := l.pending[env.ID]
		delete(l.pending, env.ID)
		l.mu.Unlock()
		if !ok {
			l.logger.Printf("hostlink: reply for unknown request %d", env.ID)
			return
		}
		r := reply{data: env.Data}
		if env.Error != "" {
			r.err = errors.New(env.Error)
		}
		ch <- r
		return
	}

	ev, err := DecodeEvent(env)
	if err != nil {
		l.logger.Printf("hostlink: %v", err)
		return
	}
	if err := l.dispatch(ev); err != nil {
		l.logger.Printf("hostlink: dispatch %s: %v", env.Type, err)
	}
}

// call sends a request and waits for its reply. out may be nil.
func (l *Link) call(ctx context.Context, typ string, data, out any) error {
	defer perf.Start("host %s", typ).Stop()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}

	ch := make(chan reply, 1)
	l.mu.Lock()
	conn := l.conn
	if conn == nil {
		l.mu.Unlock()
		return ErrNotConnected
	}
	l.nextID++
	id := l.nextID
	l.pending[id] = ch
	l.mu.Unlock()

	l.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(Envelope{ID: id, Type: typ, Data: payload})
	l.writeMu.Unlock()
	if err != nil {
		l.forget(id)
		return fmt.Errorf("send %s: %w", typ, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("host %s: %w", typ, r.err)
		}
		if out != nil && len(r.data) > 0 {
			if err := json.Unmarshal(r.data, out); err != nil {
				return fmt.Errorf("decode %s reply: %w", typ, err)
			}
		}
		return nil
	case <-ctx.Done():
		l.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s: %w", typ, ErrTimeout)
		}
		return ctx.Err()
	}
}

func (l *Link) forget(id uint64) {
	l.mu.Lock()
	delete(l.pending, id)
	l.mu.Unlock()
}

// SetIcon implements broadcast.Platform.
func (l *Link) SetIcon(ctx context.Context, tabID int, path string) error {
	return l.call(ctx, TypeSetIcon, iconRequest{TabID: tabID, Path: path}, nil)
}

// SetTitle implements broadcast.Platform.
func (l *Link) SetTitle(ctx context.Context, tabID int, title *string) error {
	return l.call(ctx, TypeSetTitle, titleRequest{TabID: tabID, Title: title}, nil)
}

// ShowPrompt implements broadcast.Platform.
func (l *Link) ShowPrompt(ctx context.Context, text string, warning bool) error {
	return l.call(ctx, TypeShowPrompt, promptRequest{Text: text, Warning: warning}, nil)
}

// ActiveTab implements broadcast.Platform. A null reply or tab id 0 means
// there is no active tab.
func (l *Link) ActiveTab(ctx context.Context) (int, bool, error) {
	var r activeTabReply
	if err := l.call(ctx, TypeActiveTab, struct{}{}, &r); err != nil {
		return 0, false, err
	}
	return r.TabID, r.TabID > 0, nil
}

// OpenURL implements router.Opener.
func (l *Link) OpenURL(ctx context.Context, url string) error {
	return l.call(ctx, TypeOpenURL, openURLRequest{URL: url}, nil)
}

// PanelShown implements router.Controller.
func (l *Link) PanelShown(ctx context.Context) error {
	return l.call(ctx, TypeController, controllerRequest{Name: CallPanelShown}, nil)
}

// EnableProxy implements router.Controller.
func (l *Link) EnableProxy(ctx context.Context, enabled bool) error {
	return l.call(ctx, TypeController, controllerRequest{Name: CallEnableProxy, EnabledState: &enabled}, nil)
}

// AuthenticationRequired implements router.Controller.
func (l *Link) AuthenticationRequired(ctx context.Context) error {
	return l.call(ctx, TypeController, controllerRequest{Name: CallAuthenticationRequired}, nil)
}

// ManagerAccountURL implements router.Controller.
func (l *Link) ManagerAccountURL(ctx context.Context) (string, error) {
	var u string
	if err := l.call(ctx, TypeController, controllerRequest{Name: CallManagerAccountURL}, &u); err != nil {
		return "", err
	}
	if u == "" {
		return "", errors.New("host returned no account url")
	}
	return u, nil
}
