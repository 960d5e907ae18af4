package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/brendandebeasi/tabproxy/pkg/bridge"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
)

const writeWait = 5 * time.Second

// session is one panel connection to the daemon.
type session interface {
	Send(cmd protocol.PanelCommand) error
	Next() (protocol.PanelSnapshot, error)
	Close() error
}

// wsSession speaks the panel protocol over /ws/panel.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func panelURL(host string, port int) string {
	u := url.URL{
		Scheme: "ws",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/ws/panel",
	}
	return u.String()
}

func dialPanel(ctx context.Context, addr, token string) (*wsSession, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, addr, http.Header{bridge.TokenHeader: {token}})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s", addr, resp.Status)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &wsSession{conn: conn}, nil
}

func (s *wsSession) Send(cmd protocol.PanelCommand) error {
	data, err := protocol.EncodePanel(cmd)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Next blocks until the daemon pushes a snapshot.
func (s *wsSession) Next() (protocol.PanelSnapshot, error) {
	var snap protocol.PanelSnapshot
	err := s.conn.ReadJSON(&snap)
	return snap, err
}

func (s *wsSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return s.conn.Close()
}
