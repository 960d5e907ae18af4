// Package bridge exposes the daemon over loopback WebSockets: one socket
// for the browser host, one per tab for content agents, and one for the
// control panel.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/brendandebeasi/tabproxy/pkg/broadcast"
	"github.com/brendandebeasi/tabproxy/pkg/endpoint"
	"github.com/brendandebeasi/tabproxy/pkg/exemption"
	"github.com/brendandebeasi/tabproxy/pkg/hostlink"
	"github.com/brendandebeasi/tabproxy/pkg/protocol"
	"github.com/brendandebeasi/tabproxy/pkg/router"
)

const (
	writeWait      = 5 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// Dispatcher accepts router events. *router.Router implements it.
type Dispatcher interface {
	Dispatch(ev router.Event) error
}

// Config configures a Server.
type Config struct {
	Host  string
	Port  int
	Token string
	// SendBuffer is the per-endpoint outbox size.
	SendBuffer int

	Exemptions  *exemption.Registry
	Endpoints   *endpoint.Registry
	Broadcaster *broadcast.Broadcaster

	Logger *log.Logger
}

// Server owns the HTTP listener and every live socket.
type Server struct {
	cfg        Config
	link       *hostlink.Link
	dispatch   Dispatcher
	logger     *log.Logger
	upgrader   websocket.Upgrader
	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewServer creates a Server. link serves the host socket; socket traffic
// from content agents and the panel goes to d.
func NewServer(cfg Config, link *hostlink.Link, d Dispatcher) *Server {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 32
	}
	s := &Server{
		cfg:      cfg,
		link:     link,
		dispatch: d,
		logger:   cfg.Logger,
		clients:  make(map[*websocket.Conn]struct{}),
	}
	if s.logger == nil {
		s.logger = log.New(io.Discard, "", 0)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/connect", s.handleConnect)
	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/status", s.handleStatus)
		r.Get("/ws/host", s.handleHost)
		r.Get("/ws/content", s.handleContent)
		r.Get("/ws/panel", s.handlePanel)
	})
	return r
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("bridge: http server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every open socket.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.clients {
		_ = conn.Close()
	}
	s.mu.Unlock()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) addClient(conn *websocket.Conn) {
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	if s.link.Connected() {
		http.Error(w, "host already connected", http.StatusConflict)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("bridge: host upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	s.addClient(conn)
	defer s.removeClient(conn)

	if err := s.link.Attach(s.ctx, conn); err != nil {
		if errors.Is(err, hostlink.ErrAlreadyConnected) {
			closeWith(conn, websocket.ClosePolicyViolation, "host already connected")
			return
		}
		s.logger.Printf("bridge: host link closed: %v", err)
	}
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	tabID, err := strconv.Atoi(r.URL.Query().Get("tab"))
	if err != nil || tabID <= 0 {
		http.Error(w, "invalid tab", http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("bridge: content upgrade failed: %v", err)
		return
	}

	ep := endpoint.NewQueue(endpoint.KindContent, tabID, s.cfg.SendBuffer)
	s.serve(conn, ep,
		router.ContentConnected{Endpoint: ep},
		router.ContentDisconnected{Endpoint: ep},
		func(data []byte) (router.Event, error) {
			msg, err := protocol.DecodeContent(data)
			if err != nil {
				return nil, err
			}
			return router.ContentMessage{Endpoint: ep, Message: msg}, nil
		})
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("bridge: panel upgrade failed: %v", err)
		return
	}

	ep := endpoint.NewQueue(endpoint.KindPanel, 0, s.cfg.SendBuffer)
	s.serve(conn, ep,
		router.PanelConnected{Endpoint: ep},
		router.PanelDisconnected{Endpoint: ep},
		func(data []byte) (router.Event, error) {
			cmd, err := protocol.DecodePanel(data)
			if err != nil {
				return nil, err
			}
			return router.PanelCommand{Command: cmd}, nil
		})
}

// serve runs one endpoint socket: the connect event, a writer draining the
// outbox, a reader decoding frames, and the disconnect event on exit.
func (s *Server) serve(conn *websocket.Conn, ep *endpoint.Queue, onConnect, onDisconnect router.Event, decode func([]byte) (router.Event, error)) {
	conn.SetReadLimit(maxMessageSize)
	s.addClient(conn)
	defer s.removeClient(conn)

	if err := s.dispatch.Dispatch(onConnect); err != nil {
		s.logger.Printf("bridge: %s connect: %v", ep.Kind(), err)
		ep.Close()
		closeWith(conn, websocket.CloseGoingAway, "shutting down")
		return
	}

	writerDone := make(chan struct{})
	go s.writePump(conn, ep, writerDone)

	s.readLoop(conn, ep, decode)

	if err := s.dispatch.Dispatch(onDisconnect); err != nil {
		s.logger.Printf("bridge: %s disconnect: %v", ep.Kind(), err)
	}
	ep.Close()
	<-writerDone
	_ = conn.Close()
}

func (s *Server) readLoop(conn *websocket.Conn, ep *endpoint.Queue, decode func([]byte) (router.Event, error)) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		ev, err := decode(data)
		if err != nil {
			s.logger.Printf("bridge: %s %s: %v", ep.Kind(), ep.ID(), err)
			continue
		}
		if err := s.dispatch.Dispatch(ev); err != nil {
			s.logger.Printf("bridge: dispatch: %v", err)
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, ep *endpoint.Queue, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ep.Messages():
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				// Unblocks the reader; the disconnect path does the rest.
				_ = conn.Close()
				drain(ep)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				drain(ep)
				return
			}
		}
	}
}

// drain discards outbox messages until the endpoint is closed.
func drain(ep *endpoint.Queue) {
	for range ep.Messages() {
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}

type statusResponse struct {
	HostConnected bool              `json:"hostConnected"`
	ProxyState    string            `json:"proxyState"`
	ContentCount  int               `json:"contentEndpoints"`
	PanelOpen     bool              `json:"panelOpen"`
	Exemptions    []exemption.Entry `json:"exemptions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{HostConnected: s.link.Connected()}
	if s.cfg.Broadcaster != nil {
		resp.ProxyState = string(s.cfg.Broadcaster.ProxyState())
	}
	if s.cfg.Endpoints != nil {
		resp.ContentCount = s.cfg.Endpoints.ContentCount()
		_, resp.PanelOpen = s.cfg.Endpoints.Panel()
	}
	if s.cfg.Exemptions != nil {
		resp.Exemptions = s.cfg.Exemptions.Snapshot()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
