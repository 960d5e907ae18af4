package hostlink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/brendandebeasi/tabproxy/pkg/profile"
	"github.com/brendandebeasi/tabproxy/pkg/proxystate"
	"github.com/brendandebeasi/tabproxy/pkg/router"
)

type testHost struct {
	link     *Link
	client   *websocket.Conn
	events   chan router.Event
	attached chan error
}

func startHost(t *testing.T) *testHost {
	t.Helper()
	h := &testHost{
		events:   make(chan router.Event, 16),
		attached: make(chan error, 4),
	}
	h.link = New(func(ev router.Event) error {
		h.events <- ev
		return nil
	}, nil)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.attached <- h.link.Attach(context.Background(), conn)
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	h.client = client

	require.Eventually(t, h.link.Connected, time.Second, 5*time.Millisecond)
	return h
}

// answer replies to every request with respond's result until the
// connection closes. Requests are forwarded on the returned channel.
func (h *testHost) answer(respond func(Envelope) Envelope) <-chan Envelope {
	seen := make(chan Envelope, 32)
	go func() {
		for {
			var req Envelope
			if err := h.client.ReadJSON(&req); err != nil {
				return
			}
			seen <- req
			resp := respond(req)
			resp.ID = req.ID
			resp.Type = TypeReply
			if err := h.client.WriteJSON(resp); err != nil {
				return
			}
		}
	}()
	return seen
}

func ok(Envelope) Envelope { return Envelope{} }

func callCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestPlatformCallsReachHost(t *testing.T) {
	h := startHost(t)
	seen := h.answer(ok)
	ctx := callCtx(t)

	require.NoError(t, h.link.SetIcon(ctx, 7, "/img/badge_warning.svg"))
	req := <-seen
	require.Equal(t, TypeSetIcon, req.Type)
	require.JSONEq(t, `{"tabId":7,"path":"/img/badge_warning.svg"}`, string(req.Data))

	require.NoError(t, h.link.SetIcon(ctx, 0, "/img/badge_on.svg"))
	req = <-seen
	require.JSONEq(t, `{"path":"/img/badge_on.svg"}`, string(req.Data))

	require.NoError(t, h.link.SetTitle(ctx, 7, nil))
	req = <-seen
	require.Equal(t, TypeSetTitle, req.Type)
	require.JSONEq(t, `{"tabId":7,"title":null}`, string(req.Data))

	require.NoError(t, h.link.ShowPrompt(ctx, "Proxy is on", false))
	req = <-seen
	require.Equal(t, TypeShowPrompt, req.Type)
	require.JSONEq(t, `{"text":"Proxy is on","warning":false}`, string(req.Data))

	require.NoError(t, h.link.OpenURL(ctx, "https://example.com"))
	req = <-seen
	require.Equal(t, TypeOpenURL, req.Type)
	require.JSONEq(t, `{"url":"https://example.com"}`, string(req.Data))
}

func TestControllerCalls(t *testing.T) {
	h := startHost(t)
	seen := h.answer(func(req Envelope) Envelope {
		var c controllerRequest
		_ = json.Unmarshal(req.Data, &c)
		if c.Name == CallManagerAccountURL {
			return Envelope{Data: json.RawMessage(`"https://accounts.example.com"`)}
		}
		return Envelope{}
	})
	ctx := callCtx(t)

	require.NoError(t, h.link.PanelShown(ctx))
	require.JSONEq(t, `{"name":"panelShown"}`, string((<-seen).Data))

	require.NoError(t, h.link.EnableProxy(ctx, false))
	require.JSONEq(t, `{"name":"enableProxy","enabledState":false}`, string((<-seen).Data))

	require.NoError(t, h.link.AuthenticationRequired(ctx))
	require.JSONEq(t, `{"name":"authenticationRequired"}`, string((<-seen).Data))

	u, err := h.link.ManagerAccountURL(ctx)
	require.NoError(t, err)
	require.Equal(t, "https://accounts.example.com", u)
}

func TestActiveTab(t *testing.T) {
	h := startHost(t)
	replies := make(chan string, 2)
	replies <- `{"tabId":12}`
	replies <- `null`
	h.answer(func(Envelope) Envelope {
		return Envelope{Data: json.RawMessage(<-replies)}
	})
	ctx := callCtx(t)

	tabID, found, err := h.link.ActiveTab(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 12, tabID)

	_, found, err = h.link.ActiveTab(ctx)
	require.NoError(t, err)
	require.False(t, found)
}

func TestHostErrorReply(t *testing.T) {
	h := startHost(t)
	h.answer(func(Envelope) Envelope { return Envelope{Error: "no such tab"} })

	err := h.link.SetIcon(callCtx(t), 99, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no such tab")
}

func TestCallWithoutHost(t *testing.T) {
	link := New(func(router.Event) error { return nil }, nil)
	require.ErrorIs(t, link.SetIcon(context.Background(), 1, ""), ErrNotConnected)
	require.False(t, link.Connected())
}

func TestCallTimeout(t *testing.T) {
	h := startHost(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, h.link.ShowPrompt(ctx, "hello", false), ErrTimeout)
}

func TestDisconnectFailsPendingCalls(t *testing.T) {
	h := startHost(t)
	ctx := callCtx(t)
	errs := make(chan error, 1)
	go func() { errs <- h.link.OpenURL(ctx, "https://example.com") }()

	// Wait for the request to hit the wire, then hang up without replying.
	var req Envelope
	require.NoError(t, h.client.ReadJSON(&req))
	require.NoError(t, h.client.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail")
	}
	require.Eventually(t, func() bool { return !h.link.Connected() }, time.Second, 5*time.Millisecond)
}

func TestSecondHostRejected(t *testing.T) {
	h := startHost(t)
	require.ErrorIs(t, h.link.Attach(context.Background(), nil), ErrAlreadyConnected)
}

func TestHostEventsAreDispatched(t *testing.T) {
	h := startHost(t)

	frames := []string{
		`{"type":"tabClosed","data":{"tabId":4}}`,
		`not json`,
		`{"type":"mystery"}`,
		`{"type":"tabActivated","data":{"tabId":5}}`,
		`{"type":"proxyStateChanged","data":{"state":"active"}}`,
	}
	for _, f := range frames {
		require.NoError(t, h.client.WriteMessage(websocket.TextMessage, []byte(f)))
	}

	want := []router.Event{
		router.HostConnected{},
		router.TabClosed{TabID: 4},
		router.TabActivated{TabID: 5},
		router.ProxyStateChanged{State: proxystate.Active},
	}
	for _, w := range want {
		select {
		case got := <-h.events:
			require.Equal(t, w, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing event %#v", w)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		want    router.Event
		wantErr bool
	}{
		{name: "updated", env: Envelope{Type: TypeTabUpdated, Data: json.RawMessage(`{"tabId":3}`)}, want: router.TabUpdated{TabID: 3}},
		{name: "zero tab", env: Envelope{Type: TypeTabClosed, Data: json.RawMessage(`{"tabId":0}`)}, wantErr: true},
		{name: "missing data", env: Envelope{Type: TypeTabClosed}, wantErr: true},
		{name: "state", env: Envelope{Type: TypeProxyStateChanged, Data: json.RawMessage(`{"state":"otherInUse"}`)}, want: router.ProxyStateChanged{State: proxystate.OtherInUse}},
		{name: "no state", env: Envelope{Type: TypeProxyStateChanged, Data: json.RawMessage(`{}`)}, wantErr: true},
		{name: "null state", env: Envelope{Type: TypeProxyStateChanged, Data: json.RawMessage(`{"state":null}`)}, wantErr: true},
		{name: "unknown state", env: Envelope{Type: TypeProxyStateChanged, Data: json.RawMessage(`{"state":"sideways"}`)}, wantErr: true},
		{
			name: "profile",
			env:  Envelope{Type: TypeProfileChanged, Data: json.RawMessage(`{"email":"a@example.com","uid":"u1"}`)},
			want: router.ProfileChanged{Profile: profile.Profile{Email: "a@example.com", UID: "u1"}},
		},
		{name: "signed out", env: Envelope{Type: TypeProfileChanged}, want: router.ProfileChanged{}},
		{name: "bad profile", env: Envelope{Type: TypeProfileChanged, Data: json.RawMessage(`[1]`)}, wantErr: true},
		{name: "unknown type", env: Envelope{Type: "reload"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeEvent(tt.env)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
