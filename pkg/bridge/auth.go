package bridge

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/skip2/go-qrcode"
)

// TokenHeader carries the pairing token for clients that can set headers.
const TokenHeader = "X-Tabproxy-Token"

// ErrNoToken is returned by ReadToken when the token file is empty.
var ErrNoToken = errors.New("no bridge token")

// ReadToken reads an existing pairing token without creating one.
func ReadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// LoadOrGenerateToken reads the pairing token at path, creating one if the
// file is missing or empty.
func LoadOrGenerateToken(path string) (string, error) {
	if token, err := ReadToken(path); err == nil {
		return token, nil
	}
	return RegenerateToken(path)
}

// RegenerateToken writes a fresh token to path.
func RegenerateToken(path string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		return "", err
	}
	return token, nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *Server) validToken(r *http.Request) bool {
	token := r.Header.Get(TokenHeader)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) == 1
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLoopbackRequest(r) || !s.validHost(r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if !s.validToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !isLoopbackRequest(r) || !s.validHost(r.Host) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	wsURL := fmt.Sprintf("ws://%s/ws/host?token=%s", r.Host, url.QueryEscape(s.cfg.Token))
	png, err := qrcode.Encode(wsURL, qrcode.Medium, 256)
	if err != nil {
		http.Error(w, "failed to generate qr code", http.StatusInternalServerError)
		return
	}

	page := connectPage{
		QR:  template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png)),
		URL: wsURL,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := connectTmpl.Execute(w, page); err != nil {
		s.logger.Printf("bridge: connect page: %v", err)
	}
}

// validHost rejects requests addressed to any name other than loopback, so a
// page on a rebound DNS name cannot reach the bridge as same-origin.
func (s *Server) validHost(hostport string) bool {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		host, port = hostport, ""
	}
	if !isLoopbackName(host) {
		return false
	}
	want := s.cfg.Port
	if want == 0 {
		if addr, ok := s.Addr().(*net.TCPAddr); ok {
			want = addr.Port
		}
	}
	return want == 0 || port == strconv.Itoa(want)
}

func isLoopbackName(host string) bool {
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}

// checkOrigin admits extension pages, loopback pages and clients that send
// no Origin at all.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch originURL.Scheme {
	case "moz-extension", "chrome-extension":
		return true
	}
	return isLoopbackName(originURL.Hostname())
}

type connectPage struct {
	QR  template.URL
	URL string
}

var connectTmpl = template.Must(template.New("connect").Parse(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
    <title>tabproxy pairing</title>
    <style>
      body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; margin: 32px; }
      .container { max-width: 640px; margin: 0 auto; }
      .qr { width: 256px; height: 256px; border: 1px solid #ddd; padding: 8px; }
      code { display: block; margin-top: 12px; padding: 12px; background: #f6f6f6; border-radius: 8px; word-break: break-all; }
    </style>
  </head>
  <body>
    <div class="container">
      <h1>Pair the browser extension</h1>
      <p>Paste this address into the extension's connection settings, or scan it.</p>
      <p><strong>Local only.</strong> The daemon only accepts loopback connections.</p>
      <img class="qr" src="{{.QR}}" alt="QR code" />
      <code>{{.URL}}</code>
    </div>
  </body>
</html>
`))
