package websocket

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DialOption configures Dial.
type DialOption func(*dialConfig)

type dialConfig struct {
	client     *http.Client
	headers    http.Header
	maxMessage int
}

// WithDialHTTPClient supplies a custom http.Client for the handshake
// request. Do not set a request timeout on it: that would cut off the
// long-lived connection, not just the handshake. Use the ctx passed to
// Dial for handshake deadlines instead.
func WithDialHTTPClient(hc *http.Client) DialOption {
	return func(c *dialConfig) { c.client = hc }
}

// WithDialHeader adds a single HTTP header to the handshake request.
func WithDialHeader(key, value string) DialOption {
	return func(c *dialConfig) { c.headers.Add(key, value) }
}

// WithDialMaxMessage overrides the reassembled-message size cap.
func WithDialMaxMessage(n int) DialOption {
	return func(c *dialConfig) { c.maxMessage = n }
}

// Dial performs the client side of the WebSocket opening handshake
// (RFC 6455 Section 4.1) against a ws:// or wss:// URL and returns a
// ready-to-use client Conn.
//
// This is the symmetric counterpart to Upgrade: Dial sends the request
// Upgrade validates, and validates the response Upgrade's 101 reply
// produces, including recomputing the expected Sec-WebSocket-Accept
// value from the nonce it generated.
func Dial(ctx context.Context, wsURL string, opts ...DialOption) (*Conn, error) {
	cfg := &dialConfig{headers: http.Header{}}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.client == nil {
		cfg.client = http.DefaultClient
	}

	nonce, err := generateNonce(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("websocket: generate handshake nonce: %w", err)
	}

	req, err := buildHandshakeRequest(ctx, wsURL, nonce, cfg.headers)
	if err != nil {
		return nil, err
	}

	resp, err := cfg.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("websocket: handshake request: %w", err)
	}
	if err := checkHandshakeResponse(resp, nonce); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, fmt.Errorf("websocket: handshake response body type %T is not io.ReadWriteCloser", resp.Body)
	}

	reader := bufio.NewReader(rwc)
	writer := bufio.NewWriter(rwc)

	conn := newConn(ctx, connFromReadWriteCloser{rwc}, reader, writer, false, cfg.maxMessage)
	return conn, nil
}

// generateNonce produces the random, Base64-encoded Sec-WebSocket-Key
// value RFC 6455 Section 4.1 requires to be unique per connection.
func generateNonce(r io.Reader) (string, error) {
	b := make([]byte, 16)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func buildHandshakeRequest(ctx context.Context, wsURL, nonce string, extra http.Header) (*http.Request, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse URL: %w", err)
	}

	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("websocket: unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("websocket: build handshake request: %w", err)
	}

	req.Header = extra.Clone()
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", nonce)
	req.Header.Set("Sec-WebSocket-Version", "13")

	return req, nil
}

func checkHandshakeResponse(resp *http.Response, nonce string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("websocket: handshake status %d, want 101 (%s)", resp.StatusCode, body)
	}
	if err := checkHeaderEquals(resp.Header, "Upgrade", "websocket"); err != nil {
		return err
	}
	if err := checkHeaderEquals(resp.Header, "Connection", "Upgrade"); err != nil {
		return err
	}
	want := computeAcceptKey(nonce)
	return checkHeaderEquals(resp.Header, "Sec-WebSocket-Accept", want)
}

func checkHeaderEquals(h http.Header, key, want string) error {
	if got := h.Get(key); !strings.EqualFold(got, want) {
		return fmt.Errorf("websocket: handshake response header %q = %q, want %q", key, got, want)
	}
	return nil
}

// connFromReadWriteCloser adapts the hijacked HTTP response body (an
// io.ReadWriteCloser once the 101 response has been sent) to net.Conn,
// the interface Conn expects on both sides of the handshake; NewStream
// wraps it as a Stream. Its address methods return a stub and its
// deadline methods do nothing.
type connFromReadWriteCloser struct {
	io.ReadWriteCloser
}

func (connFromReadWriteCloser) LocalAddr() net.Addr              { return localAddrStub{} }
func (connFromReadWriteCloser) RemoteAddr() net.Addr             { return localAddrStub{} }
func (connFromReadWriteCloser) SetDeadline(time.Time) error      { return nil }
func (connFromReadWriteCloser) SetReadDeadline(time.Time) error  { return nil }
func (connFromReadWriteCloser) SetWriteDeadline(time.Time) error { return nil }

type localAddrStub struct{}

func (localAddrStub) Network() string { return "" }
func (localAddrStub) String() string  { return "" }
