package openhab

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sse "github.com/tmaxmax/go-sse"
)

// Group item updates can be large
const maxEventSize = 1 << 20

// Transport opens the streaming connection to the hub
type Transport interface {
	// Open returns once the stream is established. ctx bounds the whole
	// connection, not just the handshake.
	Open(ctx context.Context) (Conn, error)
	Name() string
}

// Conn is one open stream
type Conn interface {
	// Next blocks until the next frame arrives and returns its JSON body
	Next() ([]byte, error)
	Close() error
}

// NewTransport picks the transport named in the client config
func NewTransport(c *Client) Transport {
	if strings.EqualFold(c.cfg.Transport, "websocket") || strings.EqualFold(c.cfg.Transport, "ws") {
		return NewWebSocketTransport(c)
	}
	return NewSSETransport(c)
}

type sseTransport struct {
	client *Client
}

// NewSSETransport reads server-sent events from /rest/events
func NewSSETransport(c *Client) Transport {
	return &sseTransport{client: c}
}

func (t *sseTransport) Name() string { return "sse" }

func (t *sseTransport) Open(ctx context.Context) (Conn, error) {
	path := eventsPath
	if topics := t.client.cfg.Topics; topics != "" {
		path += "?topics=" + url.QueryEscape(topics)
	}
	req, err := t.client.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := t.client.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return newSSEConn(resp.Body), nil
}

// sseConn parses the event stream on its own goroutine and hands event data
// to Next. Events without data are skipped.
type sseConn struct {
	body   io.ReadCloser
	events chan sseResult
	done   chan struct{}
	once   sync.Once
}

type sseResult struct {
	data []byte
	err  error
}

var errStreamClosed = errors.New("event stream closed")

func newSSEConn(body io.ReadCloser) *sseConn {
	c := &sseConn{
		body:   body,
		events: make(chan sseResult),
		done:   make(chan struct{}),
	}
	go c.read()
	return c
}

func (c *sseConn) read() {
	defer close(c.events)
	for ev, err := range sse.Read(c.body, &sse.ReadConfig{MaxEventSize: maxEventSize}) {
		if err != nil {
			c.deliver(sseResult{err: err})
			return
		}
		if ev.Data == "" {
			continue
		}
		if !c.deliver(sseResult{data: []byte(ev.Data)}) {
			return
		}
	}
}

func (c *sseConn) deliver(r sseResult) bool {
	select {
	case c.events <- r:
		return true
	case <-c.done:
		return false
	}
}

func (c *sseConn) Next() ([]byte, error) {
	select {
	case r, ok := <-c.events:
		if !ok {
			return nil, fmt.Errorf("event stream closed by hub: %w", io.EOF)
		}
		return r.data, r.err
	case <-c.done:
		return nil, errStreamClosed
	}
}

func (c *sseConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.body.Close()
	})
	return err
}

type wsTransport struct {
	client    *Client
	dialer    *websocket.Dialer
	heartbeat time.Duration
}

// NewWebSocketTransport subscribes to the /ws endpoint of openHAB 3.4+
func NewWebSocketTransport(c *Client) Transport {
	return &wsTransport{
		client: c,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: c.cfg.RequestTimeout,
			TLSClientConfig:  c.cfg.tlsConfig(),
		},
		heartbeat: 5 * time.Second,
	}
}

func (t *wsTransport) Name() string { return "websocket" }

type wsEvent struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
	Source  string `json:"source"`
}

func (t *wsTransport) url() string {
	base := t.client.base + wsPath
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}

func (t *wsTransport) Open(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if cfg := t.client.cfg; cfg.Username != "" || cfg.Password != "" {
		creds := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		header.Set("Authorization", "Basic "+creds)
	}

	ws, resp, err := t.dialer.DialContext(ctx, t.url(), header)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
		}
		return nil, err
	}

	c := &wsConn{ws: ws, done: make(chan struct{})}
	if t.heartbeat > 0 {
		go c.keepAlive(t.heartbeat)
	}
	return c, nil
}

type wsConn struct {
	ws   *websocket.Conn
	done chan struct{}
	once sync.Once
}

func (c *wsConn) keepAlive(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ping := wsEvent{
				Type:    "WebSocketEvent",
				Topic:   "openhab/websocket/heartbeat",
				Payload: "PING",
				Source:  "ohbridge",
			}
			if err := c.ws.WriteJSON(ping); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) Next() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
