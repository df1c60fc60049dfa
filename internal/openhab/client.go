// Package openhab talks to an openHAB hub: the REST Command Sender and the
// long-lived event stream that feeds item events onto the bus.
package openhab

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"ohbridge/internal/logging"
	"ohbridge/internal/metrics"
	"ohbridge/internal/models"
)

const (
	itemsPath  = "/rest/items"
	eventsPath = "/rest/events"
	wsPath     = "/ws"
)

// Config describes one hub endpoint
type Config struct {
	Protocol         string        `mapstructure:"protocol"`
	Host             string        `mapstructure:"host"`
	Port             int           `mapstructure:"port"`
	Path             string        `mapstructure:"path"`
	Username         string        `mapstructure:"username"`
	Password         string        `mapstructure:"password"`
	CheckCertificate bool          `mapstructure:"check_certificate"`
	Transport        string        `mapstructure:"transport"` // sse or websocket
	Topics           string        `mapstructure:"topics"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	AllowRawEvents   bool          `mapstructure:"allow_raw_events"`
}

// BaseURL joins protocol, host, port and path without a trailing slash
func (c Config) BaseURL() string {
	protocol := c.Protocol
	if protocol == "" {
		protocol = "http"
	}
	host := c.Host
	if c.Port > 0 {
		host = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	path := strings.Trim(c.Path, "/")
	if path != "" {
		path = "/" + path
	}
	return fmt.Sprintf("%s://%s%s", protocol, host, path)
}

func (c Config) tlsConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: !c.CheckCertificate} //nolint:gosec // hubs commonly run self-signed
}

// Client is the Command Sender. It is safe for concurrent use.
type Client struct {
	cfg     Config
	base    string
	http    *http.Client
	stream  *http.Client // no overall timeout, used for long-lived event streams
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	items    []models.Item
	cachedAt time.Time
}

// NewClient builds a client for cfg. m may be nil.
func NewClient(cfg Config, logger *slog.Logger, m *metrics.Metrics) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = cfg.tlsConfig()

	return &Client{
		cfg:     cfg,
		base:    cfg.BaseURL(),
		http:    &http.Client{Transport: transport, Timeout: cfg.RequestTimeout},
		stream:  &http.Client{Transport: transport},
		logger:  logging.Component(logger, "commands"),
		metrics: m,
	}
}

func (c *Client) BaseURL() string { return c.base }

func (c *Client) Config() Config { return c.cfg }

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
	return req, nil
}

func itemPath(name string) string {
	return itemsPath + "/" + url.PathEscape(name)
}

// SendCommand replaces the state of item (Update) or issues a command to it
// (Command). Any non-2xx answer is a *CommandError.
func (c *Client) SendCommand(ctx context.Context, item string, kind models.CommandKind, payload string) (err error) {
	defer func() { c.metrics.Command(string(kind), err) }()

	var method, path string
	switch kind {
	case models.Update:
		method, path = http.MethodPut, itemPath(item)+"/state"
	case models.Command:
		method, path = http.MethodPost, itemPath(item)
	default:
		return &CommandError{Op: "send", Item: item, Err: fmt.Errorf("unknown command kind %q", kind)}
	}

	req, err := c.newRequest(ctx, method, path, strings.NewReader(payload))
	if err != nil {
		return &CommandError{Op: "send", Item: item, Err: err}
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return &CommandError{Op: "send", Item: item, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CommandError{Op: "send", Item: item, Status: resp.StatusCode}
	}
	c.logger.Debug("sent", "item", item, "kind", kind, "payload", payload)
	return nil
}

// GetItem fetches the current definition and state of one item
func (c *Client) GetItem(ctx context.Context, name string) (models.Item, error) {
	var item models.Item
	if err := c.getJSON(ctx, "get", name, itemPath(name), &item); err != nil {
		return models.Item{}, err
	}
	return item, nil
}

// GetItems fetches several items. With members set, the members of group
// items are added to the result as well.
func (c *Client) GetItems(ctx context.Context, names []string, members bool) (map[string]models.Item, error) {
	out := make(map[string]models.Item, len(names))
	for _, name := range names {
		item, err := c.GetItem(ctx, name)
		if err != nil {
			return nil, err
		}
		out[item.Name] = item
		if members {
			for _, m := range item.Members {
				out[m.Name] = m
			}
		}
	}
	return out, nil
}

// ListItems returns the item catalog. The cached copy is used unless it is
// empty or forceRefresh is set.
func (c *Client) ListItems(ctx context.Context, forceRefresh bool) ([]models.Item, error) {
	c.mu.Lock()
	if !forceRefresh && c.items != nil {
		items := c.items
		c.mu.Unlock()
		return items, nil
	}
	c.mu.Unlock()

	var items []models.Item
	if err := c.getJSON(ctx, "list", "", itemsPath, &items); err != nil {
		c.InvalidateItems()
		return nil, err
	}

	c.mu.Lock()
	c.items = items
	c.cachedAt = time.Now()
	c.mu.Unlock()
	c.logger.Debug("item list refreshed", "count", len(items))
	return items, nil
}

// InvalidateItems drops the cached catalog
func (c *Client) InvalidateItems() {
	c.mu.Lock()
	c.items = nil
	c.cachedAt = time.Time{}
	c.mu.Unlock()
}

// CachedAt reports when the catalog was last fetched, zero if not cached
func (c *Client) CachedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cachedAt
}

func (c *Client) getJSON(ctx context.Context, op, item, path string, dst any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return &CommandError{Op: op, Item: item, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &CommandError{Op: op, Item: item, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return &CommandError{Op: op, Item: item, Status: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return &CommandError{Op: op, Item: item, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}
