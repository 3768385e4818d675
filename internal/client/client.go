// Package client talks to a running corevisor daemon over its local HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/corelog"
	"github.com/nupi-ai/corevisor/internal/server"
)

const websocketHandshakeTimeout = 10 * time.Second

// Client issues requests against the daemon API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// New builds a client for the daemon at baseURL. A bare host:port is
// treated as http.
func New(baseURL string) *Client {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	return &Client{
		baseURL:    trimmed,
		httpClient: newHTTPClient(nil),
		dialer: &websocket.Dialer{
			HandshakeTimeout: websocketHandshakeTimeout,
		},
	}
}

// FromEnv builds a client using COREVISOR_ADDR, falling back to addr.
func FromEnv(addr string) *Client {
	if env := strings.TrimSpace(os.Getenv("COREVISOR_ADDR")); env != "" {
		return New(env)
	}
	return New(addr)
}

// BaseURL returns the daemon base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Status returns the supervisor status.
func (c *Client) Status(ctx context.Context) (server.StatusResponse, error) {
	var out server.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Restart restarts the core.
func (c *Client) Restart(ctx context.Context) (server.StatusResponse, error) {
	var out server.StatusResponse
	err := c.do(ctx, http.MethodPost, "/core/restart", nil, &out)
	return out, err
}

// ChangeCore switches the core variant.
func (c *Client) ChangeCore(ctx context.Context, core string) (server.StatusResponse, error) {
	var out server.StatusResponse
	err := c.do(ctx, http.MethodPost, "/core/change", server.ChangeCoreRequest{Core: core}, &out)
	return out, err
}

// Reload regenerates the runtime config and pushes it to the core.
func (c *Client) Reload(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/config/reload", nil, nil)
}

// PatchClash merges patch into the clash config.
func (c *Client) PatchClash(ctx context.Context, patch config.Mapping) error {
	return c.do(ctx, http.MethodPatch, "/config/clash", patch, nil)
}

// Logs returns up to tail buffered core log lines. Zero returns all.
func (c *Client) Logs(ctx context.Context, tail int) ([]corelog.Line, error) {
	var out server.LogsResponse
	if err := c.do(ctx, http.MethodGet, "/logs"+tailQuery(tail), nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// FollowLogs streams core log lines to fn until ctx is cancelled or the
// daemon closes the stream.
func (c *Client) FollowLogs(ctx context.Context, tail int, fn func(corelog.Line)) error {
	wsURL, err := c.websocketURL("/logs" + tailQuery(tail))
	if err != nil {
		return err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return fmt.Errorf("client: follow logs: %w", readAPIError(resp))
		}
		return fmt.Errorf("client: follow logs: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()

	for {
		var line corelog.Line
		if err := conn.ReadJSON(&line); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("client: follow logs: %w", err)
		}
		fn(line)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("client: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("client: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("client: decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) websocketURL(path string) (string, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("client: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.New("client: unsupported scheme " + u.Scheme)
	}
	return u.String(), nil
}

func tailQuery(tail int) string {
	if tail <= 0 {
		return ""
	}
	return "?tail=" + strconv.Itoa(tail)
}
