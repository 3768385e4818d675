package coreapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHTTPTimeout        = 10 * time.Second
	websocketHandshakeTimeout = 10 * time.Second
	maxErrorBody              = 8 << 10

	// DefaultPushAttempts is how many times PushConfig tries PUT /configs.
	DefaultPushAttempts = 5
	// DefaultPushDelay separates PushConfig attempts.
	DefaultPushDelay = 250 * time.Millisecond
)

// ErrAPIPushFailed is returned when every PushConfig attempt failed.
var ErrAPIPushFailed = errors.New("coreapi: push config failed")

// Client talks to the core's external controller.
type Client struct {
	baseURL    string
	secret     string
	httpClient *http.Client
	dialer     *websocket.Dialer

	// PushAttempts and PushDelay bound PushConfig retries.
	PushAttempts int
	PushDelay    time.Duration
}

// NewClient builds a client for the controller at addr (host:port or URL).
func NewClient(addr, secret string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base,
		secret:     strings.TrimSpace(secret),
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
		dialer: &websocket.Dialer{
			HandshakeTimeout: websocketHandshakeTimeout,
		},
		PushAttempts: DefaultPushAttempts,
		PushDelay:    DefaultPushDelay,
	}
}

// BaseURL returns the controller URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// PutConfigs asks the core to reload the config file at path.
func (c *Client) PutConfigs(ctx context.Context, path string) error {
	body, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return fmt.Errorf("coreapi: encode configs body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/configs?force=true", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("coreapi: build configs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.attachSecret(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coreapi: put configs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("coreapi: put configs: %s", readErrorMessage(resp))
	}
	return nil
}

// PushConfig calls PutConfigs up to PushAttempts times, PushDelay apart.
// Intermediate errors are logged; the last one is returned wrapped in
// ErrAPIPushFailed.
func (c *Client) PushConfig(ctx context.Context, path string) error {
	attempts := c.PushAttempts
	if attempts <= 0 {
		attempts = DefaultPushAttempts
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %w", ErrAPIPushFailed, ctx.Err())
			case <-time.After(c.PushDelay):
			}
		}
		lastErr = c.PutConfigs(ctx, path)
		if lastErr == nil {
			return nil
		}
		if i < attempts-1 {
			log.Printf("[Core] push config attempt %d/%d: %v", i+1, attempts, lastErr)
		}
	}
	return fmt.Errorf("%w: %w", ErrAPIPushFailed, lastErr)
}

// VersionInfo is the response of GET /version.
type VersionInfo struct {
	Version string `json:"version"`
	Meta    bool   `json:"meta"`
}

// Version queries the running core's version.
func (c *Client) Version(ctx context.Context) (VersionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/version", nil)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("coreapi: build version request: %w", err)
	}
	c.attachSecret(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return VersionInfo{}, fmt.Errorf("coreapi: version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("coreapi: version: %s", readErrorMessage(resp))
	}

	var info VersionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return VersionInfo{}, fmt.Errorf("coreapi: decode version: %w", err)
	}
	return info, nil
}

// LogMessage is one entry of the /logs stream.
type LogMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

// StreamLogs follows the core's /logs websocket at level and calls fn for
// every message until ctx is done or the connection drops.
func (c *Client) StreamLogs(ctx context.Context, level string, fn func(LogMessage)) error {
	u, err := url.Parse(c.baseURL + "/logs")
	if err != nil {
		return fmt.Errorf("coreapi: parse logs url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	if level != "" {
		q.Set("level", level)
	}
	if c.secret != "" {
		q.Set("token", c.secret)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.secret != "" {
		header.Set("Authorization", "Bearer "+c.secret)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return fmt.Errorf("coreapi: dial logs: %w (%s)", err, readErrorMessage(resp))
		}
		return fmt.Errorf("coreapi: dial logs: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		var msg LogMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("coreapi: read logs: %w", err)
		}
		fn(msg)
	}
}

func (c *Client) attachSecret(req *http.Request) {
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}
}

func readErrorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return strings.TrimSpace(resp.Status)
	}
	var errResp struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &errResp) == nil && errResp.Message != "" {
		return fmt.Sprintf("%s: %s", strings.TrimSpace(resp.Status), errResp.Message)
	}
	return fmt.Sprintf("%s: %s", strings.TrimSpace(resp.Status), strings.TrimSpace(string(data)))
}
