package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultServiceAddr is where the privileged helper service listens.
const DefaultServiceAddr = "127.0.0.1:33211"

const (
	defaultServicePollInterval = time.Second
	serviceRequestTimeout      = 5 * time.Second
	// maxServicePollFailures is how many unanswered status polls in a row
	// count as the core being gone.
	maxServicePollFailures = 3
)

// errServiceRefused marks an answer from the service with a non-zero code,
// as opposed to a request that never got one.
var errServiceRefused = errors.New("refused")

type serviceResponse struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

type serviceStartRequest struct {
	CoreType   string `json:"core_type"`
	BinPath    string `json:"bin_path"`
	ConfigDir  string `json:"config_dir"`
	ConfigFile string `json:"config_file"`
	LogFile    string `json:"log_file"`
}

type serviceStatus struct {
	PID int `json:"pid,omitempty"`
}

type serviceBackend struct {
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
}

// NewServiceBackend talks to the helper service at addr, which runs the core
// on corevisor's behalf with elevated privileges.
func NewServiceBackend(addr string) Backend {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if base == "" {
		base = DefaultServiceAddr
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &serviceBackend{
		baseURL:      base,
		client:       &http.Client{Timeout: serviceRequestTimeout},
		pollInterval: defaultServicePollInterval,
	}
}

func (b *serviceBackend) Mode() Mode { return ModeService }

func (b *serviceBackend) Start(ctx context.Context, spec LaunchSpec) (Handle, error) {
	req := serviceStartRequest{
		CoreType:   string(spec.Variant),
		BinPath:    spec.Binary,
		ConfigDir:  spec.Home,
		ConfigFile: spec.ConfigPath,
		LogFile:    spec.LogFile,
	}
	if _, err := b.call(ctx, http.MethodPost, "/start_clash", req); err != nil {
		return nil, err
	}

	var status serviceStatus
	if data, err := b.call(ctx, http.MethodGet, "/get_clash", nil); err == nil && len(data) > 0 {
		_ = json.Unmarshal(data, &status)
	}

	pollCtx, cancel := context.WithCancel(context.Background())
	h := &serviceHandle{
		backend: b,
		pid:     status.PID,
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go h.poll(pollCtx)
	return h, nil
}

// call issues one request and decodes the {code,msg,data} envelope. A
// non-zero code is an error.
func (b *serviceBackend) call(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encode %s: %w", ErrServiceMode, path, err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceMode, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrServiceMode, path, err)
	}
	defer resp.Body.Close()

	var envelope serviceResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("%w: %s: decode response (status %d): %w", ErrServiceMode, path, resp.StatusCode, err)
	}
	if envelope.Code != 0 {
		return nil, fmt.Errorf("%w: %w: %s: %s (code %d)", ErrServiceMode, errServiceRefused, path, envelope.Msg, envelope.Code)
	}
	return envelope.Data, nil
}

type serviceHandle struct {
	backend *serviceBackend
	pid     int
	done    chan struct{}
	cancel  context.CancelFunc

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (h *serviceHandle) PID() int              { return h.pid }
func (h *serviceHandle) Done() <-chan struct{} { return h.done }

func (h *serviceHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *serviceHandle) finish(err error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
		close(h.done)
	})
}

// poll watches the service until it reports the core is not running, or
// stops answering for maxServicePollFailures polls in a row.
func (h *serviceHandle) poll(ctx context.Context) {
	ticker := time.NewTicker(h.backend.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		_, err := h.backend.call(ctx, http.MethodGet, "/get_clash", nil)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errServiceRefused) {
			log.Printf("[Supervisor] service reports core not running: %v", err)
			h.finish(err)
			return
		}
		failures++
		if failures >= maxServicePollFailures {
			log.Printf("[Supervisor] service unreachable after %d polls: %v", failures, err)
			h.finish(err)
			return
		}
		log.Printf("[Supervisor] service status poll failed (%d/%d): %v", failures, maxServicePollFailures, err)
	}
}

func (h *serviceHandle) Stop(ctx context.Context) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	default:
	}
	_, err := h.backend.call(ctx, http.MethodPost, "/stop_clash", nil)
	h.finish(nil)
	return err
}
