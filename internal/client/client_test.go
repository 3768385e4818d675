package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/coreapi"
	"github.com/nupi-ai/corevisor/internal/corelog"
	"github.com/nupi-ai/corevisor/internal/server"
	"github.com/nupi-ai/corevisor/internal/settings"
	"github.com/nupi-ai/corevisor/internal/supervisor"
)

type stubController struct {
	mu      sync.Mutex
	core    settings.CoreVariant
	patch   config.Mapping
	reloads int
	err     error
	logs    *corelog.Buffer
}

func (s *stubController) Status() supervisor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return supervisor.Status{State: supervisor.StateRunning, Mode: supervisor.ModeSidecar, PID: 42, Core: s.core}
}

func (s *stubController) Restart(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stubController) ChangeCore(_ context.Context, v settings.CoreVariant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.core = v
	return nil
}

func (s *stubController) UpdateConfig(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reloads++
	return s.err
}

func (s *stubController) PatchClash(_ context.Context, patch config.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patch = patch
	return s.err
}

func (s *stubController) Logs() *corelog.Buffer {
	return s.logs
}

func newTestClient(t *testing.T) (*Client, *stubController) {
	t.Helper()
	ctrl := &stubController{core: settings.CoreMihomo, logs: corelog.NewBuffer(100)}
	srv := httptest.NewServer(server.New(ctrl).Handler())
	t.Cleanup(srv.Close)
	return New(srv.URL), ctrl
}

func TestNewAddsScheme(t *testing.T) {
	if got := New("127.0.0.1:33331/").BaseURL(); got != "http://127.0.0.1:33331" {
		t.Fatalf("unexpected base url %q", got)
	}
}

func TestStatus(t *testing.T) {
	c, _ := newTestClient(t)

	status, err := c.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != supervisor.StateRunning || status.PID != 42 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestChangeCore(t *testing.T) {
	c, ctrl := newTestClient(t)

	status, err := c.ChangeCore(context.Background(), "mihomo-alpha")
	if err != nil {
		t.Fatalf("change core: %v", err)
	}
	if status.Core != settings.CoreMihomoAlpha {
		t.Fatalf("expected mihomo-alpha, got %s", status.Core)
	}
	if ctrl.Status().Core != settings.CoreMihomoAlpha {
		t.Fatal("controller was not updated")
	}
}

func TestChangeCoreReportsServerError(t *testing.T) {
	c, ctrl := newTestClient(t)
	ctrl.mu.Lock()
	ctrl.err = coreapi.ErrConfigInvalid
	ctrl.mu.Unlock()

	_, err := c.ChangeCore(context.Background(), "mihomo")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsStatus(err, http.StatusUnprocessableEntity) {
		t.Fatalf("expected 422, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Message != coreapi.ErrConfigInvalid.Error() {
		t.Fatalf("unexpected message %v", err)
	}
}

func TestReloadAndPatch(t *testing.T) {
	c, ctrl := newTestClient(t)
	ctx := context.Background()

	if err := c.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if err := c.PatchClash(ctx, config.Mapping{"mixed-port": 7891}); err != nil {
		t.Fatalf("patch: %v", err)
	}

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if ctrl.reloads != 1 {
		t.Fatalf("expected one reload, got %d", ctrl.reloads)
	}
	if ctrl.patch["mixed-port"] != 7891 {
		t.Fatalf("unexpected patch %#v", ctrl.patch)
	}
}

func TestLogsTail(t *testing.T) {
	c, ctrl := newTestClient(t)
	for _, msg := range []string{"a", "b", "c"} {
		ctrl.logs.Append(corelog.Line{Stream: "stdout", Message: msg})
	}

	lines, err := c.Logs(context.Background(), 2)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(lines) != 2 || lines[0].Message != "b" || lines[1].Message != "c" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestFollowLogs(t *testing.T) {
	c, ctrl := newTestClient(t)
	ctrl.logs.Append(corelog.Line{Stream: "stdout", Message: "old"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan string, 4)
	done := make(chan error, 1)
	go func() {
		done <- c.FollowLogs(ctx, 1, func(line corelog.Line) {
			got <- line.Message
		})
	}()

	if msg := <-got; msg != "old" {
		t.Fatalf("expected tail line, got %q", msg)
	}
	ctrl.logs.Append(corelog.Line{Stream: "stdout", Message: "new"})
	if msg := <-got; msg != "new" {
		t.Fatalf("expected live line, got %q", msg)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow returned %v", err)
	}
}
