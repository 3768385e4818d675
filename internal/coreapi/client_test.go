package coreapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestPutConfigs(t *testing.T) {
	var gotPath, gotAuth, gotForce string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/configs" {
			http.Error(w, "unexpected", http.StatusNotFound)
			return
		}
		gotForce = r.URL.Query().Get("force")
		gotAuth = r.Header.Get("Authorization")
		var body struct {
			Path string `json:"path"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotPath = body.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(strings.TrimPrefix(srv.URL, "http://"), "s3cret")
	if err := c.PutConfigs(context.Background(), "/home/runtime.yaml"); err != nil {
		t.Fatalf("PutConfigs: %v", err)
	}
	if gotPath != "/home/runtime.yaml" || gotForce != "true" || gotAuth != "Bearer s3cret" {
		t.Errorf("path=%q force=%q auth=%q", gotPath, gotForce, gotAuth)
	}
}

func TestPutConfigsReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad path"}`))
	}))
	defer srv.Close()

	err := NewClient(srv.URL, "").PutConfigs(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "bad path") {
		t.Fatalf("err = %v; want message from body", err)
	}
}

func TestPushConfigRetryBudget(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.PushDelay = time.Millisecond

	err := c.PushConfig(context.Background(), "x")
	if !errors.Is(err, ErrAPIPushFailed) {
		t.Fatalf("err = %v; want ErrAPIPushFailed", err)
	}
	if got := calls.Load(); got != DefaultPushAttempts {
		t.Fatalf("calls = %d; want %d", got, DefaultPushAttempts)
	}
}

func TestPushConfigSucceedsAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.PushDelay = time.Millisecond

	if err := c.PushConfig(context.Background(), "x"); err != nil {
		t.Fatalf("PushConfig: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d; want 3", got)
	}
}

func TestPushConfigHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	c.PushDelay = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.PushConfig(ctx, "x")
	if !errors.Is(err, ErrAPIPushFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
}

func TestVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version":"v1.18.0","meta":true}`))
	}))
	defer srv.Close()

	info, err := NewClient(srv.URL, "").Version(context.Background())
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if info.Version != "v1.18.0" || !info.Meta {
		t.Errorf("info = %+v", info)
	}
}

func TestStreamLogs(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var gotLevel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotLevel = r.URL.Query().Get("level")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range []LogMessage{{Type: "info", Payload: "one"}, {Type: "warning", Payload: "two"}} {
			if err := conn.WriteJSON(m); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	}))
	defer srv.Close()

	var got []LogMessage
	err := NewClient(srv.URL, "").StreamLogs(context.Background(), "debug", func(m LogMessage) {
		got = append(got, m)
	})
	if err != nil {
		t.Fatalf("StreamLogs: %v", err)
	}
	if gotLevel != "debug" {
		t.Errorf("level = %q", gotLevel)
	}
	if len(got) != 2 || got[0].Payload != "one" || got[1].Type != "warning" {
		t.Errorf("messages = %+v", got)
	}
}
