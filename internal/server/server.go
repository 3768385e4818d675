// Package server exposes the supervisor over a small local HTTP API used by
// the corevisor CLI.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nupi-ai/corevisor/internal/config"
	"github.com/nupi-ai/corevisor/internal/coreapi"
	"github.com/nupi-ai/corevisor/internal/corelog"
	"github.com/nupi-ai/corevisor/internal/settings"
	"github.com/nupi-ai/corevisor/internal/supervisor"
	"github.com/nupi-ai/corevisor/internal/version"
)

// DefaultAddr is the loopback address the daemon API listens on.
const DefaultAddr = "127.0.0.1:33331"

const (
	maxRequestBody  = 1 << 20
	shutdownTimeout = 5 * time.Second
	wsWriteTimeout  = 5 * time.Second
)

// Controller is the part of the supervisor the API drives.
type Controller interface {
	Status() supervisor.Status
	Restart(ctx context.Context) error
	ChangeCore(ctx context.Context, variant settings.CoreVariant) error
	UpdateConfig(ctx context.Context) error
	PatchClash(ctx context.Context, patch config.Mapping) error
	Logs() *corelog.Buffer
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	supervisor.Status
	Version string `json:"version"`
}

// ChangeCoreRequest is the body of POST /core/change.
type ChangeCoreRequest struct {
	Core string `json:"core"`
}

// LogsResponse is returned by GET /logs.
type LogsResponse struct {
	Lines []corelog.Line `json:"lines"`
}

// Server routes API requests to a Controller.
type Server struct {
	ctrl     Controller
	router   *mux.Router
	upgrader websocket.Upgrader
}

// New builds the API for ctrl.
func New(ctrl Controller) *Server {
	s := &Server{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || loopbackOrigin(origin)
			},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/core/restart", s.handleRestart).Methods(http.MethodPost)
	r.HandleFunc("/core/change", s.handleChangeCore).Methods(http.MethodPost)
	r.HandleFunc("/config/reload", s.handleReload).Methods(http.MethodPost)
	r.HandleFunc("/config/clash", s.handlePatchClash).Methods(http.MethodPatch)
	r.HandleFunc("/logs", s.handleLogs).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve answers requests on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	log.Printf("[Server] listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  s.ctrl.Status(),
		Version: version.String(),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Restart(r.Context()); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleChangeCore(w http.ResponseWriter, r *http.Request) {
	var req ChangeCoreRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	variant, err := settings.ParseCoreVariant(req.Core)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.ChangeCore(r.Context(), variant); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	s.handleStatus(w, r)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.UpdateConfig(r.Context()); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchClash(w http.ResponseWriter, r *http.Request) {
	patch, err := decodePatch(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ctrl.PatchClash(r.Context(), patch); err != nil {
		writeError(w, statusForError(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	tail, _, err := parseQueryIntParam(r.URL.Query(), "tail")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid tail parameter")
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		s.followLogs(w, r, tail)
		return
	}
	writeJSON(w, http.StatusOK, LogsResponse{Lines: tailLines(s.ctrl.Logs().Lines(), tail)})
}

// followLogs sends the last tail lines and then every new line until the
// client disconnects.
func (s *Server) followLogs(w http.ResponseWriter, r *http.Request, tail int) {
	buf := s.ctrl.Logs()
	lines, cancel := buf.Subscribe(256)
	defer cancel()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] log stream upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(line corelog.Line) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteJSON(line) == nil
	}

	if tail > 0 {
		for _, line := range tailLines(buf.Lines(), tail) {
			if !send(line) {
				return
			}
		}
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok || !send(line) {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func tailLines(lines []corelog.Line, tail int) []corelog.Line {
	if tail > 0 && tail < len(lines) {
		return lines[len(lines)-tail:]
	}
	return lines
}

// statusForError maps domain errors onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, coreapi.ErrConfigInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, settings.ErrPortUnavailable):
		return http.StatusConflict
	case errors.Is(err, coreapi.ErrAPIPushFailed):
		return http.StatusBadGateway
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// decodePatch reads a JSON object, keeping integral numbers as ints so they
// are written back to YAML unchanged.
func decodePatch(r io.Reader) (config.Mapping, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var patch map[string]any
	if err := dec.Decode(&patch); err != nil {
		return nil, fmt.Errorf("invalid patch: %w", err)
	}
	if patch == nil {
		return nil, errors.New("invalid patch: expected an object")
	}
	return normalizeNumbers(patch).(map[string]any), nil
}

func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return int(n)
		}
		f, _ := val.Float64()
		return f
	default:
		return v
	}
}

// parseQueryIntParam extracts a non-negative integer query parameter.
// Returns (value, provided, error).
func parseQueryIntParam(query url.Values, name string) (int, bool, error) {
	raw := strings.TrimSpace(query.Get(name))
	if raw == "" {
		return 0, false, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, true, err
	}
	if value < 0 {
		return 0, true, fmt.Errorf("value must be non-negative")
	}
	return value, true, nil
}
