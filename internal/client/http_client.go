package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultHTTPTimeout = 2 * time.Minute
	maxErrorBody       = 8 << 10
)

// APIError is a non-success response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

func newHTTPClient(transport http.RoundTripper) *http.Client {
	client := &http.Client{Timeout: defaultHTTPTimeout}
	if transport != nil {
		client.Transport = transport
	}
	return client
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return apiErr
	}
	apiErr.Message = trimmed
	if strings.HasPrefix(trimmed, "{") {
		var payload struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
			if msg := strings.TrimSpace(payload.Error); msg != "" {
				apiErr.Message = msg
			}
		}
		// Keep the raw payload when the "error" field is missing.
	}
	return apiErr
}
