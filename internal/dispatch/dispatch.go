// Package dispatch performs the outgoing call for executed commands.
package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"timelock/internal/hashid"
)

const (
	defaultTimeout   = 5 * time.Second
	maxResponseBytes = 1 << 20
)

// CallError reports a call rejected by its target. Payload carries the
// target's raw rejection body for diagnostics.
type CallError struct {
	Status  int
	Payload []byte
}

func (e *CallError) Error() string {
	return fmt.Sprintf("call failed: status %d: %s", e.Status, strings.TrimSpace(string(e.Payload)))
}

// Invoker abstracts the external call so the engine can be tested with a
// fake dispatcher.
type Invoker interface {
	Invoke(ctx context.Context, target string, value uint64, signature string, data []byte) ([]byte, error)
}

// HTTPDispatcher posts command payloads to target URLs.
type HTTPDispatcher struct {
	Client *http.Client
}

func New(timeout time.Duration) *HTTPDispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPDispatcher{Client: &http.Client{Timeout: timeout}}
}

// Invoke builds the call payload and performs the invocation. A non-empty
// signature gets a selector prefix derived from its digest; an empty
// signature sends data verbatim (raw call to the target's default entry
// point). The callee's return bytes are propagated on success; a non-2xx
// response raises CallError with the response payload.
func (d *HTTPDispatcher) Invoke(ctx context.Context, target string, value uint64, signature string, data []byte) ([]byte, error) {
	payload := data
	if signature != "" {
		payload = append(hashid.Selector(signature), data...)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Timelock-Value", strconv.FormatUint(value, 10))
	if signature != "" {
		req.Header.Set("X-Timelock-Signature", signature)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &CallError{Status: res.StatusCode, Payload: body}
	}
	return body, nil
}
