package dispatch_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"timelock/internal/dispatch"
	"timelock/internal/hashid"
)

type captured struct {
	Method    string
	Body      []byte
	Value     string
	Signature string
}

func newTargetServer(t *testing.T, status int, response []byte) (*httptest.Server, *captured) {
	t.Helper()
	var got captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got = captured{
			Method:    r.Method,
			Body:      body,
			Value:     r.Header.Get("X-Timelock-Value"),
			Signature: r.Header.Get("X-Timelock-Signature"),
		}
		w.WriteHeader(status)
		w.Write(response)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func TestInvokeWithSignature(t *testing.T) {
	srv, got := newTargetServer(t, http.StatusOK, []byte("done"))
	d := dispatch.New(2 * time.Second)

	result, err := d.Invoke(context.Background(), srv.URL, 42, "pause()", []byte("args"))
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if string(result) != "done" {
		t.Fatalf("result = %q", result)
	}
	if got.Method != http.MethodPost {
		t.Fatalf("method = %s", got.Method)
	}
	want := append(hashid.Selector("pause()"), []byte("args")...)
	if !bytes.Equal(got.Body, want) {
		t.Fatalf("body = %x, want selector-prefixed %x", got.Body, want)
	}
	if got.Value != "42" {
		t.Fatalf("value header = %q", got.Value)
	}
	if got.Signature != "pause()" {
		t.Fatalf("signature header = %q", got.Signature)
	}
}

func TestInvokeRawCall(t *testing.T) {
	srv, got := newTargetServer(t, http.StatusOK, nil)
	d := dispatch.New(2 * time.Second)

	if _, err := d.Invoke(context.Background(), srv.URL, 0, "", []byte("raw")); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !bytes.Equal(got.Body, []byte("raw")) {
		t.Fatalf("body = %q, want raw payload", got.Body)
	}
	if got.Signature != "" {
		t.Fatalf("signature header = %q, want empty", got.Signature)
	}
}

func TestInvokeCallError(t *testing.T) {
	srv, _ := newTargetServer(t, http.StatusUnprocessableEntity, []byte("rejected"))
	d := dispatch.New(2 * time.Second)

	_, err := d.Invoke(context.Background(), srv.URL, 0, "pause()", nil)
	var callErr *dispatch.CallError
	if !errors.As(err, &callErr) {
		t.Fatalf("invoke: %v, want CallError", err)
	}
	if callErr.Status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d", callErr.Status)
	}
	if string(callErr.Payload) != "rejected" {
		t.Fatalf("payload = %q", callErr.Payload)
	}
}
