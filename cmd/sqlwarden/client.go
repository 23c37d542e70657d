// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 SQLWarden Contributors

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/sqlwarden/sqlwarden/internal/agent"
	wardenerr "github.com/sqlwarden/sqlwarden/pkg/errors"
)

// defaultHTTPClient is shared by the commands that talk to a running server.
// Tests swap it for an httptest client.
var defaultHTTPClient = &http.Client{
	Timeout: 90 * time.Second,
}

// serverClient provides HTTP access to a running sqlwarden server.
type serverClient struct {
	baseURL string
	http    *http.Client
	// email, when set, identifies the caller via the session cookie.
	email string
}

// newServerClient creates a client targeting the given host:port address.
func newServerClient(addr string) *serverClient {
	return &serverClient{
		baseURL: "http://" + addr,
		http:    defaultHTTPClient,
	}
}

// apiError mirrors the server's error envelope.
type apiError struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	TraceID   string `json:"trace_id"`
}

// getJSON performs a GET request and decodes the JSON response into dest.
// Statuses listed in accept are decoded like a 2xx response.
func (c *serverClient) getJSON(path string, dest any, accept ...int) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure, "building request: %w", err)
	}
	return c.do(req, dest, accept...)
}

// postJSON encodes body, POSTs it and decodes the JSON response into dest.
func (c *serverClient) postJSON(path string, body, dest any) error {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLIInputInvalid, "encoding request: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure, "building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, dest)
}

// do sends req. A refused connection is CodeCLIServerNotRunning; a non-2xx
// status is CodeCLIRequestFailure carrying the server's public message.
func (c *serverClient) do(req *http.Request, dest any, accept ...int) error {
	if c.email != "" {
		req.AddCookie(&http.Cookie{Name: agent.EmailCookie, Value: c.email})
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if isDialError(err) {
			return wardenerr.Errorf(wardenerr.CodeCLIServerNotRunning, "server at %s is not running (connection refused)", req.URL.Host)
		}
		return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure, "request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if (resp.StatusCode < 200 || resp.StatusCode > 299) && !slices.Contains(accept, resp.StatusCode) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		var envelope apiError
		if json.Unmarshal(raw, &envelope) == nil && envelope.Message != "" {
			return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure, "server returned %d: %s (trace %s)",
				resp.StatusCode, envelope.Message, envelope.TraceID)
		}
		return wardenerr.Errorf(wardenerr.CodeCLIRequestFailure, "server returned status %d: %s", resp.StatusCode, string(raw))
	}

	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return wardenerr.Errorf(wardenerr.CodeCLIResponseInvalid, "invalid response: %w", err)
	}
	return nil
}

// isDialError returns true if err is a net dial error (connection refused, etc.).
func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
