/************************************************************************************
 *
 * corvid, a small Discord REST + Gateway client core
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 corvid contributors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package corvid

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// HTTPRequest is the transport-level request a HTTPTransport executes. It carries no
// Discord semantics: auth, rate-limit bookkeeping, and retries all belong to RESTClient.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers http.Header
	Body    []byte
	Timeout time.Duration
}

// HTTPResponse is the transport-level response a HTTPTransport returns.
type HTTPResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// HTTPTransport is the pluggable HTTP driver contract RESTClient executes requests
// through. Swapping the default implementation lets callers reroute through a proxy, a
// test double, or an instrumented client without touching RESTClient itself.
type HTTPTransport interface {
	Do(req *HTTPRequest) (*HTTPResponse, error)
}

// defaultHTTPTransport wraps net/http with goda's newRequester connection-pool tuning
// verbatim, so corvid keeps the teacher's transport posture unchanged.
type defaultHTTPTransport struct {
	client *http.Client
}

var _ HTTPTransport = (*defaultHTTPTransport)(nil)

func newDefaultHTTPTransport() *defaultHTTPTransport {
	return &defaultHTTPTransport{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,

				MaxIdleConns:        500,
				MaxIdleConnsPerHost: 100,
				MaxConnsPerHost:     200,

				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,

				DisableKeepAlives: false,
				ForceAttemptHTTP2: true,
			},
		},
	}
}

func (t *defaultHTTPTransport) Do(req *HTTPRequest) (*HTTPResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Headers

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &HTTPResponse{StatusCode: resp.StatusCode, Headers: resp.Header, Body: respBody}, nil
}

// closeIdle releases pooled idle connections, mirroring goda's Requester.Shutdown.
func (t *defaultHTTPTransport) closeIdle() {
	if tr, ok := t.client.Transport.(interface{ CloseIdleConnections() }); ok {
		tr.CloseIdleConnections()
	}
}
