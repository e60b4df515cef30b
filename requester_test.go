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
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// mockTransport is a test-only HTTPTransport that delegates to fn, so each test can script
// exactly the response sequence it wants without touching the network.
type mockTransport struct {
	fn func(req *HTTPRequest) (*HTTPResponse, error)
}

func (m *mockTransport) Do(req *HTTPRequest) (*HTTPResponse, error) {
	return m.fn(req)
}

func mockResponse(status int, body string, headers map[string]string) *HTTPResponse {
	h := make(http.Header)
	for k, v := range headers {
		h.Set(k, v)
	}
	return &HTTPResponse{StatusCode: status, Headers: h, Body: []byte(body)}
}

func newTestRESTClient(t *testing.T, mockFn func(*HTTPRequest) (*HTTPResponse, error), opts ...RESTClientOption) *RESTClient {
	t.Helper()
	allOpts := append([]RESTClientOption{
		WithHTTPTransport(&mockTransport{fn: mockFn}),
		WithRESTLogger(NewDefaultLogger(nil, LogLevelDebugLevel)),
	}, opts...)
	c, err := NewRESTClient("testtoken", allOpts...)
	if err != nil {
		t.Fatalf("NewRESTClient: %v", err)
	}
	return c
}

func TestRESTClient_Execute_Success(t *testing.T) {
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		return mockResponse(200, `{"ok":true}`, map[string]string{
			headerRateLimitRemaining:  "10",
			headerRateLimitResetAfter: "1",
		}), nil
	})

	resp, err := c.Execute(&Request{Method: "GET", Path: "/channels/123/messages"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
}

func TestRESTClient_Execute_RateLimitRetrySucceeds(t *testing.T) {
	var attempts int32
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return mockResponse(429, `{"message":"rate limited","retry_after":0.01}`, map[string]string{
				headerRateLimitRetryAfter: "0.01",
				headerRateLimitRemaining:  "0",
				headerRateLimitResetAfter: "0.01",
			}), nil
		}
		return mockResponse(200, `{"ok":true}`, map[string]string{
			headerRateLimitRemaining:  "5",
			headerRateLimitResetAfter: "1",
		}), nil
	})

	resp, err := c.Execute(&Request{Method: "GET", Path: "/channels/123/messages"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp.StatusCode)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts (1 retry), got %d", attempts)
	}
}

// TestRESTClient_Execute_MaxRetriesCountsTotalAttempts pins down the resolved reading of
// max_retries: with max_retries=2, two identical 429 responses must surface RateLimited
// after exactly two transport attempts (one retry), not three.
func TestRESTClient_Execute_MaxRetriesCountsTotalAttempts(t *testing.T) {
	var attempts int32
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		atomic.AddInt32(&attempts, 1)
		return mockResponse(429, `{"message":"rate limited","retry_after":0.01}`, map[string]string{
			headerRateLimitRetryAfter: "0.01",
			headerRateLimitRemaining:  "0",
			headerRateLimitResetAfter: "0.01",
		}), nil
	}, WithMaxRetries(2))

	_, err := c.Execute(&Request{Method: "GET", Path: "/channels/123/messages"})
	if err == nil {
		t.Fatal("expected RateLimited error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != ErrorKindRateLimited {
		t.Fatalf("expected ErrorKindRateLimited, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 total attempts, got %d", attempts)
	}
}

// With max_retries=1 the global 429 surfaces at once instead of being slept out by
// Execute's own retry, so the global block is still active when the next request starts.
func TestRESTClient_Execute_GlobalRateLimitBlocksSubsequentRequests(t *testing.T) {
	var attempts int32
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return mockResponse(429, `{"message":"global","global":true,"retry_after":0.05}`, map[string]string{
				headerRateLimitRetryAfter: "0.05",
				headerRateLimitGlobal:     "true",
			}), nil
		}
		return mockResponse(200, `{"ok":true}`, nil), nil
	}, WithMaxRetries(1))

	_, err := c.Execute(&Request{Method: "GET", Path: "/channels/123/messages"})
	if err == nil {
		t.Fatal("expected the global 429 to surface as an error")
	}
	if cerr, ok := err.(*Error); !ok || cerr.Kind != ErrorKindRateLimited {
		t.Fatalf("expected ErrorKindRateLimited, got %v", err)
	}

	start := time.Now()
	resp2, err := c.Execute(&Request{Method: "GET", Path: "/channels/456/messages"})
	if err != nil {
		t.Fatal(err)
	}
	if resp2.StatusCode != 200 {
		t.Fatalf("expected 200 got %d", resp2.StatusCode)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected the second request to wait out the global block, elapsed %v", time.Since(start))
	}
}

func TestRESTClient_Execute_ServerErrorDoesNotRetry(t *testing.T) {
	var attempts int32
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		atomic.AddInt32(&attempts, 1)
		return mockResponse(503, `{"message":"unavailable"}`, nil), nil
	})

	_, err := c.Execute(&Request{Method: "GET", Path: "/channels/123/messages"})
	if err == nil {
		t.Fatal("expected an error")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != ErrorKindServerError {
		t.Fatalf("expected ErrorKindServerError, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("a 5xx response must surface immediately without a retry, got %d attempts", attempts)
	}
}

func TestRESTClient_Execute_InvalidRequestBreakerOpens(t *testing.T) {
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		return mockResponse(401, `{"message":"unauthorized"}`, nil), nil
	}, WithInvalidRequestLimit(2, time.Minute))

	for range 2 {
		if _, err := c.Execute(&Request{Method: "GET", Path: "/users/@me"}); err == nil {
			t.Fatal("expected an unauthorized error")
		}
	}

	_, err := c.Execute(&Request{Method: "GET", Path: "/users/@me"})
	if err == nil {
		t.Fatal("expected the breaker to be open")
	}
	cerr, ok := err.(*Error)
	if !ok || cerr.Kind != ErrorKindInvalidState {
		t.Fatalf("expected ErrorKindInvalidState once the breaker opens, got %v", err)
	}
}

func TestRESTClient_Execute_HeaderInjectionForbidden(t *testing.T) {
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		t.Fatal("transport should not be called when validation fails")
		return nil, nil
	})

	headers := make(http.Header)
	headers.Set("Authorization", "Bot forged")
	_, err := c.Execute(&Request{Method: "GET", Path: "/users/@me", Headers: headers})
	if err == nil {
		t.Fatal("expected a validation error for a caller-supplied Authorization header")
	}
}

func TestRESTClient_Execute_ConcurrencyStress(t *testing.T) {
	c := newTestRESTClient(t, func(req *HTTPRequest) (*HTTPResponse, error) {
		return mockResponse(200, `{"ok":true}`, map[string]string{
			headerRateLimitRemaining:  "10",
			headerRateLimitResetAfter: "1",
		}), nil
	})

	const concurrency = 50
	const requestsPerGoroutine = 10
	var total int64
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for range concurrency {
		go func() {
			defer wg.Done()
			for range requestsPerGoroutine {
				if _, err := c.Execute(&Request{Method: "GET", Path: "/channels/123/messages"}); err != nil {
					t.Errorf("request error: %v", err)
					return
				}
				atomic.AddInt64(&total, 1)
			}
		}()
	}
	wg.Wait()

	if total != concurrency*requestsPerGoroutine {
		t.Fatalf("expected %d successful requests, got %d", concurrency*requestsPerGoroutine, total)
	}
}

// TestComputeRouteKey_Injectivity walks part of spec.md's route-key table: each path must
// yield the expected major parameter, and each paired case (same resource, different
// method or trailing segment) must get a route key distinct from its partner.
func TestComputeRouteKey_Injectivity(t *testing.T) {
	cases := []struct {
		name            string
		method, path    string
		wantMajor       string
		wantRouteDistNo string // a second case name whose route key must differ from this one
	}{
		{"stage-instance-a", "PATCH", "/stage-instances/123", "global", ""},
		{"stage-instance-b", "DELETE", "/stage-instances/456", "global", "stage-instance-a"},
		{"poll-answer-voters", "GET", "/channels/111/polls/222/answers/1", "111", ""},
		{"poll-expire", "POST", "/channels/111/polls/222/expire", "111", "poll-answer-voters"},
		{"voice-state-me", "PATCH", "/guilds/999/voice-states/@me", "999", ""},
		{"voice-state-user", "PATCH", "/guilds/999/voice-states/123", "999", "voice-state-me"},
	}

	keys := make(map[string]string)
	majors := make(map[string]string)
	for _, c := range cases {
		routeKey, major := computeRouteKey(c.method, c.path)
		keys[c.name] = routeKey
		majors[c.name] = major
		if major != c.wantMajor {
			t.Errorf("%s: major = %q, want %q", c.name, major, c.wantMajor)
		}
	}

	for _, c := range cases {
		if c.wantRouteDistNo == "" {
			continue
		}
		if keys[c.name] == keys[c.wantRouteDistNo] {
			t.Errorf("%s and %s must not share a route key, both got %q", c.name, c.wantRouteDistNo, keys[c.name])
		}
	}
}

func TestComputeRouteKey_WebhookToken(t *testing.T) {
	routeKey, major := computeRouteKey("POST", "/webhooks/123456789012345678/abcdef1234567890")
	if major != "123456789012345678" {
		t.Fatalf("major = %q, want the webhook id", major)
	}
	wantSuffix := ":token"
	if len(routeKey) < len(wantSuffix) || routeKey[len(routeKey)-len(wantSuffix):] != wantSuffix {
		t.Fatalf("route key %q does not mask the webhook token segment", routeKey)
	}
}

func TestComputeRouteKey_NoMajorDefaultsGlobal(t *testing.T) {
	_, major := computeRouteKey("GET", "/gateway/bot")
	if major != "global" {
		t.Fatalf("major = %q, want %q", major, "global")
	}
	_, major = computeRouteKey("GET", "/users/@me")
	if major != "global" {
		t.Fatalf("major = %q, want %q", major, "global")
	}
}

func Example_computeRouteKey() {
	routeKey, major := computeRouteKey("GET", "/channels/123456789012345678/messages/234567890123456789")
	fmt.Println(routeKey != "", major)
	// Output: true 123456789012345678
}
