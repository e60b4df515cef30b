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
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	headerAuthorization       = "Authorization"
	headerUserAgent           = "User-Agent"
	headerContentType         = "Content-Type"
	headerRateLimitLimit      = "X-RateLimit-Limit"
	headerRateLimitRemaining  = "X-RateLimit-Remaining"
	headerRateLimitReset      = "X-RateLimit-Reset"
	headerRateLimitResetAfter = "X-RateLimit-Reset-After"
	headerRateLimitRetryAfter = "Retry-After"
	headerRateLimitGlobal     = "X-RateLimit-Global"
	headerRateLimitScope      = "X-RateLimit-Scope"
	headerRateLimitBucket     = "X-RateLimit-Bucket"

	discordBaseURL = "https://discord.com/api/v10"
)

// AuthType selects how RESTClient.Execute injects the Authorization header.
type AuthType int

const (
	AuthTypeBot AuthType = iota
	AuthTypeBearer
)

func (a AuthType) header(token string) string {
	if a == AuthTypeBearer {
		return "Bearer " + token
	}
	return "Bot " + token
}

var userAgentShape = regexp.MustCompile(`^DiscordBot \(\S+, \S+\)( .+)?$`)

// RESTClient executes requests against the Discord REST API under the three-gate
// rate-limit algorithm spec.md §4.A describes: invalid-request breaker, global rolling
// window, then per-bucket gate. Rewritten from goda's requester, which folded the same
// three concerns into one do() method guarded by a handful of package-level globals;
// corvid keeps the same gate ordering and retry posture but makes each gate its own type
// so a caller can reason about (and test) them independently. Safe for concurrent use.
type RESTClient struct {
	mu sync.Mutex

	token      string
	authType   AuthType
	userAgent  string
	timeout    time.Duration
	maxRetries int

	transport HTTPTransport
	codec     Codec
	logger    Logger

	buckets *bucketTable
	global  *globalWindow
	invalid *invalidWindow

	// epochOffsetMs converts a wall-clock epoch-ms timestamp (X-RateLimit-Reset) into
	// the monotonic-ms timeline the rest of the gate bookkeeping runs on.
	epochOffsetMs int64
}

type restClientConfig struct {
	authType               AuthType
	userAgent              string
	timeoutMs              int
	maxRetries             int
	globalRateLimitPerSec  int
	globalWindowMs         int64
	invalidRequestLimit    int
	invalidRequestWindowMs int64
	transport              HTTPTransport
	codec                  Codec
	logger                 Logger
}

type RESTClientOption func(*restClientConfig)

func WithAuthType(a AuthType) RESTClientOption {
	return func(c *restClientConfig) { c.authType = a }
}

func WithUserAgent(ua string) RESTClientOption {
	return func(c *restClientConfig) { c.userAgent = ua }
}

func WithRESTTimeout(d time.Duration) RESTClientOption {
	return func(c *restClientConfig) { c.timeoutMs = int(d.Milliseconds()) }
}

func WithMaxRetries(n int) RESTClientOption {
	return func(c *restClientConfig) { c.maxRetries = n }
}

func WithGlobalRateLimit(perSecond int, window time.Duration) RESTClientOption {
	return func(c *restClientConfig) {
		c.globalRateLimitPerSec = perSecond
		c.globalWindowMs = window.Milliseconds()
	}
}

func WithInvalidRequestLimit(limit int, window time.Duration) RESTClientOption {
	return func(c *restClientConfig) {
		c.invalidRequestLimit = limit
		c.invalidRequestWindowMs = window.Milliseconds()
	}
}

func WithHTTPTransport(t HTTPTransport) RESTClientOption {
	return func(c *restClientConfig) { c.transport = t }
}

func WithCodec(codec Codec) RESTClientOption {
	return func(c *restClientConfig) { c.codec = codec }
}

func WithRESTLogger(logger Logger) RESTClientOption {
	return func(c *restClientConfig) { c.logger = logger }
}

// NewRESTClient validates opts and constructs a RESTClient. token must be non-empty; a
// configured UserAgent must match the documented "DiscordBot (url, version)" shape.
func NewRESTClient(token string, opts ...RESTClientOption) (*RESTClient, error) {
	if token == "" {
		return nil, newErr(ErrorKindInvalidParam, "token must not be empty")
	}

	cfg := &restClientConfig{
		timeoutMs:              10_000,
		maxRetries:             3,
		globalRateLimitPerSec:  50,
		globalWindowMs:         1000,
		invalidRequestLimit:    10_000,
		invalidRequestWindowMs: 600_000,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.userAgent != "" && !userAgentShape.MatchString(cfg.userAgent) {
		return nil, newErr(ErrorKindInvalidParam, "user agent does not match the documented DiscordBot (url, version) shape")
	}
	if cfg.maxRetries < 1 {
		return nil, newErr(ErrorKindInvalidParam, "max retries must be >= 1")
	}

	if cfg.transport == nil {
		cfg.transport = newDefaultHTTPTransport()
	}
	if cfg.codec == nil {
		cfg.codec = defaultCodec
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(nil, LogLevelInfoLevel)
	}

	nowMono := MonotonicNowMs()
	nowEpoch := time.Now().UnixMilli()

	return &RESTClient{
		token:         token,
		authType:      cfg.authType,
		userAgent:     cfg.userAgent,
		timeout:       time.Duration(cfg.timeoutMs) * time.Millisecond,
		maxRetries:    cfg.maxRetries,
		transport:     cfg.transport,
		codec:         cfg.codec,
		logger:        cfg.logger,
		buckets:       newBucketTable(),
		global:        newGlobalWindow(cfg.globalRateLimitPerSec, cfg.globalWindowMs),
		invalid:       newInvalidWindow(cfg.invalidRequestLimit, cfg.invalidRequestWindowMs),
		epochOffsetMs: nowEpoch - nowMono,
	}, nil
}

// Shutdown releases the underlying transport's pooled idle connections.
func (c *RESTClient) Shutdown() {
	if t, ok := c.transport.(*defaultHTTPTransport); ok {
		t.closeIdle()
	}
}

// Execute sends req, gating it through the invalid-request breaker, the global window,
// and the per-bucket limit, and retrying a 429 response up to maxRetries total attempts.
func (c *RESTClient) Execute(req *Request) (*Response, error) {
	if verr := req.validate(); verr != nil {
		return nil, verr
	}

	routeKey, major := computeRouteKey(req.Method, req.Path)

	for attempt := 1; ; attempt++ {
		resp, retryAfter, shouldRetry, err := c.attempt(req, routeKey, major)
		if err != nil {
			return nil, err
		}
		if !shouldRetry {
			return resp, nil
		}
		if attempt >= c.maxRetries {
			return resp, (&Error{Kind: ErrorKindRateLimited, Message: "max retries exceeded"}).withResponse(resp)
		}
		time.Sleep(retryAfter)
	}
}

// attempt performs exactly one gated transport call plus the post-response bookkeeping.
func (c *RESTClient) attempt(req *Request, routeKey, major string) (resp *Response, retryAfter time.Duration, shouldRetry bool, err error) {
	now := MonotonicNowMs()

	c.mu.Lock()
	if !c.invalid.allow(now) {
		c.mu.Unlock()
		return nil, 0, false, newErr(ErrorKindInvalidState, "invalid-request breaker is open")
	}
	c.mu.Unlock()

	if !skipGlobalWindow(req) {
		if wait := c.global.wait(MonotonicNowMs()); wait > 0 {
			time.Sleep(wait)
		}
	}

	c.mu.Lock()
	b := c.buckets.lookup(routeKey, major)
	waitMs := bucketWaitDuration(b, MonotonicNowMs())
	c.mu.Unlock()

	if waitMs > 0 {
		time.Sleep(time.Duration(waitMs) * time.Millisecond)
	}

	httpReq := c.buildHTTPRequest(req)

	httpResp, doErr := c.transport.Do(httpReq)
	if doErr != nil {
		return nil, 0, false, wrapErr(ErrorKindNetwork, doErr, "transport call failed for %s %s", req.Method, req.Path)
	}

	now = MonotonicNowMs()
	resp = c.parseResponse(httpResp)

	c.mu.Lock()
	c.invalid.recordStatus(now, resp.StatusCode)
	resetAtMs := bucketResetAt(resp.RateLimit, now, c.epochOffsetMs)
	c.buckets.observe(b, resp.RateLimit.Bucket, resp.RateLimit.Limit, resp.RateLimit.Remaining, resetAtMs)
	global429 := resp.StatusCode == http.StatusTooManyRequests &&
		(resp.RateLimit.Global || (resp.TooManyRequests != nil && resp.TooManyRequests.Global))
	retryAfter = resolveRetryAfter(resp)
	if global429 {
		c.global.block(now, retryAfter)
	}
	c.mu.Unlock()

	if resp.StatusCode == http.StatusTooManyRequests {
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return resp, retryAfter, true, nil
	}

	if resp.StatusCode >= 400 {
		return resp, 0, false, (&Error{Kind: errorKindForStatus(resp.StatusCode), Message: apiErrorMessage(resp)}).withResponse(resp)
	}

	return resp, 0, false, nil
}

func (c *RESTClient) buildHTTPRequest(req *Request) *HTTPRequest {
	headers := req.Headers.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	headers.Set(headerAuthorization, c.authType.header(c.token))
	if c.userAgent != "" {
		headers.Set(headerUserAgent, c.userAgent)
	}
	if req.IsJSON {
		headers.Set(headerContentType, "application/json")
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}

	url := req.Path
	if strings.HasPrefix(url, "/") {
		url = discordBaseURL + url
	}

	return &HTTPRequest{Method: req.Method, URL: url, Headers: headers, Body: req.Body, Timeout: timeout}
}

func (c *RESTClient) parseResponse(httpResp *HTTPResponse) *Response {
	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Headers:    httpResp.Headers,
		Body:       httpResp.Body,
		RateLimit:  parseRateLimitInfo(httpResp.Headers),
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		var body TooManyRequestsBody
		if err := c.codec.Unmarshal(resp.Body, &body); err == nil {
			resp.TooManyRequests = &body
		}
	}

	if resp.StatusCode >= 400 {
		var apiErr DiscordAPIError
		if err := c.codec.Unmarshal(resp.Body, &apiErr); err == nil {
			resp.APIError = &apiErr
		}
	}

	return resp
}

// bucketResetAt converts a response's reset information into a monotonic-ms deadline,
// preferring reset_after (already relative, so immune to clock skew) over the absolute
// epoch-second reset timestamp.
func bucketResetAt(info RateLimitInfo, nowMonotonicMs, epochOffsetMs int64) int64 {
	if info.ResetAfter > 0 {
		return nowMonotonicMs + int64(info.ResetAfter*1000)
	}
	if info.ResetEpoch > 0 {
		return int64(info.ResetEpoch*1000) - epochOffsetMs
	}
	return nowMonotonicMs
}

// resolveRetryAfter picks the retry delay for a 429, per the decided tie-break: when the
// Retry-After header and the JSON body's retry_after disagree, the larger of the two
// wins, since the rate limiter in both cases is only ever telling us the minimum safe
// wait and a divergence means one of the two sources saw a longer-lived block.
func resolveRetryAfter(resp *Response) time.Duration {
	sec := resp.RateLimit.RetryAfter
	if resp.TooManyRequests != nil && resp.TooManyRequests.RetryAfter > sec {
		sec = resp.TooManyRequests.RetryAfter
	}
	if sec <= 0 {
		return 0
	}
	return time.Duration(sec * float64(time.Second))
}

func apiErrorMessage(resp *Response) string {
	if resp.APIError != nil {
		return resp.APIError.Message
	}
	return fmt.Sprintf("status %d", resp.StatusCode)
}
