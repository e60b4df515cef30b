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
	"net/http"
	"strconv"
)

// RateLimitInfo is the rate-limit snapshot parsed off a REST response's headers.
type RateLimitInfo struct {
	Limit      int
	Remaining  int
	ResetEpoch float64 // X-RateLimit-Reset: fractional Unix epoch seconds
	ResetAfter float64 // X-RateLimit-Reset-After: seconds until reset
	RetryAfter float64 // Retry-After: seconds, 429 responses only
	Global     bool
	Scope      string
	Bucket     string
}

// TooManyRequestsBody is the parsed JSON body Discord sends on a 429 response.
type TooManyRequestsBody struct {
	Message    string  `json:"message"`
	RetryAfter float64 `json:"retry_after"`
	Global     bool    `json:"global"`
}

// DiscordAPIError is the parsed JSON error body Discord sends for status >= 400.
type DiscordAPIError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Errors  map[string]any `json:"errors,omitempty"`
}

// Response is the output of RESTClient.Execute, on both success and failure paths that
// reached the server (transport and validation failures never produce one).
type Response struct {
	StatusCode      int
	Headers         http.Header
	Body            []byte
	RateLimit       RateLimitInfo
	TooManyRequests *TooManyRequestsBody
	APIError        *DiscordAPIError
}

// parseRateLimitInfo reads the X-RateLimit-* and Retry-After headers into a
// RateLimitInfo. Absent or unparsable headers leave their field at its zero value.
func parseRateLimitInfo(h http.Header) RateLimitInfo {
	info := RateLimitInfo{
		Scope:  h.Get(headerRateLimitScope),
		Bucket: h.Get(headerRateLimitBucket),
		Global: h.Get(headerRateLimitGlobal) == "true",
	}
	if v := h.Get(headerRateLimitLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Limit = n
		}
	}
	if v := h.Get(headerRateLimitRemaining); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
		}
	}
	if v := h.Get(headerRateLimitReset); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			info.ResetEpoch = f
		}
	}
	if v := h.Get(headerRateLimitResetAfter); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			info.ResetAfter = f
		}
	}
	if v := h.Get(headerRateLimitRetryAfter); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			info.RetryAfter = f
		}
	}
	return info
}
