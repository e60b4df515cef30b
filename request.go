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
	"strings"
	"time"
)

// Request is the input to RESTClient.Execute. Path may be a path relative to the
// Discord API root ("/users/@me") or a full https://discord.com/api/v10/... URL.
type Request struct {
	Method        string
	Path          string
	Headers       http.Header
	Body          []byte
	IsJSON        bool
	Timeout       time.Duration
	IsInteraction bool
}

// callerForbiddenHeaders names the headers RESTClient.Execute always sets itself;
// Authorization and User-Agent must never leak through from caller-supplied headers.
var callerForbiddenHeaders = map[string]struct{}{
	"Authorization": {},
	"User-Agent":    {},
}

// validate enforces the request-shape invariants Execute must reject before ever
// touching the transport: forbidden headers, a Content-Type for non-JSON bodies, and a
// well-formed path.
func (req *Request) validate() *Error {
	for name := range req.Headers {
		canon := http.CanonicalHeaderKey(name)
		if _, forbidden := callerForbiddenHeaders[canon]; forbidden {
			return newErr(ErrorKindInvalidParam, "caller must not set the %s header", canon)
		}
	}

	if len(req.Body) > 0 && !req.IsJSON && req.Headers.Get("Content-Type") == "" {
		return newErr(ErrorKindInvalidParam, "a non-JSON body requires an explicit Content-Type header")
	}

	return validateRequestPath(req.Path)
}

func validateRequestPath(path string) *Error {
	if strings.HasPrefix(path, "/") {
		return nil
	}
	if strings.HasPrefix(path, discordBaseURL+"/") || path == discordBaseURL {
		return nil
	}
	return newErr(ErrorKindInvalidParam, "path must be relative or start with %s: %q", discordBaseURL, path)
}
