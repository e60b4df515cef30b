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

import "strings"

// bucket holds per-route rate-limit state. id is empty until Discord has told us the
// bucket id it actually scopes this route to; until then the bucket lives only in the
// route index.
type bucket struct {
	routeKey           string
	major              string
	id                 string
	limit              int
	remaining          int
	resetAtMonotonicMs int64
}

type routeMajorKey struct {
	route string
	major string
}

type idMajorKey struct {
	id    string
	major string
}

// bucketTable is the two-index bucket store: a route index, populated the first time a
// (route_key, major) pair is seen, and a discovered index, populated once a response
// carries X-RateLimit-Bucket, plus the route->id mapping that lets later requests on the
// same route skip straight to the discovered bucket. Grounded on disgord's
// httd.rateLimitMngr.Bucket/Consolidate split (lookup without a server-assigned id first,
// then fold the route into the discovered bucket once one shows up). Every method here
// assumes the caller holds RESTClient.mu; the table has no locking of its own.
type bucketTable struct {
	byRoute   map[routeMajorKey]*bucket
	byID      map[idMajorKey]*bucket
	routeToID map[routeMajorKey]string
}

func newBucketTable() *bucketTable {
	return &bucketTable{
		byRoute:   make(map[routeMajorKey]*bucket),
		byID:      make(map[idMajorKey]*bucket),
		routeToID: make(map[routeMajorKey]string),
	}
}

// lookup resolves the bucket governing (routeKey, major): the discovered bucket if the
// route has already been consolidated into one, otherwise the route-indexed bucket,
// creating a fresh one (remaining=1, so the first request on an unseen route is never
// held back) if neither exists yet.
func (t *bucketTable) lookup(routeKey, major string) *bucket {
	rk := routeMajorKey{routeKey, major}

	if id, ok := t.routeToID[rk]; ok {
		if b, ok := t.byID[idMajorKey{id, major}]; ok {
			return b
		}
	}

	if b, ok := t.byRoute[rk]; ok {
		return b
	}

	b := &bucket{routeKey: routeKey, major: major, remaining: 1}
	t.byRoute[rk] = b
	return b
}

// observe folds a response's rate-limit headers into b, consolidating the route into the
// discovered index the first time a bucket id shows up.
func (t *bucketTable) observe(b *bucket, id string, limit, remaining int, resetAtMonotonicMs int64) {
	if limit > 0 {
		b.limit = limit
	}
	b.remaining = remaining
	b.resetAtMonotonicMs = resetAtMonotonicMs

	if id == "" {
		return
	}
	if b.id != id {
		b.id = id
		t.byID[idMajorKey{id, b.major}] = b
	}
	t.routeToID[routeMajorKey{b.routeKey, b.major}] = id
}

// bucketWaitDuration reports how long the caller must wait before issuing a request
// against b, given the last observed remaining/reset.
func bucketWaitDuration(b *bucket, nowMs int64) int64 {
	if b.remaining > 0 {
		return 0
	}
	if b.resetAtMonotonicMs <= nowMs {
		return 0
	}
	return b.resetAtMonotonicMs - nowMs
}

// computeRouteKey computes the deterministic (route_key, major) pair used to look up a
// bucket: the method verb plus the path with every numeric segment replaced by :id (and
// the webhook token segment immediately following /webhooks/:id/ replaced by :token), and
// the major parameter pulled from the first numeric segment following
// channels/guilds/webhooks/interactions, defaulting to "global" when none is found.
// Rewritten from goda's requester.generateBucketKey, dropping its DELETE-old-message
// special case: that branch parsed a Snowflake's embedded timestamp to special-case
// messages older than 14 days, which needs Snowflake decoding this core does not own.
func computeRouteKey(method, path string) (routeKey, major string) {
	path = normalizeRoutePath(path)
	segments := strings.Split(strings.TrimPrefix(path, "/"), "/")
	out := make([]string, len(segments))
	major = "global"
	majorFound := false
	tokenNext := false

	for i, seg := range segments {
		if tokenNext {
			out[i] = ":token"
			tokenNext = false
			continue
		}
		if !isNumericSegment(seg) {
			out[i] = seg
			continue
		}

		out[i] = ":id"
		var parent string
		if i > 0 {
			parent = segments[i-1]
		}
		if !majorFound && isMajorParent(parent) {
			major = seg
			majorFound = true
		}
		if parent == "webhooks" {
			tokenNext = true
		}
	}

	return method + ":/" + strings.Join(out, "/"), major
}

func isMajorParent(seg string) bool {
	switch seg {
	case "channels", "guilds", "webhooks", "interactions":
		return true
	default:
		return false
	}
}

func isNumericSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func normalizeRoutePath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if strings.HasPrefix(raw, discordBaseURL) {
		raw = raw[len(discordBaseURL):]
	}
	if raw == "" {
		raw = "/"
	}
	return raw
}
