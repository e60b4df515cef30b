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

import "sync"

// invalidWindow is the invalid-request circuit breaker: a fixed window counting
// 401/403/429 responses that blocks every further request once the configured limit is
// reached, until the window rolls over. Grounded on eugener-gandalf's
// internal/circuitbreaker.Breaker and its SlidingWindow, simplified from that package's
// 3-state closed/open/half-open machine to a single count-then-block shape: spec.md has
// no half-open probe, just "stop issuing requests until the window ends".
type invalidWindow struct {
	mu             sync.Mutex
	limit          int
	windowMs       int64
	windowStartMs  int64
	count          int
	blockedUntilMs int64
}

func newInvalidWindow(limit int, windowMs int64) *invalidWindow {
	return &invalidWindow{limit: limit, windowMs: windowMs}
}

// allow reports whether a request may proceed right now, rolling the window over first
// if it has expired.
func (w *invalidWindow) allow(nowMs int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.windowStartMs == 0 {
		w.windowStartMs = nowMs
	}
	if nowMs-w.windowStartMs >= w.windowMs {
		w.windowStartMs = nowMs
		w.count = 0
		w.blockedUntilMs = 0
	}

	return nowMs >= w.blockedUntilMs
}

// recordStatus registers a response's status code, tripping the block for the remainder
// of the current window once the limit is reached within it.
func (w *invalidWindow) recordStatus(nowMs int64, status int) {
	if status != 401 && status != 403 && status != 429 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.windowStartMs == 0 || nowMs-w.windowStartMs >= w.windowMs {
		w.windowStartMs = nowMs
		w.count = 0
	}

	w.count++
	if w.count >= w.limit {
		w.blockedUntilMs = w.windowStartMs + w.windowMs
	}
}
