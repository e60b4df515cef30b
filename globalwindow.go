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
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// globalWindow enforces the Discord-wide rolling issuance cap, independent of any
// per-bucket limit, and tracks the absolute deadline a global 429 imposes. Grounded on
// TheRogue76-DiscordLiteServer's internal/ratelimit.RateLimiter, which already wires
// golang.org/x/time/rate to the same Discord global-limit concept this core generalizes
// to the Gateway/REST split spec.md describes.
type globalWindow struct {
	mu                    sync.Mutex
	limiter               *rate.Limiter
	blockUntilMonotonicMs int64
}

func newGlobalWindow(perSecond int, windowMs int64) *globalWindow {
	if perSecond <= 0 {
		perSecond = 50
	}
	if windowMs <= 0 {
		windowMs = 1000
	}
	rps := float64(perSecond) * 1000.0 / float64(windowMs)
	return &globalWindow{limiter: rate.NewLimiter(rate.Limit(rps), perSecond)}
}

// skipGlobalWindow reports whether req is exempt from the global gate: interaction
// callbacks are, per spec.md §4.A.
func skipGlobalWindow(req *Request) bool {
	return req.IsInteraction || strings.HasPrefix(normalizeRoutePath(req.Path), "/interactions/")
}

// wait returns how long the caller must sleep before the global gate allows one more
// issuance: first any active block deadline from a prior global 429, then the rolling
// limiter's own reservation delay.
func (g *globalWindow) wait(nowMonotonicMs int64) time.Duration {
	g.mu.Lock()
	until := g.blockUntilMonotonicMs
	g.mu.Unlock()

	if until > nowMonotonicMs {
		return time.Duration(until-nowMonotonicMs) * time.Millisecond
	}

	r := g.limiter.ReserveN(time.Now(), 1)
	if !r.OK() {
		return 0
	}
	return r.Delay()
}

// block raises the global deadline after a response carries the global 429 flag.
func (g *globalWindow) block(nowMonotonicMs int64, retryAfter time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	deadline := nowMonotonicMs + retryAfter.Milliseconds()
	if deadline > g.blockUntilMonotonicMs {
		g.blockUntilMonotonicMs = deadline
	}
}
