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

// heartbeatState tracks the Gateway heartbeat discipline across Process calls. Rewritten
// from goda's Shard.startHeartbeat, which ran its own ticker goroutine and checked
// lastHeartbeatACK before each tick; corvid instead polls this state from
// GatewaySession.Process, since the whole state machine is driven by a single caller
// loop rather than a dedicated per-shard goroutine.
type heartbeatState struct {
	intervalMs    int64
	nextDueMs     int64
	lastSentAtMs  int64
	awaitingAck   bool
	latencyMs     int64
	established   bool
}

// onHello starts the heartbeat schedule off a Hello payload's heartbeat_interval, jittered
// per the Gateway docs: the first heartbeat is due at now + interval*jitter, jitter in
// [0, 1), so a large pool of shards connecting at once doesn't all heartbeat in lockstep.
func (h *heartbeatState) onHello(intervalMs int64, nowMs int64, jitter float64) {
	h.intervalMs = intervalMs
	h.nextDueMs = nowMs + int64(float64(intervalMs)*jitter)
	h.awaitingAck = false
	h.established = true
}

// due reports whether a heartbeat should be sent at nowMs.
func (h *heartbeatState) due(nowMs int64) bool {
	return h.established && nowMs >= h.nextDueMs
}

// zombied reports a connection that missed its ACK: a heartbeat is still unacked after
// max(heartbeatTimeoutMs, interval) since it was sent, meaning the connection is a zombie
// and must be torn down and reconnected.
// heartbeatTimeoutMs is the caller's configured heartbeat_timeout_ms, 0 if unset.
func (h *heartbeatState) zombied(nowMs, heartbeatTimeoutMs int64) bool {
	if !h.established || !h.awaitingAck {
		return false
	}
	threshold := h.intervalMs
	if heartbeatTimeoutMs > threshold {
		threshold = heartbeatTimeoutMs
	}
	return nowMs-h.lastSentAtMs >= threshold
}

// onSent records that a heartbeat was just sent; the next one is due a full interval
// later, and an ACK is now expected before then.
func (h *heartbeatState) onSent(nowMs int64) {
	h.lastSentAtMs = nowMs
	h.nextDueMs = nowMs + h.intervalMs
	h.awaitingAck = true
}

// onAck records a HeartbeatACK, closing out the latency measurement for the heartbeat
// that was in flight.
func (h *heartbeatState) onAck(nowMs int64) {
	h.awaitingAck = false
	h.latencyMs = nowMs - h.lastSentAtMs
}

// reset clears all heartbeat scheduling, for use when a connection is torn down; the new
// connection's Hello will call onHello again.
func (h *heartbeatState) reset() {
	*h = heartbeatState{}
}
