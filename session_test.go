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
	"compress/zlib"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

// mockWSConn is a test WebSocketConn that records every frame written to it instead of
// touching the network.
type mockWSConn struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (c *mockWSConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), data...)
	c.written = append(c.written, cp)
	return nil
}

func (c *mockWSConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockWSConn) lastOp() gatewayOpcode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.written) == 0 {
		return -1
	}
	var p gatewayPayload
	_ = json.Unmarshal(c.written[len(c.written)-1], &p)
	return p.Op
}

func (c *mockWSConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

// mockWSDriver hands back a fixed mockWSConn and keeps the sink it was given so a test can
// push frames into the session from outside Process.
type mockWSDriver struct {
	conn *mockWSConn
	sink WebSocketSink
}

func (d *mockWSDriver) Dial(ctx context.Context, url string, sink WebSocketSink) (WebSocketConn, error) {
	d.sink = sink
	return d.conn, nil
}

func newTestGatewaySession(t *testing.T) (*GatewaySession, *mockWSDriver) {
	t.Helper()
	driver := &mockWSDriver{conn: &mockWSConn{}}
	g, err := NewGatewaySession("testtoken",
		WithWebSocketDriver(driver),
		WithGatewayLogger(NewDefaultLogger(nil, LogLevelDebugLevel)),
		WithIdentifyRateLimiter(instantIdentifyLimiter{}),
	)
	if err != nil {
		t.Fatalf("NewGatewaySession: %v", err)
	}
	if err := g.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return g, driver
}

type instantIdentifyLimiter struct{}

func (instantIdentifyLimiter) Wait() {}

func pushFrame(g *GatewaySession, sink WebSocketSink, op gatewayOpcode, seq int64, eventName string, d any) {
	body, _ := json.Marshal(d)
	payload := gatewayPayload{Op: op, D: json.RawMessage(body), S: seq, T: eventName}
	raw, _ := json.Marshal(payload)
	sink.OnReceive(raw, true)
}

func TestGatewaySession_HelloTriggersIdentify(t *testing.T) {
	g, driver := newTestGatewaySession(t)

	pushFrame(g, driver.sink, gatewayOpcodeHello, 0, "", map[string]any{"heartbeat_interval": 45000})
	if err := g.Process(50); err != nil {
		t.Fatal(err)
	}

	if driver.conn.count() == 0 {
		t.Fatal("expected an Identify frame to be written")
	}
	if op := driver.conn.lastOp(); op != gatewayOpcodeIdentify {
		t.Fatalf("expected the written frame to be Identify, got opcode %d", op)
	}
	if g.State() != GatewayStateIdentifying {
		t.Fatalf("expected state Identifying, got %s", g.State())
	}
}

func TestGatewaySession_HelloWithExistingSessionTriggersResume(t *testing.T) {
	g, driver := newTestGatewaySession(t)
	g.sessionID = "abc123"
	g.resumeURL = "wss://resume.example"
	g.seq = 42
	g.seqSet = true
	g.shouldResume = true

	pushFrame(g, driver.sink, gatewayOpcodeHello, 0, "", map[string]any{"heartbeat_interval": 45000})
	if err := g.Process(50); err != nil {
		t.Fatal(err)
	}

	if op := driver.conn.lastOp(); op != gatewayOpcodeResume {
		t.Fatalf("expected the written frame to be Resume, got opcode %d", op)
	}
	if g.State() != GatewayStateResuming {
		t.Fatalf("expected state Resuming, got %s", g.State())
	}
}

func TestGatewaySession_ReadyTransitionsToReadyAndDispatches(t *testing.T) {
	g, driver := newTestGatewaySession(t)

	var dispatched []string
	g.sink = dispatchRecorder(func(name string, seq int64, data []byte) {
		dispatched = append(dispatched, name)
	})

	pushFrame(g, driver.sink, gatewayOpcodeDispatch, 1, "READY", map[string]any{
		"session_id":        "sess-1",
		"resume_gateway_url": "wss://resume.example",
	})
	if err := g.Process(50); err != nil {
		t.Fatal(err)
	}

	if g.State() != GatewayStateReady {
		t.Fatalf("expected state Ready, got %s", g.State())
	}
	if g.sessionID != "sess-1" {
		t.Fatalf("expected session id to be captured, got %q", g.sessionID)
	}
	if len(dispatched) != 1 || dispatched[0] != "READY" {
		t.Fatalf("expected exactly one READY dispatch, got %v", dispatched)
	}
}

// dispatchRecorder adapts a plain func into a GatewayEventSink for assertions.
type dispatchRecorder func(eventName string, seq int64, data []byte)

func (f dispatchRecorder) OnDispatch(eventName string, seq int64, data []byte) { f(eventName, seq, data) }
func (dispatchRecorder) OnStateChange(GatewayState, GatewayState)              {}

func TestGatewaySession_DuplicateSeqIsDroppedNotRedispatched(t *testing.T) {
	g, driver := newTestGatewaySession(t)

	var dispatched int
	g.sink = dispatchRecorder(func(name string, seq int64, data []byte) { dispatched++ })

	pushFrame(g, driver.sink, gatewayOpcodeDispatch, 5, "MESSAGE_CREATE", map[string]any{"id": "1"})
	pushFrame(g, driver.sink, gatewayOpcodeDispatch, 5, "MESSAGE_CREATE", map[string]any{"id": "1"})
	pushFrame(g, driver.sink, gatewayOpcodeDispatch, 4, "MESSAGE_CREATE", map[string]any{"id": "stale"})

	if err := g.Process(50); err != nil {
		t.Fatal(err)
	}

	if dispatched != 1 {
		t.Fatalf("expected exactly one dispatch for seq 5, duplicates and stale seqs dropped, got %d", dispatched)
	}
	if g.seq != 5 {
		t.Fatalf("expected seq to settle at 5, got %d", g.seq)
	}
}

func TestGatewaySession_HeartbeatAckClearsZombieState(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	now := MonotonicNowMs()
	g.heartbeat.established = true
	g.heartbeat.intervalMs = 1000
	g.heartbeat.awaitingAck = true
	g.heartbeat.lastSentAtMs = now - 2000

	if !g.heartbeat.zombied(now, 0) {
		t.Fatal("expected zombied() to be true once the ack is overdue past max(timeout, interval)")
	}
	if g.heartbeat.zombied(now-1500, 0) {
		t.Fatal("expected zombied() to be false before the ack deadline has passed")
	}

	g.heartbeat.onAck(now)
	if g.heartbeat.zombied(now, 0) {
		t.Fatal("expected zombied() to clear after onAck")
	}
}

func TestGatewaySession_ZombieHeartbeatTriggersReconnect(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	g.setState(GatewayStateReady)
	now := MonotonicNowMs()
	g.heartbeat.established = true
	g.heartbeat.intervalMs = 1000
	g.heartbeat.awaitingAck = true
	g.heartbeat.lastSentAtMs = now - 2000

	g.checkHeartbeat()

	if g.State() != GatewayStateReconnecting {
		t.Fatalf("expected a zombied heartbeat to force a reconnect, got state %s", g.State())
	}
	if g.LastError() != ErrorKindTimeout {
		t.Fatalf("expected last_error Timeout, got %s", g.LastError())
	}
}

func TestGatewaySession_HeartbeatNotYetOverdueIsNotZombied(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	g.setState(GatewayStateReady)
	now := MonotonicNowMs()
	g.heartbeat.established = true
	g.heartbeat.intervalMs = 1000
	g.heartbeat.awaitingAck = true
	g.heartbeat.lastSentAtMs = now
	g.heartbeat.nextDueMs = now + 1000

	g.checkHeartbeat()

	if g.State() == GatewayStateReconnecting {
		t.Fatal("a heartbeat awaiting ack for less than the timeout must not force a reconnect")
	}
}

func TestGatewaySession_ReconnectBackoffDoublesAndCaps(t *testing.T) {
	g, _ := newTestGatewaySession(t)

	for i := 0; i < 8; i++ {
		before := MonotonicNowMs()
		g.beginReconnect(true)
		delay := g.reconnectAtMs - before
		// Jitter is drawn afresh on every attempt, so only the un-jittered backoff
		// (doubling from 1s, capped at 30s) is a guaranteed floor.
		base := int64(minReconnectBackoffMs) << i
		if base > maxReconnectBackoffMs {
			base = maxReconnectBackoffMs
		}
		if delay < base {
			t.Fatalf("iteration %d: delay %dms is below the %dms backoff", i, delay, base)
		}
		if delay > maxReconnectBackoffMs+maxReconnectBackoffMs/5+10 {
			t.Fatalf("iteration %d: backoff %dms exceeds the capped ceiling plus jitter", i, delay)
		}
	}
}

func TestGatewaySession_NonReconnectableCloseSuppressesReconnect(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	g.sessionID = "sess-1"
	g.seq = 99
	g.seqSet = true

	g.handleClose(int(GatewayCloseEventCodeAuthenticationFailed), true)

	if g.sessionID != "" || g.seq != 0 || g.seqSet {
		t.Fatalf("expected session to be cleared on a non-reconnectable close, got sessionID=%q seq=%d seqSet=%v", g.sessionID, g.seq, g.seqSet)
	}
	if g.State() != GatewayStateDisconnected {
		t.Fatalf("expected a non-reconnectable close to suppress auto-reconnect (state Disconnected), got %s", g.State())
	}
	if g.LastError() != ErrorKindUnauthorized {
		t.Fatalf("expected last_error Unauthorized for a 4004 close, got %s", g.LastError())
	}
}

func TestGatewaySession_InvalidIntentsCloseSetsInvalidParam(t *testing.T) {
	g, _ := newTestGatewaySession(t)

	g.handleClose(int(GatewayCloseEventCodeInvalidIntents), true)

	if g.State() != GatewayStateDisconnected {
		t.Fatalf("expected state Disconnected, got %s", g.State())
	}
	if g.LastError() != ErrorKindInvalidParam {
		t.Fatalf("expected last_error InvalidParam for a 4013 close, got %s", g.LastError())
	}
}

func TestGatewaySession_ReconnectableCloseKeepsSession(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	g.sessionID = "sess-1"
	g.seq = 99

	g.handleClose(int(GatewayCloseEventCodeUnknownError), true)

	if g.sessionID != "sess-1" || g.seq != 99 {
		t.Fatalf("expected session to survive a reconnectable close, got sessionID=%q seq=%d", g.sessionID, g.seq)
	}
	if g.State() != GatewayStateReconnecting {
		t.Fatalf("expected state Reconnecting, got %s", g.State())
	}
}

func TestGatewaySession_InvalidSeqCloseForcesFreshIdentifyButReconnects(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	g.sessionID = "sess-1"
	g.seq = 99
	g.seqSet = true

	g.handleClose(int(GatewayCloseEventCodeInvalidSeq), true)

	if g.sessionID != "" || g.seqSet {
		t.Fatalf("expected a 4007 close to clear the session, got sessionID=%q seqSet=%v", g.sessionID, g.seqSet)
	}
	if g.State() != GatewayStateReconnecting {
		t.Fatalf("expected a 4007 close to still schedule a reconnect, got state %s", g.State())
	}
}

// TestGatewaySession_InvalidSessionSchedulesReconnectWithinWindow covers scenario S6:
// op 9 with d=false clears the outbox and session, and schedules a reconnect between 1s
// and 5s from now, moving to Reconnecting without retrying over the same socket.
func TestGatewaySession_InvalidSessionSchedulesReconnectWithinWindow(t *testing.T) {
	g, driver := newTestGatewaySession(t)
	g.sessionID = "sess-1"
	g.seq = 99
	g.seqSet = true
	g.outbox.enqueue(outboxMessage{payload: []byte(`{"op":1,"d":null}`), dueAt: 0})

	before := MonotonicNowMs()
	pushFrame(g, driver.sink, gatewayOpcodeInvalidSession, 0, "", false)
	if err := g.Process(10); err != nil {
		t.Fatal(err)
	}

	if g.sessionID != "" || g.seqSet {
		t.Fatalf("expected session to be cleared, got sessionID=%q seqSet=%v", g.sessionID, g.seqSet)
	}
	if !g.outbox.empty() {
		t.Fatal("expected the outbox to be cleared")
	}
	if g.State() != GatewayStateReconnecting {
		t.Fatalf("expected state Reconnecting, got %s", g.State())
	}
	delay := g.reconnectAtMs - before
	if delay < invalidSessionMinDelayMs || delay > invalidSessionMaxDelayMs {
		t.Fatalf("expected a reconnect scheduled within [%d, %d]ms, got %dms", invalidSessionMinDelayMs, invalidSessionMaxDelayMs, delay)
	}
}

func TestGatewaySession_DisconnectSuppressesAutoReconnect(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	g.sessionID = "sess-1"
	g.seq = 42
	g.seqSet = true

	if err := g.Disconnect(); err != nil {
		t.Fatal(err)
	}
	if g.State() != GatewayStateDisconnected {
		t.Fatalf("expected state Disconnected after Disconnect, got %s", g.State())
	}

	// A close event arriving afterward (e.g. the driver's async teardown) must not
	// resurrect a reconnect: the manual flag wins regardless of the close code.
	g.handleClose(int(GatewayCloseEventCodeUnknownError), true)

	if g.State() != GatewayStateDisconnected {
		t.Fatalf("expected Disconnect to suppress auto-reconnect on the trailing close event, got %s", g.State())
	}
	if g.sessionID != "" || g.seqSet {
		t.Fatalf("expected Disconnect to clear the session, got sessionID=%q seqSet=%v", g.sessionID, g.seqSet)
	}
}

func TestGatewaySession_ConnectReachesConnectedState(t *testing.T) {
	g, _ := newTestGatewaySession(t)
	if g.State() != GatewayStateConnected {
		t.Fatalf("expected Connect to reach state Connected, got %s", g.State())
	}
}

func TestGatewaySession_HeartbeatPayloadIsNullBeforeAnySeq(t *testing.T) {
	g, driver := newTestGatewaySession(t)
	g.heartbeat.established = true
	g.heartbeat.intervalMs = 45000
	g.heartbeat.nextDueMs = MonotonicNowMs()

	if err := g.Process(10); err != nil {
		t.Fatal(err)
	}

	if driver.conn.count() == 0 {
		t.Fatal("expected a heartbeat frame to be written")
	}
	var p struct {
		D json.RawMessage `json:"d"`
	}
	if err := json.Unmarshal(driver.conn.written[len(driver.conn.written)-1], &p); err != nil {
		t.Fatal(err)
	}
	if string(p.D) != "null" {
		t.Fatalf("expected d to be JSON null before any seq was observed, got %s", p.D)
	}
}

func TestGatewaySession_UpdatePresenceRequiresReady(t *testing.T) {
	g, _ := newTestGatewaySession(t)

	if err := g.UpdatePresence("online", "", 0); err == nil {
		t.Fatal("expected UpdatePresence to fail outside state Ready")
	}

	g.setState(GatewayStateReady)
	if err := g.UpdatePresence("online", "playing chess", 0); err != nil {
		t.Fatalf("UpdatePresence while Ready: %v", err)
	}
}

func TestGatewaySession_RequestGuildMembersValidation(t *testing.T) {
	g, _ := newTestGatewaySession(t)

	cases := []struct {
		name    string
		query   string
		limit   int
		userIDs []string
		nonce   string
		wantErr bool
	}{
		{name: "neither query nor user_ids", wantErr: true},
		{name: "both query and user_ids", query: "a", userIDs: []string{"1"}, wantErr: true},
		{name: "query only", query: "a", wantErr: false},
		{name: "user_ids only", userIDs: []string{"1", "2"}, wantErr: false},
		{name: "too many user_ids", userIDs: make([]string, 101), wantErr: true},
		{name: "nonce too long", userIDs: []string{"1"}, nonce: strings.Repeat("x", 33), wantErr: true},
	}

	for _, tc := range cases {
		err := g.RequestGuildMembers("guild-1", tc.query, tc.limit, tc.userIDs, false, tc.nonce)
		if tc.wantErr && err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
		if !tc.wantErr && err != nil {
			t.Errorf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestGatewaySession_RequestSoundboardSoundsRequiresAtLeastOneGuild(t *testing.T) {
	g, _ := newTestGatewaySession(t)

	if err := g.RequestSoundboardSounds(nil); err == nil {
		t.Fatal("expected an error with no guild ids")
	}
	if err := g.RequestSoundboardSounds([]string{"guild-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestGatewaySession_UpdateVoiceStateNilChannelMeansLeave(t *testing.T) {
	g, driver := newTestGatewaySession(t)

	if err := g.UpdateVoiceState("guild-1", nil, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.Process(10); err != nil {
		t.Fatal(err)
	}

	if driver.conn.count() == 0 {
		t.Fatal("expected a voice state update frame")
	}
	var p struct {
		D struct {
			ChannelID *string `json:"channel_id"`
		} `json:"d"`
	}
	if err := json.Unmarshal(driver.conn.written[len(driver.conn.written)-1], &p); err != nil {
		t.Fatal(err)
	}
	if p.D.ChannelID != nil {
		t.Fatal("expected a nil channel_id to marshal to JSON null")
	}
}

func TestOutbox_RejectsOversizedPayload(t *testing.T) {
	ob := newOutbox()
	big := make([]byte, maxOutboxPayloadBytes+1)
	if err := ob.enqueue(outboxMessage{payload: big}); err == nil {
		t.Fatal("expected an oversized payload to be rejected at enqueue")
	}
	if err := ob.enqueueFront(outboxMessage{payload: big}); err == nil {
		t.Fatal("expected an oversized payload to be rejected at enqueueFront")
	}
}

func TestOutbox_HeartbeatBypassesSendBudget(t *testing.T) {
	ob := newOutbox()
	now := MonotonicNowMs()

	for i := 0; i < sendBudgetLimit; i++ {
		ob.enqueue(outboxMessage{payload: []byte("x"), dueAt: now})
	}
	for i := 0; i < sendBudgetLimit; i++ {
		if msg := ob.dequeueReady(now); msg == nil {
			t.Fatalf("message %d should have been within budget", i)
		}
	}

	ob.enqueue(outboxMessage{payload: []byte("x"), dueAt: now})
	if msg := ob.dequeueReady(now); msg != nil {
		t.Fatal("budget should be exhausted for a non-urgent message")
	}

	ob.enqueueFront(outboxMessage{payload: []byte("heartbeat"), opcode: gatewayOpcodeHeartbeat, urgent: true})
	if msg := ob.dequeueReady(now); msg == nil {
		t.Fatal("an urgent heartbeat must bypass the exhausted send budget")
	}
}

func TestHeartbeatState_DueAfterInterval(t *testing.T) {
	var h heartbeatState
	now := MonotonicNowMs()
	h.onHello(1000, now, 0)

	if !h.due(now) {
		t.Fatal("with jitter 0 the first heartbeat should be due immediately")
	}
	h.onSent(now)
	if h.due(now) {
		t.Fatal("should not be due again immediately after a heartbeat was sent")
	}
	if !h.due(now + 1000) {
		t.Fatal("should be due once the interval has elapsed")
	}
}

func TestZlibReaderWrapper_IncrementalInflate(t *testing.T) {
	w := AcquireZlibReader()
	defer ReleaseZlibReader(w)

	full := compressForTest(t, []byte(`{"op":10,"d":{"heartbeat_interval":1000}}`))

	mid := len(full) / 2
	out, err := w.Decompress(full[:mid])
	if err != nil {
		t.Fatal(err)
	}
	if out != nil {
		t.Fatal("expected nil while the zlib-stream suffix has not arrived yet")
	}

	out, err = w.Decompress(full[mid:])
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"op":10,"d":{"heartbeat_interval":1000}}` {
		t.Fatalf("unexpected inflate output: %q", out)
	}
}

func compressForTest(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	// A sync flush, not Close: Discord's zlib-stream never closes the stream, each
	// message ends in the 00 00 ff ff marker Decompress looks for.
	if err := zw.Flush(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}
