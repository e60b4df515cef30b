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
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// GatewayState is the state of a GatewaySession's connection lifecycle.
type GatewayState int

const (
	GatewayStateDisconnected GatewayState = iota
	GatewayStateConnecting
	GatewayStateConnected
	GatewayStateIdentifying
	GatewayStateResuming
	GatewayStateReady
	GatewayStateReconnecting
)

func (s GatewayState) String() string {
	switch s {
	case GatewayStateConnecting:
		return "connecting"
	case GatewayStateConnected:
		return "connected"
	case GatewayStateIdentifying:
		return "identifying"
	case GatewayStateResuming:
		return "resuming"
	case GatewayStateReady:
		return "ready"
	case GatewayStateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// GatewayEventSink receives Gateway events as they're dispatched, plus session lifecycle
// transitions. Implementations must not block: they're invoked from inside
// GatewaySession.Process.
type GatewayEventSink interface {
	OnDispatch(eventName string, seq int64, data []byte)
	OnStateChange(old, new GatewayState)
}

const (
	defaultGatewayURL     = "wss://gateway.discord.gg"
	minReconnectBackoffMs = 1_000
	maxReconnectBackoffMs = 30_000

	// invalidSessionMinDelayMs/invalidSessionMaxDelayMs bound the uniform-random delay
	// spec.md §4.B prescribes for op 9 INVALID_SESSION: a reconnect between 1s and 5s
	// from now, distinct from beginReconnect's exponential backoff.
	invalidSessionMinDelayMs = 1_000
	invalidSessionMaxDelayMs = 5_000

	defaultConnectTimeoutMs = 10_000
)

// GatewaySession is a single Discord Gateway connection and its session state: the
// Disconnected -> Connecting -> Identifying|Resuming -> Ready <-> Reconnecting machine
// spec.md §4.B describes. Rewritten from goda's Shard, which spread the same state
// across a background readLoop goroutine, a ticker-driven heartbeat goroutine, and a
// handful of atomics. GatewaySession instead keeps all of that state unshared and
// mutates it only from Process, so the whole machine is single-threaded by construction
// rather than by careful atomic bookkeeping. mu guards only the handful of fields a
// caller may read concurrently with Process (State, Latency).
type GatewaySession struct {
	mu sync.Mutex

	token              string
	intents            GatewayIntent
	shardID            int
	shardCount         int
	largeThreshold     int
	compress           bool
	payloadCompression bool
	heartbeatTimeoutMs int64
	connectTimeoutMs   int64

	driver          WebSocketDriver
	codec           Codec
	logger          Logger
	identifyLimiter ShardsIdentifyRateLimiter
	sink            GatewayEventSink

	state  GatewayState
	conn   WebSocketConn
	wsSink *chanSink

	sessionID    string
	resumeURL    string
	seq          int64
	seqSet       bool
	shouldResume bool

	heartbeat heartbeatState
	outbox    *outbox
	zlib      *zlibReaderWrapper

	reconnectAttempt int
	reconnectAtMs    int64
	closeResumable   bool
	connectDeadlineMs int64

	manualDisconnect bool
	lastError        ErrorKind

	rng *rand.Rand
}

type gatewaySessionConfig struct {
	intents            GatewayIntent
	shardID            int
	shardCount         int
	largeThreshold     int
	compress           bool
	payloadCompression bool
	heartbeatTimeoutMs int64
	connectTimeoutMs   int64
	driver             WebSocketDriver
	codec              Codec
	logger             Logger
	identifyLimiter    ShardsIdentifyRateLimiter
	sink               GatewayEventSink
}

type GatewaySessionOption func(*gatewaySessionConfig)

func WithGatewayIntents(intents GatewayIntent) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.intents = intents }
}

func WithShard(shardID, shardCount int) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.shardID, c.shardCount = shardID, shardCount }
}

func WithLargeThreshold(n int) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.largeThreshold = n }
}

func WithCompression(enabled bool) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.compress = enabled }
}

// WithPayloadCompression requests per-payload zlib compression via the Identify "compress"
// field, as distinct from WithCompression's zlib-stream transport framing; spec.md §4.B
// requires the two stay mutually exclusive.
func WithPayloadCompression(enabled bool) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.payloadCompression = enabled }
}

// WithHeartbeatTimeout sets heartbeat_timeout_ms: a heartbeat unacked for longer than
// max(this, the Hello interval) marks the connection a zombie.
func WithHeartbeatTimeout(d time.Duration) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.heartbeatTimeoutMs = d.Milliseconds() }
}

// WithConnectTimeout sets connect_timeout_ms: how long Process allows a dial to reach
// Connected before giving up and scheduling a reconnect.
func WithConnectTimeout(d time.Duration) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.connectTimeoutMs = d.Milliseconds() }
}

func WithWebSocketDriver(d WebSocketDriver) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.driver = d }
}

func WithGatewayCodec(codec Codec) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.codec = codec }
}

func WithGatewayLogger(logger Logger) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.logger = logger }
}

func WithIdentifyRateLimiter(l ShardsIdentifyRateLimiter) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.identifyLimiter = l }
}

func WithGatewayEventSink(sink GatewayEventSink) GatewaySessionOption {
	return func(c *gatewaySessionConfig) { c.sink = sink }
}

// NewGatewaySession validates opts and constructs a GatewaySession. token must be
// non-empty; shardCount, when set, must be greater than shardID.
func NewGatewaySession(token string, opts ...GatewaySessionOption) (*GatewaySession, error) {
	if token == "" {
		return nil, newErr(ErrorKindInvalidParam, "token must not be empty")
	}

	cfg := &gatewaySessionConfig{shardCount: 1, largeThreshold: 50}
	for _, opt := range opts {
		opt(cfg)
	}

	if cfg.shardCount < 1 || cfg.shardID < 0 || cfg.shardID >= cfg.shardCount {
		return nil, newErr(ErrorKindInvalidParam, "shard_id must be in [0, shard_count)")
	}
	if cfg.compress && cfg.payloadCompression {
		return nil, newErr(ErrorKindInvalidParam, "enable_compression and enable_payload_compression are mutually exclusive")
	}
	if cfg.connectTimeoutMs <= 0 {
		cfg.connectTimeoutMs = defaultConnectTimeoutMs
	}

	if cfg.driver == nil {
		cfg.driver = defaultWebSocketDriver{}
	}
	if cfg.codec == nil {
		cfg.codec = defaultCodec
	}
	if cfg.logger == nil {
		cfg.logger = NewDefaultLogger(nil, LogLevelInfoLevel)
	}
	if cfg.identifyLimiter == nil {
		cfg.identifyLimiter = NewDefaultShardsRateLimiter(1, 5*time.Second)
	}
	if cfg.sink == nil {
		cfg.sink = noopGatewayEventSink{}
	}

	return &GatewaySession{
		token:              token,
		intents:            cfg.intents,
		shardID:            cfg.shardID,
		shardCount:         cfg.shardCount,
		largeThreshold:     cfg.largeThreshold,
		compress:           cfg.compress,
		payloadCompression: cfg.payloadCompression,
		heartbeatTimeoutMs: cfg.heartbeatTimeoutMs,
		connectTimeoutMs:   cfg.connectTimeoutMs,
		driver:             cfg.driver,
		codec:              cfg.codec,
		logger:             cfg.logger,
		identifyLimiter:    cfg.identifyLimiter,
		sink:               cfg.sink,
		outbox:             newOutbox(),
		rng:                rand.New(rand.NewSource(MonotonicNow())),
	}, nil
}

// LastError returns the protocol-fatal error (if any) recorded the last time the session
// suppressed auto-reconnect or timed out a heartbeat. Callers consult this between
// Process calls the way REST callers consult a returned Error, per spec.md §7.
func (g *GatewaySession) LastError() ErrorKind {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastError
}

type noopGatewayEventSink struct{}

func (noopGatewayEventSink) OnDispatch(string, int64, []byte) {}
func (noopGatewayEventSink) OnStateChange(GatewayState, GatewayState) {}

// State returns the session's current lifecycle state.
func (g *GatewaySession) State() GatewayState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Latency returns the most recently measured heartbeat round-trip, in milliseconds.
func (g *GatewaySession) Latency() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.heartbeat.latencyMs
}

func (g *GatewaySession) setState(s GatewayState) {
	g.mu.Lock()
	old := g.state
	g.state = s
	g.mu.Unlock()
	if old != s {
		g.sink.OnStateChange(old, s)
	}
}

// Connect dials the Gateway for the first time. Subsequent reconnects are handled
// internally by Process; callers only call Connect once, at startup.
func (g *GatewaySession) Connect(ctx context.Context) error {
	return g.dial(ctx, g.dialURL(defaultGatewayURL))
}

func (g *GatewaySession) dialURL(base string) string {
	url := base
	if !strings.Contains(url, "?") {
		url += "?v=10&encoding=json"
	}
	if g.compress {
		url += "&compress=zlib-stream"
	}
	return url
}

func (g *GatewaySession) dial(ctx context.Context, url string) error {
	g.setState(GatewayStateConnecting)
	g.connectDeadlineMs = MonotonicNowMs() + g.connectTimeoutMs

	sink := newChanSink()
	conn, err := g.driver.Dial(ctx, url, sink)
	if err != nil {
		return wrapErr(ErrorKindWebSocket, err, "gateway dial failed")
	}

	g.conn = conn
	g.wsSink = sink
	if g.compress {
		g.zlib = AcquireZlibReader()
	}
	g.outbox.reset()
	g.manualDisconnect = false

	// On Connected (socket established): clear reconnect backoff, clear connect deadline.
	g.reconnectAttempt = 0
	g.connectDeadlineMs = 0
	g.setState(GatewayStateConnected)
	return nil
}

// Disconnect closes the underlying connection with the normal close status and marks the
// close as manual, so the close callback suppresses auto-reconnect and clears the session
// instead of scheduling a new attempt. Idempotent.
func (g *GatewaySession) Disconnect() error {
	g.manualDisconnect = true
	g.sessionID = ""
	g.resumeURL = ""
	g.seq = 0
	g.seqSet = false
	g.shouldResume = false

	err := g.teardownConn()
	g.setState(GatewayStateDisconnected)
	return err
}

// Shutdown closes the underlying connection, if any. Equivalent to Disconnect; kept as a
// name Client's teardown path calls alongside the REST client and worker pool.
func (g *GatewaySession) Shutdown() error {
	return g.Disconnect()
}

// Process drains at most timeoutMs worth of Gateway activity: inbound frames, due
// heartbeats, queued outbound sends, and a pending reconnect attempt. It returns once no
// further work is immediately available and timeoutMs has elapsed, so callers drive the
// whole session with `for { session.Process(1000) }`.
func (g *GatewaySession) Process(timeoutMs int64) error {
	deadline := MonotonicNowMs() + timeoutMs

	for {
		if g.State() == GatewayStateReconnecting {
			if err := g.maybeReconnect(); err != nil {
				g.logger.Error("gateway reconnect attempt failed: " + err.Error())
			}
		}

		if g.State() == GatewayStateConnecting && g.connectDeadlineMs != 0 && MonotonicNowMs() >= g.connectDeadlineMs {
			g.lastError = ErrorKindTimeout
			g.beginReconnect(true)
		}

		g.checkHeartbeat()
		g.flushOutbox()

		now := MonotonicNowMs()
		if now >= deadline {
			return nil
		}

		if g.wsSink == nil {
			time.Sleep(time.Duration(deadline-now) * time.Millisecond)
			return nil
		}

		select {
		case ev, ok := <-g.wsSink.events:
			if !ok {
				return nil
			}
			g.handleEvent(ev)
		case <-time.After(time.Duration(deadline-now) * time.Millisecond):
			return nil
		}
	}
}

func (g *GatewaySession) handleEvent(ev wsEvent) {
	switch ev.kind {
	case wsEventReceive:
		g.handleFrame(ev.data)
	case wsEventClosed:
		g.handleClose(ev.code, ev.hasCode)
	}
}

func (g *GatewaySession) handleFrame(data []byte) {
	if g.compress && g.zlib != nil {
		decompressed, err := g.zlib.Decompress(data)
		if err != nil {
			g.logger.Error("gateway zlib decompress error: " + err.Error())
			return
		}
		if decompressed == nil {
			return // incomplete frame, wait for the rest
		}
		data = decompressed
	}

	var payload gatewayPayload
	if err := g.codec.Unmarshal(data, &payload); err != nil {
		g.logger.Error("gateway payload decode error: " + err.Error())
		return
	}

	g.handlePayload(payload)
}

func (g *GatewaySession) handlePayload(payload gatewayPayload) {
	switch payload.Op {
	case gatewayOpcodeHello:
		var hello struct {
			HeartbeatInterval int64 `json:"heartbeat_interval"`
		}
		_ = g.codec.Unmarshal(payload.D, &hello)
		g.heartbeat.onHello(hello.HeartbeatInterval, MonotonicNowMs(), g.rng.Float64())

		// Use Resume iff should_resume and last_seq is set and session_id/resume_url
		// are non-empty; otherwise Identify.
		if g.shouldResume && g.seqSet && g.sessionID != "" && g.resumeURL != "" {
			g.sendResume()
		} else {
			g.sendIdentify()
		}

	case gatewayOpcodeDispatch:
		// Duplicate or stale sequence numbers are dropped, not redelivered: once a
		// seq has been observed, only a strictly greater one advances the session.
		if payload.S != 0 {
			if g.seqSet && payload.S <= g.seq {
				return
			}
			g.seq = payload.S
			g.seqSet = true
		}

		if payload.T == "READY" {
			var ready struct {
				SessionID string `json:"session_id"`
				ResumeURL string `json:"resume_gateway_url"`
			}
			_ = g.codec.Unmarshal(payload.D, &ready)
			g.sessionID = ready.SessionID
			g.resumeURL = ready.ResumeURL
			g.shouldResume = true
			g.reconnectAttempt = 0
			g.setState(GatewayStateReady)
		} else if payload.T == "RESUMED" {
			g.reconnectAttempt = 0
			g.setState(GatewayStateReady)
		}

		g.sink.OnDispatch(payload.T, payload.S, payload.D)

	case gatewayOpcodeHeartbeat:
		g.enqueueHeartbeat()

	case gatewayOpcodeHeartbeatACK:
		g.heartbeat.onAck(MonotonicNowMs())

	case gatewayOpcodeReconnect:
		g.beginReconnect(true)

	case gatewayOpcodeInvalidSession:
		// InvalidSession arrives over the still-open connection, but the session is no
		// longer usable in place: per spec.md §4.B/S6, clear the session when not
		// resumable, clear the outbox, and schedule a fresh reconnect at a uniform
		// random delay in [1s, 5s] rather than retrying over the same socket.
		var resumable bool
		_ = g.codec.Unmarshal(payload.D, &resumable)
		if !resumable {
			g.sessionID = ""
			g.resumeURL = ""
			g.seq = 0
			g.seqSet = false
			g.shouldResume = false
		}
		delay := invalidSessionMinDelayMs + int64(g.rng.Float64()*float64(invalidSessionMaxDelayMs-invalidSessionMinDelayMs))
		g.enterReconnecting(resumable, delay)
	}
}

// handleClose reacts to the socket closing. A manual disconnect (Disconnect having been
// called) always wins: clear the session and stay Disconnected, no reconnect. Otherwise a
// fixed table of close codes decides: non-reconnectable codes clear the session, record
// last_error, and suppress auto-reconnect entirely; 4007/4009 force a fresh Identify
// (clear session) but still reconnect; everything else resumes normally.
func (g *GatewaySession) handleClose(code int, hasCode bool) {
	if g.manualDisconnect {
		g.sessionID = ""
		g.resumeURL = ""
		g.seq = 0
		g.seqSet = false
		g.shouldResume = false
		g.teardownConn()
		g.setState(GatewayStateDisconnected)
		return
	}

	closeCode := GatewayCloseEventCode(code)

	if hasCode && !closeCode.reconnectable() {
		g.sessionID = ""
		g.resumeURL = ""
		g.seq = 0
		g.seqSet = false
		g.shouldResume = false
		g.lastError = closeCode.errorKind()
		g.teardownConn()
		g.setState(GatewayStateDisconnected)
		return
	}

	resumable := true
	if hasCode && closeCode.forcesFreshIdentify() {
		g.sessionID = ""
		g.resumeURL = ""
		g.seq = 0
		g.seqSet = false
		g.shouldResume = false
		resumable = false
	}
	g.beginReconnect(resumable)
}

// teardownConn releases the socket, zlib stream, heartbeat timers, and outbox without
// touching session or reconnect-scheduling state. Safe to call with no connection.
func (g *GatewaySession) teardownConn() error {
	var err error
	if g.conn != nil {
		err = g.conn.Close(1000, "closed")
		g.conn = nil
	}
	if g.zlib != nil {
		ReleaseZlibReader(g.zlib)
		g.zlib = nil
	}
	g.wsSink = nil
	g.heartbeat.reset()
	g.outbox.reset()
	return err
}

// enterReconnecting tears down the current connection and schedules a reconnect at an
// explicit delay from now, for callers (INVALID_SESSION) that specify their own timing
// rather than beginReconnect's exponential backoff.
func (g *GatewaySession) enterReconnecting(resumable bool, delayMs int64) {
	g.teardownConn()
	g.closeResumable = resumable
	g.reconnectAtMs = MonotonicNowMs() + delayMs
	g.setState(GatewayStateReconnecting)
}

// beginReconnect tears down the current connection and schedules a reconnect attempt
// after a jittered exponential backoff: reconnect_at_ms = now + backoff + jitter, backoff
// doubling from 1s to a 30s ceiling, jitter uniform in [0, backoff/5].
func (g *GatewaySession) beginReconnect(resumable bool) {
	backoff := minReconnectBackoffMs << g.reconnectAttempt
	if backoff > maxReconnectBackoffMs || backoff <= 0 {
		backoff = maxReconnectBackoffMs
	}
	jitter := int64(g.rng.Float64() * float64(backoff) / 5)
	g.reconnectAttempt++
	g.enterReconnecting(resumable, backoff+jitter)
}

func (g *GatewaySession) maybeReconnect() error {
	now := MonotonicNowMs()
	if now < g.reconnectAtMs {
		return nil
	}

	url := defaultGatewayURL
	if g.closeResumable && g.resumeURL != "" {
		url = g.resumeURL
	} else {
		g.sessionID = ""
		g.seq = 0
		g.seqSet = false
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(g.connectTimeoutMs)*time.Millisecond)
	defer cancel()

	if err := g.dial(ctx, g.dialURL(url)); err != nil {
		backoff := minReconnectBackoffMs << g.reconnectAttempt
		if backoff > maxReconnectBackoffMs || backoff <= 0 {
			backoff = maxReconnectBackoffMs
		}
		jitter := int64(g.rng.Float64() * float64(backoff) / 5)
		g.reconnectAtMs = MonotonicNowMs() + backoff + jitter
		g.reconnectAttempt++
		return err
	}

	return nil
}

func (g *GatewaySession) checkHeartbeat() {
	now := MonotonicNowMs()

	if g.heartbeat.zombied(now, g.heartbeatTimeoutMs) {
		g.logger.Warn(fmt.Sprintf("shard %d heartbeat zombied, reconnecting", g.shardID))
		g.lastError = ErrorKindTimeout
		g.beginReconnect(true)
		return
	}

	if g.heartbeat.due(now) {
		g.enqueueHeartbeat()
		g.heartbeat.onSent(now)
	}
}

// enqueueOp marshals {"op": op, "d": d} and queues it; front bypasses FIFO order and the
// send budget for control payloads (Heartbeat, Identify, Resume) that can't wait behind
// whatever a caller already queued.
func (g *GatewaySession) enqueueOp(op gatewayOpcode, d any, front bool) *Error {
	payload, err := g.codec.Marshal(map[string]any{"op": op, "d": d})
	if err != nil {
		return wrapErr(ErrorKindParse, err, "encoding gateway payload for op %d", op)
	}
	msg := outboxMessage{payload: payload, opcode: op, urgent: front}
	if front {
		return g.outbox.enqueueFront(msg)
	}
	return g.outbox.enqueue(msg)
}

func (g *GatewaySession) enqueueHeartbeat() {
	// d is last_seq, or JSON null if no sequence has been observed yet.
	var seq any
	if g.seqSet {
		seq = g.seq
	}
	if err := g.enqueueOp(gatewayOpcodeHeartbeat, seq, true); err != nil {
		g.logger.Error("gateway heartbeat encode error: " + err.Error())
	}
}

func (g *GatewaySession) sendIdentify() {
	g.identifyLimiter.Wait()
	g.setState(GatewayStateIdentifying)

	d := map[string]any{
		"token": g.token,
		"properties": map[string]string{
			"os":      "linux",
			"browser": LIB_NAME,
			"device":  LIB_NAME,
		},
		"large_threshold": g.largeThreshold,
		"shard":           [2]int{g.shardID, g.shardCount},
		"intents":         g.intents,
	}
	if g.payloadCompression {
		d["compress"] = true
	}
	if err := g.enqueueOp(gatewayOpcodeIdentify, d, true); err != nil {
		g.logger.Error("gateway identify encode error: " + err.Error())
	}
}

func (g *GatewaySession) sendResume() {
	g.setState(GatewayStateResuming)

	d := map[string]any{
		"token":      g.token,
		"session_id": g.sessionID,
		"seq":        g.seq,
	}
	if err := g.enqueueOp(gatewayOpcodeResume, d, true); err != nil {
		g.logger.Error("gateway resume encode error: " + err.Error())
	}
}

// UpdatePresence sends a presence update. Valid only while the session is Ready.
func (g *GatewaySession) UpdatePresence(status string, activityName string, activityType int) error {
	if g.State() != GatewayStateReady {
		return newErr(ErrorKindInvalidState, "UpdatePresence requires state Ready, got %s", g.State())
	}

	var activities []map[string]any
	if activityName != "" {
		activities = append(activities, map[string]any{"name": activityName, "type": activityType})
	}

	d := map[string]any{
		"since":      nil,
		"status":     status,
		"activities": activities,
		"afk":        false,
	}
	if err := g.enqueueOp(gatewayOpcodePresenceUpdate, d, false); err != nil {
		return err
	}
	return nil
}

// RequestGuildMembers asks the Gateway to chunk guildID's members. Exactly one of query or
// userIDs must be set; userIDs is capped at 100 entries; nonce must not exceed 32 bytes.
func (g *GatewaySession) RequestGuildMembers(guildID string, query string, limit int, userIDs []string, presences bool, nonce string) error {
	hasQuery := query != "" || limit != 0
	hasUserIDs := len(userIDs) > 0
	if hasQuery == hasUserIDs {
		return newErr(ErrorKindInvalidParam, "RequestGuildMembers requires exactly one of query or user_ids")
	}
	if len(userIDs) > 100 {
		return newErr(ErrorKindInvalidParam, "RequestGuildMembers: user_ids capped at 100, got %d", len(userIDs))
	}
	if len(nonce) > 32 {
		return newErr(ErrorKindInvalidParam, "RequestGuildMembers: nonce must be at most 32 bytes, got %d", len(nonce))
	}

	d := map[string]any{
		"guild_id":  guildID,
		"presences": presences,
	}
	if hasUserIDs {
		d["user_ids"] = userIDs
	} else {
		d["query"] = query
		d["limit"] = limit
	}
	if nonce != "" {
		d["nonce"] = nonce
	}

	if err := g.enqueueOp(gatewayOpcodeRequestGuildMembers, d, false); err != nil {
		return err
	}
	return nil
}

// RequestSoundboardSounds asks the Gateway for soundboard-sound data across guildIDs, at
// least one of which must be given.
func (g *GatewaySession) RequestSoundboardSounds(guildIDs []string) error {
	if len(guildIDs) == 0 {
		return newErr(ErrorKindInvalidParam, "RequestSoundboardSounds requires at least one guild id")
	}
	if err := g.enqueueOp(gatewayOpcodeRequestSoundboardSounds, map[string]any{"guild_ids": guildIDs}, false); err != nil {
		return err
	}
	return nil
}

// UpdateVoiceState joins, moves, or leaves a voice channel in guildID. A nil channelID
// means leave.
func (g *GatewaySession) UpdateVoiceState(guildID string, channelID *string, selfMute, selfDeaf bool) error {
	d := map[string]any{
		"guild_id":   guildID,
		"channel_id": channelID,
		"self_mute":  selfMute,
		"self_deaf":  selfDeaf,
	}
	if err := g.enqueueOp(gatewayOpcodeVoiceStateUpdate, d, false); err != nil {
		return err
	}
	return nil
}

func (g *GatewaySession) flushOutbox() {
	if g.conn == nil {
		return
	}
	for {
		now := MonotonicNowMs()
		msg := g.outbox.dequeueReady(now)
		if msg == nil {
			return
		}
		if err := g.conn.WriteText(msg.payload); err != nil {
			g.logger.Error("gateway write error: " + err.Error())
			g.beginReconnect(true)
			return
		}
	}
}

// shardLabel is a convenience for log lines, matching goda's "Shard N " prefix style.
func (g *GatewaySession) shardLabel() string {
	return "shard " + strconv.Itoa(g.shardID)
}
