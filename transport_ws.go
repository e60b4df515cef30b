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
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocketDriver dials a WebSocket connection and drives sink callbacks for it.
// Generalizes goda's Shard.connect/readLoop pair, which blocked a dedicated goroutine on
// wsutil.ReadServerData and mutated shard state directly from it, into the explicit sink
// contract GatewaySession needs so its Process method can pump a bounded, single-threaded
// event loop instead of reacting to reads from an arbitrary goroutine.
type WebSocketDriver interface {
	Dial(ctx context.Context, url string, sink WebSocketSink) (WebSocketConn, error)
}

// WebSocketSink receives WebSocket lifecycle events. The default driver below invokes
// these from a background reader goroutine; GatewaySession drains them through an
// internal channel inside Process so its own state mutation stays single-threaded.
type WebSocketSink interface {
	OnEstablished()
	OnReceive(data []byte, isFinal bool)
	OnWritable()
	OnError(err error)
	OnClosed(code int, hasCode bool)
}

// WebSocketConn is the live connection handle returned by a successful Dial.
type WebSocketConn interface {
	WriteText(data []byte) error
	Close(code int, reason string) error
}

type wsEventKind int

const (
	wsEventReceive wsEventKind = iota
	wsEventClosed
)

// wsEvent is one item handed from the background reader goroutine to the channel
// GatewaySession.Process drains.
type wsEvent struct {
	kind    wsEventKind
	data    []byte
	hasCode bool
	code    int
}

// chanSink funnels WebSocketSink callbacks into a buffered channel so the only goroutine
// ever mutating GatewaySession state is the one calling Process.
type chanSink struct {
	events chan wsEvent
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan wsEvent, 64)}
}

func (s *chanSink) OnEstablished() {}

func (s *chanSink) OnReceive(data []byte, isFinal bool) {
	cp := append([]byte(nil), data...)
	s.events <- wsEvent{kind: wsEventReceive, data: cp}
}

func (s *chanSink) OnWritable() {}

func (s *chanSink) OnError(err error) {}

func (s *chanSink) OnClosed(code int, hasCode bool) {
	s.events <- wsEvent{kind: wsEventClosed, code: code, hasCode: hasCode}
}

// defaultWebSocketDriver wraps github.com/gobwas/ws + wsutil, goda's own WebSocket
// library, with a background reader goroutine feeding the sink. This is the smallest
// change that keeps gobwas/ws as the wire driver while satisfying the sink contract.
type defaultWebSocketDriver struct{}

var _ WebSocketDriver = defaultWebSocketDriver{}

func (defaultWebSocketDriver) Dial(ctx context.Context, url string, sink WebSocketSink) (WebSocketConn, error) {
	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, err
	}

	c := &defaultWebSocketConn{conn: conn}
	sink.OnEstablished()
	go c.readLoop(sink)

	return c, nil
}

type defaultWebSocketConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *defaultWebSocketConn) readLoop(sink WebSocketSink) {
	for {
		msg, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			sink.OnClosed(0, false)
			return
		}
		if op != ws.OpText {
			continue
		}
		sink.OnReceive(msg, true)
	}
}

func (c *defaultWebSocketConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

func (c *defaultWebSocketConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	frame := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, frame)
	return c.conn.Close()
}
