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
	"log"
	"os"
	"strings"
	"time"
)

/*****************************
 *          Client
 *****************************/

// EventHandler is a caller-supplied callback for a single dispatched Gateway event.
type EventHandler func(eventName string, seq int64, data []byte)

// Client wires a RESTClient and a single GatewaySession together under one token,
// logger, and worker pool. Rewritten from goda's multi-shard Client: coordinating
// several GatewaySessions behind one recommended shard count is explicitly out of scope
// here, so Client owns exactly one GatewaySession (shard 0 of 1 unless WithClientShard says
// otherwise) and leaves multi-shard orchestration to a caller built on top of corvid.
type Client struct {
	ctx             context.Context
	Logger          Logger
	workerPool      WorkerPool
	identifyLimiter ShardsIdentifyRateLimiter
	token           string
	intents         GatewayIntent
	shardID         int
	shardCount      int
	compress        bool
	handler         EventHandler

	*RESTClient
	gateway *GatewaySession
}

// clientOption defines a function used to configure Client during creation.
type clientOption func(*Client)

/*****************************
 *       Options
 *****************************/

// WithToken sets the bot token for your client.
//
// Logs fatal and exits if token is empty or obviously invalid (< 50 chars).
// Removes the "Bot " prefix automatically if provided.
func WithToken(token string) clientOption {
	if token == "" {
		log.Fatal("WithToken: token must not be empty")
	}
	if len(token) < 50 {
		log.Fatal("WithToken: token invalid")
	}
	if strings.HasPrefix(token, "Bot ") {
		token = strings.Split(token, " ")[1]
	}
	return func(c *Client) {
		c.token = token
	}
}

// WithClientLogger sets a custom Logger implementation for your client.
//
// Logs fatal and exits if logger is nil.
func WithClientLogger(logger Logger) clientOption {
	if logger == nil {
		log.Fatal("WithClientLogger: logger must not be nil")
	}
	return func(c *Client) {
		c.Logger = logger
	}
}

// WithClientWorkerPool sets a custom WorkerPool implementation for your client.
//
// Logs fatal and exits if workerPool is nil.
func WithClientWorkerPool(workerPool WorkerPool) clientOption {
	if workerPool == nil {
		log.Fatal("WithClientWorkerPool: workerPool must not be nil")
	}
	return func(c *Client) {
		c.workerPool = workerPool
	}
}

// WithClientShardsIdentifyRateLimiter sets a custom ShardsIdentifyRateLimiter.
//
// Logs fatal and exits if the provided rateLimiter is nil.
func WithClientShardsIdentifyRateLimiter(rateLimiter ShardsIdentifyRateLimiter) clientOption {
	if rateLimiter == nil {
		log.Fatal("WithClientShardsIdentifyRateLimiter: rateLimiter must not be nil")
	}
	return func(c *Client) {
		c.identifyLimiter = rateLimiter
	}
}

// WithClientIntents sets the Gateway intents for the client's session.
//
//	y := corvid.New(ctx, corvid.WithClientIntents(corvid.GatewayIntentGuilds|corvid.GatewayIntentGuildMessages))
func WithClientIntents(intents ...GatewayIntent) clientOption {
	var total GatewayIntent
	for _, intent := range intents {
		total |= intent
	}
	return func(c *Client) {
		c.intents = total
	}
}

// WithClientShard pins the client's single GatewaySession to a specific shard of a
// larger deployment; the caller is responsible for running the other shards.
func WithClientShard(shardID, shardCount int) clientOption {
	return func(c *Client) {
		c.shardID, c.shardCount = shardID, shardCount
	}
}

// WithClientCompression enables zlib-stream payload compression on the Gateway session.
func WithClientCompression(enabled bool) clientOption {
	return func(c *Client) {
		c.compress = enabled
	}
}

// WithEventHandler sets the callback invoked for every dispatched Gateway event. It runs
// on the client's worker pool, off GatewaySession.Process's own goroutine.
func WithEventHandler(handler EventHandler) clientOption {
	return func(c *Client) {
		c.handler = handler
	}
}

/*****************************
 *       Constructor
 *****************************/

// New creates a new Client instance with the provided options.
//
// Defaults:
//   - Logger: stdout logger at Info level.
//   - Intents: GatewayIntentGuilds | GatewayIntentGuildMessages | GatewayIntentGuildMembers
//   - Shard: 0 of 1.
func New(ctx context.Context, options ...clientOption) (*Client, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	client := &Client{
		ctx:    ctx,
		Logger: NewDefaultLogger(os.Stdout, LogLevelInfoLevel),
		intents: GatewayIntentGuilds |
			GatewayIntentGuildMessages |
			GatewayIntentGuildMembers,
		shardCount: 1,
	}

	for _, option := range options {
		option(client)
	}

	if client.token == "" {
		return nil, newErr(ErrorKindInvalidParam, "WithToken is required")
	}
	if client.workerPool == nil {
		client.workerPool = NewDefaultWorkerPool(client.Logger)
	}

	rest, err := NewRESTClient(client.token, WithRESTLogger(client.Logger))
	if err != nil {
		return nil, err
	}
	client.RESTClient = rest

	gatewayOpts := []GatewaySessionOption{
		WithGatewayIntents(client.intents),
		WithShard(client.shardID, client.shardCount),
		WithCompression(client.compress),
		WithGatewayLogger(client.Logger),
		WithGatewayEventSink(&clientEventSink{client: client}),
	}
	if client.identifyLimiter != nil {
		gatewayOpts = append(gatewayOpts, WithIdentifyRateLimiter(client.identifyLimiter))
	}

	session, err := NewGatewaySession(client.token, gatewayOpts...)
	if err != nil {
		return nil, err
	}
	client.gateway = session

	return client, nil
}

// clientEventSink adapts GatewayEventSink to Client's worker pool, so event handlers run
// off GatewaySession.Process's own call stack.
type clientEventSink struct {
	client *Client
}

func (s *clientEventSink) OnDispatch(eventName string, seq int64, data []byte) {
	if s.client.handler == nil {
		return
	}
	handler := s.client.handler
	dataCopy := append([]byte(nil), data...)
	s.client.workerPool.Submit(func() { handler(eventName, seq, dataCopy) })
}

func (s *clientEventSink) OnStateChange(old, new GatewayState) {
	s.client.Logger.WithField("old_state", old.String()).WithField("new_state", new.String()).Info("gateway state changed")
}

/*****************************
 *       Start
 *****************************/

// Start connects the client's Gateway session and pumps it until ctx is done.
//
// If ctx is context.Background(), Start blocks forever, running the client until the
// program exits or Shutdown is called externally. If ctx is cancellable, Start returns
// once it's canceled or times out, after shutting the session down.
func (c *Client) Start() error {
	gatewayBot, err := c.FetchGatewayBot()
	if err != nil {
		return err
	}

	if c.identifyLimiter == nil {
		c.identifyLimiter = NewDefaultShardsRateLimiter(gatewayBot.SessionStartLimit.MaxConcurrency, 5*time.Second)
	}

	if err := c.gateway.Connect(c.ctx); err != nil {
		return err
	}

	for {
		select {
		case <-c.ctx.Done():
			c.Shutdown()
			return nil
		default:
			if err := c.gateway.Process(1000); err != nil {
				c.Logger.Error("gateway process error: " + err.Error())
			}
		}
	}
}

/*****************************
 *       Shutdown
 *****************************/

// Shutdown cleanly shuts down the Client: the Gateway session, the REST client's idle
// connections, and the worker pool.
func (c *Client) Shutdown() {
	c.Logger.Info("Client shutting down")
	if c.gateway != nil {
		c.gateway.Shutdown()
	}
	if c.RESTClient != nil {
		c.RESTClient.Shutdown()
	}
	if c.workerPool != nil {
		c.workerPool.Shutdown()
	}
}
