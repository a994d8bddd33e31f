// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package conduit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/conduit-sh/conduit-sdk-go/host"
	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/routes"
	"github.com/conduit-sh/conduit-sdk-go/socket"
)

// Errors returned across the SDK's public surface. Aliased from socket,
// the layer that actually detects a timeout or a dropped connection, so
// a handler's errors.Is(err, conduit.ErrTimeout) matches what the
// controller returns.
var (
	ErrTimeout      = socket.ErrTimeout
	ErrNotConnected = socket.ErrNotConnected
)

// IOErrorKind classifies a failure surfaced from an io.Render call.
// Aliased from ioclient, which is where handlers actually receive
// these errors (through their *ioclient.Client parameter) — kept
// visible here too so callers that only import the top-level conduit
// package can still name the kinds in a type switch.
type IOErrorKind = ioclient.IOErrorKind

const (
	IOErrorCanceled          = ioclient.KindCanceled
	IOErrorTransactionClosed = ioclient.KindTransactionClosed
	IOErrorBadResponse       = ioclient.KindBadResponse
	IOErrorRenderError       = ioclient.KindRenderError
)

// IOError wraps an IOErrorKind with the underlying cause. Aliased from
// ioclient.IOError, the concrete type Render/RenderGroup actually
// return.
type IOError = ioclient.IOError

// Client is the application's handle onto one host connection: a
// route registry the application populates via RegisterRoutes, and
// the host.Controller that keeps it connected.
type Client struct {
	cfg      Config
	registry *routes.Registry
	logger   *slog.Logger
	ctrl     *host.Controller
}

// New creates a Client. cfg.Endpoint must already be set (directly or
// via LoadConfigFile); Run performs the actual connection.
func New(cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("conduit: Config.Endpoint is required")
	}
	logger := slog.Default()
	registry := routes.NewRegistry(logger)

	c := &Client{cfg: cfg, registry: registry, logger: logger}
	c.ctrl = host.New(registry, cfg.toHostConfig(c.dial))
	return c, nil
}

// RegisterRoutes replaces the client's route tree. Safe to call again
// at runtime; the host re-announces the new tree to the service,
// batched per Config.ReinitializeBatchTimeout.
func (c *Client) RegisterRoutes(tree []routes.Route) {
	c.registry.SetRoutes(tree)
}

// Run connects and serves until ctx is canceled, performing a graceful
// BEGIN_HOST_SHUTDOWN handshake on the way out.
func (c *Client) Run(ctx context.Context) error {
	return c.ctrl.Run(ctx)
}

// SafelyClose asks the service to stop dispatching new transactions,
// waits for every transaction already in flight to complete, and only
// then closes the connection. Prefer this over canceling Run's context
// when in-flight work must not be interrupted.
func (c *Client) SafelyClose(ctx context.Context) error {
	return c.ctrl.SafelyClose(ctx)
}

// ImmediatelyClose closes the connection without draining in-flight
// transactions. Any transaction still running will fail on its next
// outbound call.
func (c *Client) ImmediatelyClose() error {
	return c.ctrl.ImmediatelyClose()
}

func (c *Client) dial(ctx context.Context) (socket.Conn, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", c.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("conduit: dialing %s: %w", c.cfg.Endpoint, err)
	}
	return conn, nil
}

func hostSocketConfig(c Config) socket.Config {
	return socket.Config{
		ConnectTimeout:     c.ConnectTimeout,
		SendTimeout:        c.SendTimeout,
		PingTimeout:        c.PingTimeout,
		RetryChunkInterval: c.RetryChunkInterval,
	}
}
