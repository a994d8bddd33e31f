// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package conduit is the SDK's public entry point: Config, the
// top-level Client that owns a route registry and a host.Controller,
// and the error vocabulary handlers see.
package conduit

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conduit-sh/conduit-sdk-go/host"
	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/peer"
)

// LogLevel names a logging verbosity. Config stores it, but nothing in
// the SDK reads it: components log through slog.Default(), whose level
// the application sets.
type LogLevel string

const (
	LogLevelQuiet LogLevel = "quiet"
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
)

// ErrorContext is passed to Config.OnError for every transaction whose
// handler returned an error or panicked.
type ErrorContext struct {
	TransactionID string
	ActionSlug    string
	Error         error
}

// PeerTransportConfig enables the optional, non-authoritative WebRTC
// mirror path (see the peer package). Signaler must be supplied by the
// caller; this SDK has no opinion on how offers and answers are
// exchanged out of band.
type PeerTransportConfig struct {
	Enabled  bool
	Signaler any // peer.Signaler; kept as `any` here to avoid importing peer from every Config consumer
}

// Config holds every recognized configuration key. Zero-value fields
// are replaced with documented defaults by NewConfig.
type Config struct {
	APIKey   string
	Endpoint string // host:port the primary socket dials; see host.Dialer

	RetryInterval                      time.Duration
	PingInterval                       time.Duration
	PingTimeout                        time.Duration
	ConnectTimeout                     time.Duration
	SendTimeout                        time.Duration
	CloseUnresponsiveConnectionTimeout time.Duration
	ReinitializeBatchTimeout           time.Duration
	RetryChunkInterval                 time.Duration
	MaxResendAttempts                  int
	CompleteHTTPRequestDelay           time.Duration

	LogLevel           LogLevel
	OnError            func(ErrorContext)
	VerboseMessageLogs bool

	PeerTransport PeerTransportConfig

	// ComponentRegistry backs local props/return validation in every
	// IOClient this SDK creates. Optional; the real catalog is the
	// application's concern (see component package for a reference
	// implementation), not this SDK's.
	ComponentRegistry ioclient.ComponentRegistry
}

// NewConfig returns a Config with every documented default applied.
// Callers still must set APIKey and Endpoint.
func NewConfig() Config {
	return Config{
		RetryInterval:                      3 * time.Second,
		PingInterval:                       30 * time.Second,
		PingTimeout:                        5 * time.Second,
		ConnectTimeout:                     10 * time.Second,
		SendTimeout:                        10 * time.Second,
		CloseUnresponsiveConnectionTimeout: 3 * time.Minute,
		ReinitializeBatchTimeout:           200 * time.Millisecond,
		RetryChunkInterval:                 500 * time.Millisecond,
		MaxResendAttempts:                  5,
		CompleteHTTPRequestDelay:           100 * time.Millisecond,
		LogLevel:                           LogLevelInfo,
	}
}

// LoadConfigFile reads a YAML file at path into a Config, starting
// from NewConfig's defaults so a file only needs to override the keys
// it cares about.
func LoadConfigFile(path string) (Config, error) {
	cfg := NewConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("conduit: reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("conduit: parsing config file: %w", err)
	}
	if cfg.Endpoint == "" {
		return Config{}, errors.New("conduit: config file does not set endpoint")
	}
	return cfg, nil
}

// toHostConfig translates the public Config into host.Config, the
// shape the connection-management layer actually consumes.
func (c Config) toHostConfig(dial host.Dialer) host.Config {
	hc := host.Config{
		Dial:                                dial,
		ReconnectMinBackoff:                 c.RetryInterval / 4,
		ReconnectMaxBackoff:                 c.RetryInterval * 4,
		PingInterval:                        c.PingInterval,
		CloseUnresponsiveConnectionTimeout:  c.CloseUnresponsiveConnectionTimeout,
		MaxResendAttempts:                   c.MaxResendAttempts,
		ReinitializeBatchWindow:             c.ReinitializeBatchTimeout,
		VerboseMessageLogs:                  c.VerboseMessageLogs,
		Socket:                              hostSocketConfig(c),
		OnTransactionError:                  c.errorForwarder(),
		ComponentRegistry:                   c.ComponentRegistry,
	}
	if c.PeerTransport.Enabled {
		if signaler, ok := c.PeerTransport.Signaler.(peer.Signaler); ok {
			hc.PeerSignaler = signaler
		}
	}
	return hc
}

// errorForwarder adapts Config.OnError into the signature
// host.Controller invokes, translating back into the public
// ErrorContext shape.
func (c Config) errorForwarder() func(transactionID, actionSlug string, err error) {
	if c.OnError == nil {
		return nil
	}
	return func(transactionID, actionSlug string, err error) {
		c.OnError(ErrorContext{TransactionID: transactionID, ActionSlug: actionSlug, Error: err})
	}
}
