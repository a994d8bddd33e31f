// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package host implements HostController: the top-level object an
// application constructs to connect to the service, hold its route
// tree, and dispatch inbound transaction and page lifecycle calls onto
// transaction.Runtime.
//
// It owns the connect/reconnect loop, the ping liveness check, graceful
// shutdown, and three resend coordinators so a reconnect never silently
// drops a render, a page layout, or a loading update that was in flight
// when the socket died.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/conduit-sh/conduit-sdk-go/internal/wiretrace"
	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/loadingstate"
	"github.com/conduit-sh/conduit-sdk-go/peer"
	"github.com/conduit-sh/conduit-sdk-go/routes"
	"github.com/conduit-sh/conduit-sdk-go/rpc"
	"github.com/conduit-sh/conduit-sdk-go/socket"
	"github.com/conduit-sh/conduit-sdk-go/transaction"
	"github.com/conduit-sh/conduit-sdk-go/wire"
)

// Outbound and inbound RPC method names exchanged with the service.
const (
	methodInitializeHost   = "INITIALIZE_HOST"
	methodBeginShutdown    = "BEGIN_HOST_SHUTDOWN"
	methodRender           = "SEND_IO_CALL"
	methodValidation       = "VALIDATION_RESPONSE"
	methodLog              = "SEND_LOG"
	methodRedirect         = "SEND_REDIRECT"
	methodLoadingState     = "SEND_LOADING_CALL"
	methodMarkComplete     = "MARK_TRANSACTION_COMPLETE"
	methodOpenPageResult   = "SEND_PAGE"
	methodStartTransaction = "START_TRANSACTION"
	methodOpenPage         = "OPEN_PAGE"
	methodIOResponse       = "IO_RESPONSE"
	methodCloseTransaction = "CLOSE_TRANSACTION"
	methodClosePage        = "CLOSE_PAGE"
)

// Dialer opens a fresh transport connection to the service. Connect
// and every reconnect attempt call it again.
type Dialer func(ctx context.Context) (socket.Conn, error)

// Config holds everything a Controller needs beyond the route tree.
type Config struct {
	Dial   Dialer
	Logger *slog.Logger

	// PingInterval is the period between liveness pings once connected.
	PingInterval time.Duration
	// CloseUnresponsiveConnectionTimeout bounds how long the connection
	// may go without a successful pong before the controller force-
	// closes it to trigger a reconnect. Defaults to 3 minutes.
	CloseUnresponsiveConnectionTimeout time.Duration
	// ReconnectMinBackoff and ReconnectMaxBackoff bound the randomized
	// exponential backoff between reconnect attempts.
	ReconnectMinBackoff time.Duration
	ReconnectMaxBackoff time.Duration
	// MaxResendAttempts bounds how many times the resend coordinators
	// try to send one pending item during the resend sweep that follows
	// a reconnect; the attempts run back to back, and after the last
	// failure the item is logged as dropped.
	MaxResendAttempts int
	// ReinitializeBatchWindow coalesces rapid route-tree changes into a
	// single INITIALIZE_HOST re-announcement.
	ReinitializeBatchWindow time.Duration

	Socket socket.Config

	// VerboseMessageLogs enables the internal CBOR wire trace (see
	// internal/wiretrace) to TraceWriter. Off by default: tracing every
	// frame has a real cost and is strictly a debugging aid.
	VerboseMessageLogs bool
	TraceWriter        io.Writer

	// OnTransactionError, if set, is called for every transaction whose
	// handler returned an error or panicked, in addition to the
	// default log line.
	OnTransactionError func(transactionID, actionSlug string, err error)

	// PeerSignaler, when set, enables the optional, non-authoritative
	// WebRTC mirror path (see peer package). The primary MessageSocket
	// remains the sole system of record for delivery and resend.
	PeerSignaler peer.Signaler
	PeerICE      webrtc.Configuration

	// ComponentRegistry, when set, lets the IOClients this Controller
	// creates validate component props and return values locally
	// against the application's actual component catalog.
	ComponentRegistry ioclient.ComponentRegistry
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.CloseUnresponsiveConnectionTimeout <= 0 {
		c.CloseUnresponsiveConnectionTimeout = 3 * time.Minute
	}
	if c.ReconnectMinBackoff <= 0 {
		c.ReconnectMinBackoff = 500 * time.Millisecond
	}
	if c.ReconnectMaxBackoff <= 0 {
		c.ReconnectMaxBackoff = 30 * time.Second
	}
	if c.MaxResendAttempts <= 0 {
		c.MaxResendAttempts = 5
	}
	if c.ReinitializeBatchWindow <= 0 {
		c.ReinitializeBatchWindow = 200 * time.Millisecond
	}
}

// Controller is one running connection to the service: a socket, a
// Duplex, a route registry, and a transaction runtime, kept alive
// across reconnects.
type Controller struct {
	cfg        Config
	instanceID string
	registry   *routes.Registry
	runtime    *transaction.Runtime
	duplex     *rpc.Duplex
	logger     *slog.Logger

	mu       sync.Mutex
	sock     *socket.MessageSocket
	peerSock *socket.MessageSocket // optional, non-authoritative mirror

	pendingPages map[string]json.RawMessage // pageKey -> last sent layout, for resend
	shuttingDown bool
	reinitTimer  *time.Timer
}

// drainPollInterval is how often shutdown checks whether the in-flight
// transaction set has emptied while draining.
const drainPollInterval = 50 * time.Millisecond

// drainSettleDelay is the short additional wait applied after the
// active transaction set is observed empty, giving any just-completed
// transaction's MARK_TRANSACTION_COMPLETE call a chance to finish
// sending before the socket closes underneath it.
const drainSettleDelay = 200 * time.Millisecond

// New creates a Controller over registry. The caller must still call
// Run to establish a connection.
func New(registry *routes.Registry, cfg Config) *Controller {
	cfg.setDefaults()
	if cfg.VerboseMessageLogs && cfg.TraceWriter != nil && cfg.Socket.Tracer == nil {
		cfg.Socket.Tracer = wiretrace.New(cfg.TraceWriter, nil)
	}
	c := &Controller{
		cfg:          cfg,
		instanceID:   uuid.NewString(),
		registry:     registry,
		logger:       cfg.Logger,
		pendingPages: make(map[string]json.RawMessage),
	}
	c.duplex = rpc.New(cfg.Logger)
	c.runtime = transaction.NewRuntime(c, cfg.ComponentRegistry, cfg.Logger, c.handleTransactionError)
	c.registerHandlers()
	registry.Attach("host-controller", c.onRoutesChanged)
	return c
}

func (c *Controller) handleTransactionError(transactionID, actionSlug string, err error) {
	c.logger.Error("host: transaction handler returned an error",
		"transactionId", transactionID, "actionSlug", actionSlug, "error", err)
	if c.cfg.OnTransactionError != nil {
		c.cfg.OnTransactionError(transactionID, actionSlug, err)
	}
}

func (c *Controller) registerHandlers() {
	c.duplex.Handle(methodStartTransaction, rpc.MethodSpec{}, c.onStartTransaction)
	c.duplex.Handle(methodOpenPage, rpc.MethodSpec{}, c.onOpenPage)
	c.duplex.Handle(methodIOResponse, rpc.MethodSpec{}, c.onIOResponse)
	c.duplex.Handle(methodCloseTransaction, rpc.MethodSpec{}, c.onCloseTransaction)
	c.duplex.Handle(methodClosePage, rpc.MethodSpec{}, c.onClosePage)
}

// Run connects, maintains the connection (reconnecting with backoff on
// every unexpected drop), and blocks until ctx is canceled, at which
// point it performs a graceful shutdown handshake and returns. It
// returns nil without reconnecting once SafelyClose or ImmediatelyClose
// has closed the connection.
func (c *Controller) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := c.connectOnce(ctx); err != nil {
			c.logger.Warn("host: connect attempt failed", "attempt", attempt, "error", err)
			attempt++
			if !sleepBackoff(ctx, c.cfg.ReconnectMinBackoff, c.cfg.ReconnectMaxBackoff, attempt) {
				return ctx.Err()
			}
			continue
		}
		attempt = 0

		c.runResendSweep(ctx)

		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			return ctx.Err()
		case <-c.currentSocket().Closed():
			if c.isShuttingDown() {
				return nil
			}
			c.logger.Info("host: connection lost, reconnecting")
		}
	}
}

func (c *Controller) currentSocket() *socket.MessageSocket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

func (c *Controller) connectOnce(ctx context.Context) error {
	conn, err := c.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("host: dial: %w", err)
	}

	sock := socket.New(conn, c.cfg.Socket, c.duplex.HandleInboundPayload)
	c.duplex.SetCommunicator(sock)

	if err := sock.Connect(ctx, c.instanceID); err != nil {
		sock.Close()
		return fmt.Errorf("host: OPEN handshake: %w", err)
	}

	c.mu.Lock()
	c.sock = sock
	c.mu.Unlock()

	// The ping loop and the optional peer-mirror negotiation share this
	// connection's lifetime; grouping them makes that lifetime explicit
	// instead of a pair of untracked goroutines.
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { c.pingLoop(groupCtx, sock); return nil })
	if c.cfg.PeerSignaler != nil {
		group.Go(func() error { c.negotiatePeerMirror(groupCtx); return nil })
	}

	return c.sendInitialize(ctx)
}

// negotiatePeerMirror establishes the optional WebRTC data-channel
// mirror. Failures are logged and otherwise ignored: the primary
// socket is already connected and remains fully functional without
// the mirror.
func (c *Controller) negotiatePeerMirror(ctx context.Context) {
	conn, err := peer.Dial(ctx, c.cfg.PeerSignaler, c.cfg.PeerICE)
	if err != nil {
		c.logger.Warn("host: peer mirror negotiation failed", "error", err)
		return
	}
	mirror := socket.New(conn, c.cfg.Socket, nil)
	if err := mirror.Connect(ctx, c.instanceID); err != nil {
		c.logger.Warn("host: peer mirror OPEN handshake failed", "error", err)
		mirror.Close()
		return
	}

	c.mu.Lock()
	old := c.peerSock
	c.peerSock = mirror
	c.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

func (c *Controller) sendInitialize(ctx context.Context) error {
	return c.duplex.Call(ctx, methodInitializeHost, initializePayload{
		InstanceID:  c.instanceID,
		ActionSlugs: slugs(c.registry.Actions()),
		PageSlugs:   slugs(c.registry.Pages()),
	}, nil)
}

type initializePayload struct {
	InstanceID  string   `json:"instanceId"`
	ActionSlugs []string `json:"actionSlugs"`
	PageSlugs   []string `json:"pageSlugs"`
}

func slugs[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// pingLoop pings sock every PingInterval. If no pong has succeeded
// within CloseUnresponsiveConnectionTimeout, it force-closes sock so
// Run's reconnect loop takes over — a peer that stopped answering
// pings is indistinguishable from a dead connection.
func (c *Controller) pingLoop(ctx context.Context, sock *socket.MessageSocket) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sock.Closed():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, c.cfg.PingInterval)
			err := sock.Ping(pingCtx)
			cancel()
			if err != nil {
				c.logger.Debug("host: ping failed", "error", err)
			} else {
				lastPong = time.Now()
			}
			if time.Since(lastPong) > c.cfg.CloseUnresponsiveConnectionTimeout {
				c.logger.Warn("host: connection unresponsive, forcing close to reconnect",
					"since", lastPong)
				sock.Close()
				return
			}
		}
	}
}

// onRoutesChanged batches rapid SetRoutes calls into a single
// re-announcement of the route tree to the service.
func (c *Controller) onRoutesChanged() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reinitTimer != nil {
		return
	}
	c.reinitTimer = time.AfterFunc(c.cfg.ReinitializeBatchWindow, func() {
		c.mu.Lock()
		c.reinitTimer = nil
		c.mu.Unlock()
		if err := c.sendInitialize(context.Background()); err != nil {
			c.logger.Warn("host: re-announcing routes failed", "error", err)
		}
	})
}

// shutdown performs the graceful drain-then-close sequence: it marks
// the controller as shutting down (so onStartTransaction rejects new
// work locally), asks the service to stop dispatching via
// BEGIN_HOST_SHUTDOWN, waits for every in-flight transaction to report
// completion, and only then closes the socket.
func (c *Controller) shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.shuttingDown {
		c.mu.Unlock()
		return
	}
	c.shuttingDown = true
	sock := c.sock
	c.mu.Unlock()

	if sock == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := c.duplex.Call(callCtx, methodBeginShutdown, nil, nil); err != nil {
		c.logger.Warn("host: shutdown handshake failed", "error", err)
	}
	cancel()

	c.drainTransactions(ctx)
	sock.Close()
}

// drainTransactions blocks until the runtime's active transaction set
// is empty, or ctx is canceled. It applies a short settle delay once
// the set is observed empty, since a transaction's own
// MARK_TRANSACTION_COMPLETE call can still be in flight for a moment
// after it leaves the active set.
func (c *Controller) drainTransactions(ctx context.Context) {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()
	for {
		if len(c.runtime.ActiveTransactionIDs()) == 0 {
			select {
			case <-time.After(drainSettleDelay):
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			c.logger.Warn("host: shutdown drain timed out with transactions still active",
				"remaining", len(c.runtime.ActiveTransactionIDs()))
			return
		}
	}
}

// SafelyClose asks the service to stop dispatching new transactions,
// waits for every currently in-flight transaction to complete, and
// then closes the connection. It returns once the drain finishes or
// ctx is canceled.
func (c *Controller) SafelyClose(ctx context.Context) error {
	c.shutdown(ctx)
	return nil
}

// ImmediatelyClose closes the connection without draining in-flight
// transactions or notifying the service. Any transaction still running
// is left to fail on its next outbound call with ErrNotConnected.
func (c *Controller) ImmediatelyClose() error {
	c.mu.Lock()
	c.shuttingDown = true
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return nil
	}
	return sock.Close()
}

// ActiveTransactionIDs returns a snapshot of every transaction this
// controller currently has running.
func (c *Controller) ActiveTransactionIDs() []string {
	return c.runtime.ActiveTransactionIDs()
}

// isShuttingDown reports whether the controller has begun a graceful
// or immediate close, used to reject newly dispatched transactions
// locally instead of starting work that can never report back.
func (c *Controller) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shuttingDown
}

// runResendSweep replays every pending render, page layout, and
// loading state after a (re)connect, giving at-least-once delivery
// across reconnects.
func (c *Controller) runResendSweep(ctx context.Context) {
	c.resendPendingRenders(ctx)
	c.resendPendingPageLayouts(ctx)
	c.resendTransactionLoadingStates(ctx)
}

func (c *Controller) resendPendingRenders(ctx context.Context) {
	for _, id := range c.runtime.ActiveTransactionIDs() {
		payload, ok := c.runtime.PendingRender(id)
		if !ok {
			continue
		}
		c.resendWithRetries(ctx, "render", id, func(ctx context.Context) error {
			return c.SendRender(ctx, payload)
		})
	}
}

func (c *Controller) resendPendingPageLayouts(ctx context.Context) {
	c.mu.Lock()
	pending := make(map[string]json.RawMessage, len(c.pendingPages))
	for k, v := range c.pendingPages {
		pending[k] = v
	}
	c.mu.Unlock()

	for pageKey, layout := range pending {
		pageKey, layout := pageKey, layout
		c.resendWithRetries(ctx, "page layout", pageKey, func(ctx context.Context) error {
			return c.duplex.Call(ctx, methodOpenPageResult, pageLayoutPayload{PageKey: pageKey, Layout: layout}, nil)
		})
	}
}

func (c *Controller) resendTransactionLoadingStates(ctx context.Context) {
	for _, id := range c.runtime.ActiveTransactionIDs() {
		state, ok := c.runtime.LoadingSnapshot(id)
		if !ok {
			continue
		}
		c.resendWithRetries(ctx, "loading state", id, func(ctx context.Context) error {
			return c.SendLoadingState(ctx, id, state)
		})
	}
}

func (c *Controller) resendWithRetries(ctx context.Context, kind, key string, send func(context.Context) error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxResendAttempts; attempt++ {
		if err := send(ctx); err != nil {
			lastErr = err
			continue
		}
		return
	}
	c.logger.Error("host: giving up resending after reconnect", "kind", kind, "key", key, "error", lastErr)
}

func sleepBackoff(ctx context.Context, min, max time.Duration, attempt int) bool {
	backoff := min << attempt
	if backoff <= 0 || backoff > max {
		backoff = max
	}
	jitter := time.Duration(rand.Int63n(int64(backoff) / 2))
	select {
	case <-time.After(backoff/2 + jitter):
		return true
	case <-ctx.Done():
		return false
	}
}

// --- inbound dispatch -------------------------------------------------

type startTransactionPayload struct {
	TransactionID string                  `json:"transactionId"`
	ActionSlug    string                  `json:"actionSlug"`
	ActionURL     string                  `json:"actionUrl"`
	Environment   string                  `json:"environment"`
	Organization  routes.OrganizationInfo `json:"organization"`
	User          routes.UserInfo         `json:"user"`
	Params        map[string]any          `json:"params"`
	ParamsMeta    map[string]any          `json:"paramsMeta"`
}

func (c *Controller) onStartTransaction(ctx context.Context, data json.RawMessage) (any, error) {
	if c.isShuttingDown() {
		return nil, fmt.Errorf("host: shutting down, rejecting new transaction")
	}
	var p startTransactionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("host: decoding START_TRANSACTION: %w", err)
	}
	action, ok := c.registry.Action(p.ActionSlug)
	if !ok {
		return nil, fmt.Errorf("host: no action registered at %q", p.ActionSlug)
	}
	c.runtime.Start(context.Background(), action, p.TransactionID, transaction.Meta{
		ActionSlug:                 p.ActionSlug,
		ActionURL:                  p.ActionURL,
		Environment:                p.Environment,
		Organization:               p.Organization,
		User:                       p.User,
		Params:                     p.Params,
		ParamsMeta:                 p.ParamsMeta,
		DisplayResolvesImmediately: action.DisplayResolvesImmediately,
	})
	return nil, nil
}

type openPagePayload struct {
	PageKey      string                  `json:"pageKey"`
	PageSlug     string                  `json:"pageSlug"`
	Environment  string                  `json:"environment"`
	Organization routes.OrganizationInfo `json:"organization"`
	User         routes.UserInfo         `json:"user"`
	Params       map[string]any          `json:"params"`
}

type pageLayoutPayload struct {
	PageKey string          `json:"pageKey"`
	Layout  json.RawMessage `json:"layout"`
}

func (c *Controller) onOpenPage(ctx context.Context, data json.RawMessage) (any, error) {
	var p openPagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("host: decoding OPEN_PAGE: %w", err)
	}
	page, ok := c.registry.Page(p.PageSlug)
	if !ok || page.Handler == nil {
		return nil, fmt.Errorf("host: no page handler registered at %q", p.PageSlug)
	}

	io := ioclient.New(p.PageKey, c, c.cfg.ComponentRegistry, c.logger)
	pageCtx := &routes.Context{
		Base:         ctx,
		PageKey:      p.PageKey,
		Environment:  p.Environment,
		Organization: p.Organization,
		User:         p.User,
		Params:       p.Params,
	}

	layout, err := page.Handler(io, pageCtx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(layout)
	if err != nil {
		return nil, fmt.Errorf("host: marshaling page layout: %w", err)
	}

	c.mu.Lock()
	c.pendingPages[p.PageKey] = raw
	c.mu.Unlock()

	return pageLayoutPayload{PageKey: p.PageKey, Layout: raw}, nil
}

func (c *Controller) onIOResponse(ctx context.Context, data json.RawMessage) (any, error) {
	var resp ioclient.IOResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("host: decoding IO_RESPONSE: %w", err)
	}
	c.runtime.DeliverIOResponse(ctx, resp)
	return nil, nil
}

type closeTransactionPayload struct {
	TransactionID string `json:"transactionId"`
}

func (c *Controller) onCloseTransaction(ctx context.Context, data json.RawMessage) (any, error) {
	var p closeTransactionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("host: decoding CLOSE_TRANSACTION: %w", err)
	}
	c.runtime.Cancel(p.TransactionID)
	return nil, nil
}

type closePagePayload struct {
	PageKey string `json:"pageKey"`
}

func (c *Controller) onClosePage(ctx context.Context, data json.RawMessage) (any, error) {
	var p closePagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("host: decoding CLOSE_PAGE: %w", err)
	}
	c.mu.Lock()
	delete(c.pendingPages, p.PageKey)
	c.mu.Unlock()
	return nil, nil
}

// --- transaction.Sender / ioclient.Sender implementation --------------

func (c *Controller) SendRender(ctx context.Context, payload ioclient.RenderPayload) error {
	if err := c.duplex.Call(ctx, methodRender, payload, nil); err != nil {
		return err
	}
	c.mirrorRender(ctx, payload)
	return nil
}

// mirrorRender best-effort replays payload over the peer data channel,
// if one is connected. It is never authoritative: errors here are
// logged at debug level and never propagate to the caller.
func (c *Controller) mirrorRender(ctx context.Context, payload ioclient.RenderPayload) {
	c.mu.Lock()
	mirror := c.peerSock
	c.mu.Unlock()
	if mirror == nil {
		return
	}
	data, err := json.Marshal(wire.Envelope{Kind: wire.RPCCall, MethodName: methodRender, Data: mustMarshal(payload)})
	if err != nil {
		return
	}
	if err := mirror.Send(ctx, data, 1); err != nil {
		c.logger.Debug("host: peer mirror send failed", "error", err)
	}
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func (c *Controller) SendValidation(ctx context.Context, transactionID, rejection string) error {
	return c.duplex.Call(ctx, methodValidation, validationPayload{TransactionID: transactionID, Rejection: rejection}, nil)
}

type validationPayload struct {
	TransactionID string `json:"transactionId"`
	Rejection     string `json:"rejection,omitempty"`
}

func (c *Controller) SendLog(ctx context.Context, transactionID string, index int, message string) error {
	return c.duplex.Call(ctx, methodLog, logPayload{TransactionID: transactionID, Index: index, Message: message}, nil)
}

type logPayload struct {
	TransactionID string `json:"transactionId"`
	Index         int    `json:"index"`
	Message       string `json:"message"`
}

func (c *Controller) SendRedirect(ctx context.Context, transactionID, link string) error {
	return c.duplex.Call(ctx, methodRedirect, redirectPayload{TransactionID: transactionID, Link: link}, nil)
}

type redirectPayload struct {
	TransactionID string `json:"transactionId"`
	Link          string `json:"link"`
}

func (c *Controller) SendLoadingState(ctx context.Context, transactionID string, state loadingstate.State) error {
	return c.duplex.Call(ctx, methodLoadingState, loadingPayload{TransactionID: transactionID, State: state}, nil)
}

type loadingPayload struct {
	TransactionID string              `json:"transactionId"`
	State         loadingstate.State `json:"state"`
}

func (c *Controller) MarkComplete(ctx context.Context, transactionID string, result transaction.ActionResult) error {
	return c.duplex.Call(ctx, methodMarkComplete, markCompletePayload{TransactionID: transactionID, Result: result}, nil)
}

type markCompletePayload struct {
	TransactionID string                   `json:"transactionId"`
	Result        transaction.ActionResult `json:"result"`
}
