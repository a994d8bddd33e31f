// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package transaction implements the per-action-run TransactionRuntime:
// it builds a routes.Context and ioclient.Client for one transaction,
// invokes the matched action handler with both the explicit parameter
// pair and the taskscope ambient binding, and reports completion.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conduit-sh/conduit-sdk-go/internal/taskscope"
	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/loadingstate"
	"github.com/conduit-sh/conduit-sdk-go/routes"
)

// ErrNoActiveTransaction is the panic value FromContext raises when
// called from a goroutine that is not currently executing inside
// Run — ambient reads must not leak across tasks.
var ErrNoActiveTransaction = errors.New("transaction: no active transaction on this goroutine")

// maxLogBytes is the per-transaction inline log budget; once exceeded,
// a single truncation marker is appended and further lines are dropped.
const maxLogBytes = 10000

const schemaVersion = 1

// Status is the terminal disposition of a transaction, reported in its
// ActionResult.
type Status string

const (
	StatusSuccess  Status = "SUCCESS"
	StatusFailure  Status = "FAILURE"
	StatusCanceled Status = "CANCELED"
)

// ActionResult is what MARK_TRANSACTION_COMPLETE reports to the
// service.
type ActionResult struct {
	SchemaVersion int            `json:"schemaVersion"`
	Status        Status         `json:"status"`
	Data          any            `json:"data,omitempty"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// Meta is the identity and parameter metadata START_TRANSACTION/
// OPEN_PAGE attaches to a run.
type Meta struct {
	ActionSlug   string
	ActionURL    string
	Environment  string
	Organization routes.OrganizationInfo
	User         routes.UserInfo
	Params       map[string]any
	ParamsMeta   map[string]any

	// DisplayResolvesImmediately mirrors the matched routes.Action's
	// field of the same name; carried on Meta so Start can pass it to
	// the ioclient.Client it constructs without reaching back into the
	// registry.
	DisplayResolvesImmediately bool
}

// Bundle is what the taskscope ambient binding carries for the
// duration of one handler invocation: both halves of the (io, ctx)
// pair, reachable through either an explicit parameter or an ambient
// channel.
type Bundle struct {
	IO  *ioclient.Client
	Ctx *routes.Context
}

// FromContext returns the ambient Bundle for the calling goroutine.
// Code paths that were not handed the handler's own (io, ctx)
// parameters use this to recover them. It panics with
// ErrNoActiveTransaction if called from a goroutine that is not
// currently inside a Run call, matching the ambient channel's
// must-not-leak-across-tasks invariant.
func FromContext() *Bundle {
	v, ok := taskscope.Get()
	if !ok {
		panic(ErrNoActiveTransaction)
	}
	b, ok := v.(*Bundle)
	if !ok {
		panic(ErrNoActiveTransaction)
	}
	return b
}

// Run binds bundle as the ambient binding for the duration of
// handler's invocation on the calling goroutine, clearing it on
// return (including on panic), then invokes handler with the same
// (io, ctx) pair through its explicit parameters, giving dual-channel
// access to both.
func Run(handler routes.ActionHandler, io *ioclient.Client, ctx *routes.Context) (any, error) {
	clear := taskscope.Bind(&Bundle{IO: io, Ctx: ctx})
	defer clear()
	return invoke(handler, io, ctx)
}

// Sender is the outbound transport surface a Runtime needs; the host
// controller implements it on top of its rpc.Duplex.
type Sender interface {
	ioclient.Sender
	SendLog(ctx context.Context, transactionID string, index int, message string) error
	SendRedirect(ctx context.Context, transactionID string, link string) error
	SendLoadingState(ctx context.Context, transactionID string, state loadingstate.State) error
	MarkComplete(ctx context.Context, transactionID string, result ActionResult) error
}

// Runtime drives transactions end to end.
type Runtime struct {
	sender   Sender
	registry ioclient.ComponentRegistry
	logger   *slog.Logger
	onError  func(transactionID, actionSlug string, err error)

	mu     sync.Mutex
	active map[string]*running
}

type running struct {
	io      *ioclient.Client
	loading *loadingstate.Tracker
	cancel  context.CancelFunc

	logMu    sync.Mutex
	logIndex int
	logBytes int
	truncated bool
}

// NewRuntime creates a Runtime. onError, if non-nil, is invoked for
// every transaction whose handler returns an error or panics.
func NewRuntime(sender Sender, registry ioclient.ComponentRegistry, logger *slog.Logger, onError func(transactionID, actionSlug string, err error)) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		sender:   sender,
		registry: registry,
		logger:   logger,
		onError:  onError,
		active:   make(map[string]*running),
	}
}

// Start launches action's handler for transactionID in its own
// goroutine and returns immediately. Completion is reported
// asynchronously through Sender.MarkComplete.
func (rt *Runtime) Start(parent context.Context, action *routes.Action, transactionID string, meta Meta) {
	ctx, cancel := context.WithCancel(parent)

	sendLoading := func(state loadingstate.State) {
		if err := rt.sender.SendLoadingState(context.Background(), transactionID, state); err != nil {
			rt.logger.Warn("transaction: sending loading state failed", "transactionId", transactionID, "error", err)
		}
	}
	loading := loadingstate.New(sendLoading, rt.logger)

	io := ioclient.New(transactionID, rt.sender, rt.registry, rt.logger)
	io.DisplayResolvesImmediately = meta.DisplayResolvesImmediately

	run := &running{io: io, loading: loading, cancel: cancel}
	rt.mu.Lock()
	rt.active[transactionID] = run
	rt.mu.Unlock()

	rtCtx := &routes.Context{
		Base:          ctx,
		TransactionID: transactionID,
		Action:        routes.ActionInfo{Slug: meta.ActionSlug, URL: meta.ActionURL},
		Environment:   meta.Environment,
		Organization:  meta.Organization,
		User:          meta.User,
		Params:        meta.Params,
		ParamsMeta:    meta.ParamsMeta,
		Loading:       loading,
	}
	rtCtx.LogFunc = func(args ...any) { rt.log(ctx, transactionID, args...) }
	rtCtx.RedirectFunc = func(link string) {
		if err := rt.sender.SendRedirect(ctx, transactionID, link); err != nil {
			rt.logger.Warn("transaction: sending redirect failed", "transactionId", transactionID, "error", err)
		}
	}

	go rt.run(ctx, transactionID, action, io, rtCtx)
}

func (rt *Runtime) run(ctx context.Context, transactionID string, action *routes.Action, io *ioclient.Client, rtCtx *routes.Context) {
	defer rt.cleanup(transactionID)

	data, err := Run(action.Handler, io, rtCtx)

	result := ActionResult{SchemaVersion: schemaVersion}
	switch {
	case err == nil:
		result.Status = StatusSuccess
		result.Data = data
	case isCanceled(err):
		result.Status = StatusCanceled
	default:
		result.Status = StatusFailure
		result.Data = map[string]any{"error": errorName(err), "message": err.Error()}
		if rt.onError != nil {
			rt.onError(transactionID, action.Slug, err)
		}
	}

	if err := rt.sender.MarkComplete(context.Background(), transactionID, result); err != nil {
		rt.logger.Warn("transaction: reporting completion failed", "transactionId", transactionID, "error", err)
	}
}

// isCanceled reports whether err is the server-initiated cancellation
// path: either an ioclient.IOError{Kind: KindCanceled} returned from a
// pending render, or the plain context cancellation Runtime.Cancel
// applies to a handler that isn't blocked in a render at all.
func isCanceled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	var ioErr *ioclient.IOError
	return errors.As(err, &ioErr) && ioErr.Kind == ioclient.KindCanceled
}

// errorName reports a short, stable type tag for err, used as the
// "error" field of a FAILURE result alongside its message.
func errorName(err error) string {
	if named, ok := err.(interface{ Name() string }); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", err)
}

func invoke(handler routes.ActionHandler, io *ioclient.Client, ctx *routes.Context) (data any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction: handler panicked: %v", r)
		}
	}()
	return handler(io, ctx)
}

// cleanup runs when a handler returns by any means. Any render still
// pending at that point (there shouldn't normally be one, since io
// calls are sequential and awaited, but a handler that spawned its own
// goroutine around io could leave one outstanding) is rejected with
// IOError{TRANSACTION_CLOSED} rather than left to hang forever.
func (rt *Runtime) cleanup(transactionID string) {
	rt.mu.Lock()
	run, ok := rt.active[transactionID]
	delete(rt.active, transactionID)
	rt.mu.Unlock()
	if ok {
		run.io.Abort(&ioclient.IOError{Kind: ioclient.KindTransactionClosed, Err: errors.New("transaction: handler returned")})
		run.loading.Stop()
	}
}

// Cancel tears down a running transaction on server CLOSE_TRANSACTION:
// any pending render is rejected with IOError{CANCELED}, the handler's
// context is canceled so non-render blocking work also unwinds, its
// loading tracker is stopped, and it is removed from the active set so
// late IO_RESPONSEs are dropped.
func (rt *Runtime) Cancel(transactionID string) {
	rt.mu.Lock()
	run, ok := rt.active[transactionID]
	delete(rt.active, transactionID)
	rt.mu.Unlock()
	if ok {
		run.io.Abort(&ioclient.IOError{Kind: ioclient.KindCanceled, Err: ioclient.ErrCanceled})
		run.loading.Stop()
		run.cancel()
	}
}

// DeliverIOResponse routes an inbound IO_RESPONSE to the IOClient of
// the transaction it names.
func (rt *Runtime) DeliverIOResponse(ctx context.Context, resp ioclient.IOResponse) {
	rt.mu.Lock()
	run, ok := rt.active[resp.TransactionID]
	rt.mu.Unlock()
	if !ok {
		rt.logger.Debug("transaction: IO_RESPONSE for unknown transaction", "transactionId", resp.TransactionID)
		return
	}
	run.io.Deliver(ctx, resp)
}

// PendingRender returns the render payload currently awaiting a
// response for transactionID, for the host's resend coordinator to
// replay after a reconnect.
func (rt *Runtime) PendingRender(transactionID string) (ioclient.RenderPayload, bool) {
	rt.mu.Lock()
	run, ok := rt.active[transactionID]
	rt.mu.Unlock()
	if !ok {
		return ioclient.RenderPayload{}, false
	}
	return run.io.Pending()
}

// LoadingSnapshot returns the latest coalesced loading state for
// transactionID, for the host's resend coordinator.
func (rt *Runtime) LoadingSnapshot(transactionID string) (loadingstate.State, bool) {
	rt.mu.Lock()
	run, ok := rt.active[transactionID]
	rt.mu.Unlock()
	if !ok {
		return loadingstate.State{}, false
	}
	return run.loading.Snapshot(), true
}

// ActiveTransactionIDs returns a snapshot of every transaction this
// Runtime currently has running, for resend sweeps.
func (rt *Runtime) ActiveTransactionIDs() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]string, 0, len(rt.active))
	for id := range rt.active {
		ids = append(ids, id)
	}
	return ids
}

func (rt *Runtime) log(ctx context.Context, transactionID string, args ...any) {
	rt.mu.Lock()
	run, ok := rt.active[transactionID]
	rt.mu.Unlock()
	if !ok {
		return
	}

	message := fmt.Sprint(args...)

	run.logMu.Lock()
	if run.truncated {
		run.logMu.Unlock()
		return
	}
	index := run.logIndex
	run.logIndex++
	remaining := maxLogBytes - run.logBytes
	if remaining <= 0 {
		run.truncated = true
		run.logMu.Unlock()
		return
	}
	if len(message) > remaining {
		message = message[:remaining] + "...[truncated]"
		run.logBytes = maxLogBytes
		run.truncated = true
	} else {
		run.logBytes += len(message)
	}
	run.logMu.Unlock()

	if err := rt.sender.SendLog(ctx, transactionID, index, message); err != nil {
		rt.logger.Warn("transaction: sending log line failed", "transactionId", transactionID, "error", err)
	}
}
