// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements DuplexRPC: a typed method multiplexer running
// on top of a socket.MessageSocket. Either side may issue CALLs and
// both sides validate input/output against JSON Schemas compiled from
// github.com/santhosh-tekuri/jsonschema/v5, the same schema library the
// grounding corpus uses at its own policy-enforcement boundary.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/conduit-sh/conduit-sdk-go/socket"
	"github.com/conduit-sh/conduit-sdk-go/wire"
)

// ErrNotConnected mirrors socket.ErrNotConnected for calls that were
// in flight when the communicator was swapped or closed.
var ErrNotConnected = socket.ErrNotConnected

// MethodSpec pairs a method's input and output JSON Schemas. Either
// may be nil to skip validation for that side of the call — useful for
// methods with a fixed Go type and no externally-declared schema.
type MethodSpec struct {
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
}

// HandlerFunc answers an inbound CALL for one method. Returning a
// non-nil error causes the RESPONSE envelope's Error field to be set
// and Data to be omitted.
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// ValidationError reports a schema mismatch on a named method.
type ValidationError struct {
	MethodName string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rpc: %s: %v", e.MethodName, e.Err)
}
func (e *ValidationError) Unwrap() error { return e.Err }

// Duplex multiplexes method calls over a socket.MessageSocket. A Duplex
// is configured once with the set of methods this side responds to
// (methods + handlers); it may call any method name on the peer
// without needing to know the peer's schema, trusting the peer to
// validate.
type Duplex struct {
	mu       sync.Mutex
	sock     *socket.MessageSocket
	methods  map[string]MethodSpec
	handlers map[string]HandlerFunc
	pending  map[string]chan wire.Envelope
	nextID   atomic.Uint64
	logger   *slog.Logger
}

// New creates a Duplex with no handlers registered and no socket
// bound. Call Handle for every method this side answers, then
// SetCommunicator to bind the transport.
func New(logger *slog.Logger) *Duplex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Duplex{
		methods:  make(map[string]MethodSpec),
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[string]chan wire.Envelope),
		logger:   logger,
	}
}

// Handle registers the schema and handler for one method this side
// responds to. Panics on duplicate registration, matching the
// grounding corpus's fail-fast convention for handler tables.
func (d *Duplex) Handle(methodName string, spec MethodSpec, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[methodName]; exists {
		panic(fmt.Sprintf("rpc: duplicate handler for method %q", methodName))
	}
	d.methods[methodName] = spec
	d.handlers[methodName] = handler
}

// SetCommunicator rebinds the Duplex to a new MessageSocket without
// invalidating request ids already in flight — but those in-flight
// calls still fail with ErrNotConnected because the old socket is no
// longer reachable; the caller (HostController) is responsible for
// re-issuing them.
func (d *Duplex) SetCommunicator(sock *socket.MessageSocket) {
	d.mu.Lock()
	d.sock = sock
	d.mu.Unlock()
}

// HandleInboundPayload is the socket.Handler to pass to socket.New; it
// decodes one Envelope and routes it as a CALL or a RESPONSE.
func (d *Duplex) HandleInboundPayload(payload []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.logger.Warn("rpc: dropping malformed envelope", "error", err)
		return
	}

	switch env.Kind {
	case wire.RPCCall:
		go d.serveCall(env)
	case wire.RPCResponse:
		d.deliverResponse(env)
	default:
		d.logger.Warn("rpc: dropping envelope with unknown kind", "kind", env.Kind)
	}
}

// serveCall validates and dispatches one inbound CALL, then sends the
// RESPONSE. Schema-validation failures never kill the connection: an
// input failure is logged and answered with a default-null result, an
// output failure is logged and answered with a ValidationError message.
func (d *Duplex) serveCall(env wire.Envelope) {
	d.mu.Lock()
	spec, specOK := d.methods[env.MethodName]
	handler, handlerOK := d.handlers[env.MethodName]
	d.mu.Unlock()

	if !handlerOK {
		d.respond(env.ID, env.MethodName, nil, fmt.Sprintf("unknown method %q", env.MethodName))
		return
	}

	if specOK && spec.InputSchema != nil {
		if err := validateRaw(spec.InputSchema, env.Data); err != nil {
			d.logger.Warn("rpc: input validation failed, responding with null result",
				"method", env.MethodName, "error", err)
			d.respond(env.ID, env.MethodName, nil, "")
			return
		}
	}

	result, err := handler(context.Background(), env.Data)
	if err != nil {
		d.respond(env.ID, env.MethodName, nil, err.Error())
		return
	}

	var resultRaw json.RawMessage
	if result != nil {
		data, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			d.respond(env.ID, env.MethodName, nil, fmt.Sprintf("marshaling result: %v", marshalErr))
			return
		}
		resultRaw = data
	}

	if specOK && spec.OutputSchema != nil && resultRaw != nil {
		if err := validateRaw(spec.OutputSchema, resultRaw); err != nil {
			d.logger.Error("rpc: handler produced output failing its own schema",
				"method", env.MethodName, "error", err)
			d.respond(env.ID, env.MethodName, nil, (&ValidationError{MethodName: env.MethodName, Err: err}).Error())
			return
		}
	}

	d.respondData(env.ID, env.MethodName, resultRaw)
}

func (d *Duplex) respond(id, methodName string, data json.RawMessage, errMsg string) {
	d.sendEnvelope(wire.Envelope{ID: id, Kind: wire.RPCResponse, MethodName: methodName, Data: data, Error: errMsg})
}

func (d *Duplex) respondData(id, methodName string, data json.RawMessage) {
	d.respond(id, methodName, data, "")
}

func (d *Duplex) deliverResponse(env wire.Envelope) {
	d.mu.Lock()
	ch, ok := d.pending[env.ID]
	d.mu.Unlock()
	if !ok {
		d.logger.Debug("rpc: response for unknown or already-resolved call", "id", env.ID)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

// Call issues an outbound CALL for methodName with input marshaled as
// the request body, and blocks until a matching RESPONSE arrives, ctx
// is done, or the bound socket reports ErrNotConnected. On success,
// result (if non-nil) is populated by json.Unmarshal from the
// response's Data.
func (d *Duplex) Call(ctx context.Context, methodName string, input any, result any) error {
	var data json.RawMessage
	if input != nil {
		marshaled, err := json.Marshal(input)
		if err != nil {
			return fmt.Errorf("rpc: marshaling %s input: %w", methodName, err)
		}
		data = marshaled
	}

	id := strconv.FormatUint(d.nextID.Add(1), 36)
	respCh := make(chan wire.Envelope, 1)

	d.mu.Lock()
	sock := d.sock
	d.pending[id] = respCh
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
	}()

	if sock == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(wire.Envelope{ID: id, Kind: wire.RPCCall, MethodName: methodName, Data: data})
	if err != nil {
		return fmt.Errorf("rpc: marshaling envelope: %w", err)
	}

	if err := sock.Send(ctx, payload, 1); err != nil {
		return err
	}

	select {
	case env := <-respCh:
		if env.Error != "" {
			return &CallError{MethodName: methodName, Message: env.Error}
		}
		if result != nil && len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, result); err != nil {
				return fmt.Errorf("rpc: decoding %s response: %w", methodName, err)
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-sock.Closed():
		return ErrNotConnected
	}
}

func (d *Duplex) sendEnvelope(env wire.Envelope) {
	d.mu.Lock()
	sock := d.sock
	d.mu.Unlock()
	if sock == nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		d.logger.Error("rpc: marshaling envelope for send", "error", err)
		return
	}
	if err := sock.Send(context.Background(), payload, 1); err != nil && !errors.Is(err, socket.ErrNotConnected) {
		d.logger.Warn("rpc: sending envelope failed", "method", env.MethodName, "error", err)
	}
}

// CallError is returned by Call when the peer's RESPONSE carries a
// non-empty Error field.
type CallError struct {
	MethodName string
	Message    string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rpc: %s: %s", e.MethodName, e.Message)
}

func validateRaw(schema *jsonschema.Schema, data json.RawMessage) error {
	if len(data) == 0 {
		data = []byte("null")
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
