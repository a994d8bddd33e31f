// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package ioclient implements IOClient: the per-transaction render
// loop that pushes component instances to the service and resolves
// them as IO_RESPONSE messages arrive, including the validator
// round-trip and group (multi-component) semantics.
package ioclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrCanceled is returned by Render/RenderGroup when the service sends
// a CANCEL response for the in-flight batch (the "cancel mid-flight"
// scenario).
var ErrCanceled = errors.New("ioclient: transaction canceled")

// IOErrorKind classifies why a pending render was rejected without a
// normal RETURN.
type IOErrorKind int

const (
	// KindCanceled marks a render abandoned because the service (or a
	// server-initiated CLOSE_TRANSACTION relayed by the runtime) canceled
	// it while it was in flight.
	KindCanceled IOErrorKind = iota
	// KindTransactionClosed marks a render abandoned because the
	// transaction it belonged to already finished by other means (the
	// handler returned) before the render resolved.
	KindTransactionClosed
	// KindBadResponse marks a render rejected because the service's
	// reply failed to decode or validate against the component's return
	// schema.
	KindBadResponse
	// KindRenderError marks a render rejected before it was ever sent,
	// because the handler supplied props that failed local validation.
	KindRenderError
)

func (k IOErrorKind) String() string {
	switch k {
	case KindCanceled:
		return "CANCELED"
	case KindTransactionClosed:
		return "TRANSACTION_CLOSED"
	case KindBadResponse:
		return "BAD_RESPONSE"
	case KindRenderError:
		return "RENDER_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IOError is returned by Render/RenderGroup when a pending render is
// rejected for a reason other than a normal RETURN.
type IOError struct {
	Kind IOErrorKind
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("ioclient: %s: %v", e.Kind, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// Sender is how a Client ships render instructions and validation
// verdicts, and is implemented by the transaction runtime on top of
// its rpc.Duplex. Kept as an interface so this package never imports
// the transport layers directly.
type Sender interface {
	SendRender(ctx context.Context, payload RenderPayload) error
	SendValidation(ctx context.Context, transactionID string, rejection string) error
}

// ComponentRegistry is the external collaborator that knows a method
// name's props/return/state schemas. A Client uses it, when supplied,
// to validate outgoing props and incoming return values locally
// before they ever reach the wire or the caller.
type ComponentRegistry interface {
	ComponentMethodNames() []string
	ParseProps(methodName string, raw json.RawMessage) (any, error)
	ParseReturn(methodName string, raw json.RawMessage) (any, error)
	ParseState(methodName string, raw json.RawMessage) (any, error)
}

// ComponentPayload is the wire shape of one component in a render
// instruction.
type ComponentPayload struct {
	ID         string `json:"id"`
	MethodName string `json:"methodName"`
	Label      string `json:"label,omitempty"`
	Props      any    `json:"props,omitempty"`
}

// RenderPayload is the wire shape of a full render instruction: every
// component currently awaiting a response for one transaction, sent
// together so the service can lay them out as a single screen.
type RenderPayload struct {
	TransactionID string             `json:"transactionId"`
	ToRender      []ComponentPayload `json:"toRender"`
	ChoiceButtons []string           `json:"choiceButtons,omitempty"`
}

// Component describes one interactive unit the handler wants rendered.
type Component struct {
	MethodName string
	Label      string
	Props      any

	// DisplayOnly marks a component that has nothing for the end user
	// to respond to (e.g. a static display block). It is still sent to
	// the service so the UI shows it; whether it holds up the group's
	// resolution is controlled by Client.DisplayResolvesImmediately.
	DisplayOnly bool

	// OnStateChange, if set, is invoked whenever the service reports a
	// SET_STATE for this component's instance (e.g. a file picker
	// reporting bytes uploaded so far). Its return value becomes the
	// component's new Props for the next render instruction; the
	// component stays AwaitingResponse.
	OnStateChange func(newState any) (newProps any)
}

// State is a component instance's position in its render lifecycle.
type State int

const (
	Rendering State = iota
	AwaitingResponse
	Returned
	Canceled
)

// ResponseKind distinguishes a terminal answer from a validator
// round-trip or a cancellation.
type ResponseKind string

const (
	KindReturn   ResponseKind = "RETURN"
	KindValidate ResponseKind = "VALIDATE"
	KindCancel   ResponseKind = "CANCEL"
	KindSetState ResponseKind = "SET_STATE"
)

// IOResponse is what arrives from the service in answer to a render
// instruction.
type IOResponse struct {
	TransactionID string            `json:"transactionId"`
	Kind          ResponseKind      `json:"kind"`
	Values        []json.RawMessage `json:"values,omitempty"`
	ChoiceButton  string            `json:"choiceButton,omitempty"`
}

// Validator inspects the values a group is about to return and may
// reject them, sending rejection back to the service for redisplay.
// An empty return value accepts.
type Validator func(values []any) (rejection string)

// Group is a set of components rendered and resolved together.
type Group struct {
	Components    []Component
	ChoiceButtons []string
	Validator     Validator
}

type instance struct {
	id           string
	component    Component
	state        State
	currentProps any // starts as component.Props, updated by SET_STATE
}

// Client runs one transaction's render loop.
type Client struct {
	transactionID string
	sender        Sender
	registry      ComponentRegistry
	logger        *slog.Logger

	// DisplayResolvesImmediately gates whether a render whose
	// components are all DisplayOnly returns as soon as SendRender has
	// delivered it (true) or still waits for the service's RETURN like
	// any other render (false, the zero value). A group that also holds
	// an interactive component always waits for the RETURN; DisplayOnly
	// values are nil either way. Set once by the transaction runtime before the Client's
	// first Render/RenderGroup call; not safe to change concurrently
	// with one in flight.
	DisplayResolvesImmediately bool

	// inFlight enforces sequential io ordering: only one render batch
	// may be outstanding on a Client at a time, so a
	// handler that calls io.Render from more than one goroutine still
	// observes batches resolving in the order they were issued.
	inFlight sync.Mutex

	mu         sync.Mutex
	instances  []*instance
	validator  Validator
	waitCh     chan struct{}
	resolved   bool
	values     []any
	choice     string
	err        error
	payload    RenderPayload
	hasPayload bool
}

// New creates a Client bound to one transaction and its Sender.
// registry may be nil to skip local props/return validation.
func New(transactionID string, sender Sender, registry ComponentRegistry, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transactionID: transactionID, sender: sender, registry: registry, logger: logger}
}

// Render renders a single component and blocks for its result.
func (c *Client) Render(ctx context.Context, component Component) (any, error) {
	values, _, err := c.RenderGroup(ctx, Group{Components: []Component{component}})
	if err != nil {
		return nil, err
	}
	return values[0], nil
}

// RenderGroup renders every component in group together, sends one
// RenderPayload, and blocks until the service returns values for all
// non-display-only members, a choice button is pressed, the batch is
// canceled, or ctx is done.
func (c *Client) RenderGroup(ctx context.Context, group Group) (values []any, choiceButton string, err error) {
	if len(group.Components) == 0 {
		return nil, "", fmt.Errorf("ioclient: render group has no components")
	}

	c.inFlight.Lock()
	defer c.inFlight.Unlock()

	instances := make([]*instance, len(group.Components))
	payload := RenderPayload{TransactionID: c.transactionID, ChoiceButtons: group.ChoiceButtons}
	for i, comp := range group.Components {
		inst := &instance{id: uuid.NewString(), component: comp, state: Rendering, currentProps: comp.Props}
		if comp.DisplayOnly && c.DisplayResolvesImmediately {
			inst.state = Returned
		} else {
			inst.state = AwaitingResponse
		}
		instances[i] = inst
		if err := c.validateProps(comp); err != nil {
			return nil, "", &IOError{Kind: KindRenderError, Err: err}
		}
		payload.ToRender = append(payload.ToRender, ComponentPayload{
			ID:         inst.id,
			MethodName: comp.MethodName,
			Label:      comp.Label,
			Props:      comp.Props,
		})
	}

	waitCh := make(chan struct{})

	c.mu.Lock()
	if c.DisplayResolvesImmediately && allDisplayOnly(instances) {
		c.mu.Unlock()
		if err := c.sender.SendRender(ctx, payload); err != nil {
			return nil, "", err
		}
		return displayOnlyValues(instances), "", nil
	}
	c.instances = instances
	c.validator = group.Validator
	c.waitCh = waitCh
	c.resolved = false
	c.values = nil
	c.choice = ""
	c.err = nil
	c.payload = payload
	c.hasPayload = true
	c.mu.Unlock()

	if err := c.sender.SendRender(ctx, payload); err != nil {
		return nil, "", err
	}

	select {
	case <-waitCh:
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.hasPayload = false
	if c.err != nil {
		return nil, "", c.err
	}
	return c.values, c.choice, nil
}

// validateProps checks comp's props against its method's props schema,
// when a ComponentRegistry is configured. Catching a malformed props
// value here, before it ever reaches the wire, is strictly better than
// finding out from a rejected render on the service side.
func (c *Client) validateProps(comp Component) error {
	if c.registry == nil {
		return nil
	}
	raw, err := json.Marshal(comp.Props)
	if err != nil {
		return fmt.Errorf("ioclient: marshaling %s props: %w", comp.MethodName, err)
	}
	if _, err := c.registry.ParseProps(comp.MethodName, raw); err != nil {
		return fmt.Errorf("ioclient: %s: %w", comp.MethodName, err)
	}
	return nil
}

func allDisplayOnly(instances []*instance) bool {
	for _, inst := range instances {
		if !inst.component.DisplayOnly {
			return false
		}
	}
	return true
}

func displayOnlyValues(instances []*instance) []any {
	values := make([]any, len(instances))
	return values
}

// Deliver applies one IOResponse to the currently in-flight batch, if
// any. It is called by the transaction runtime's IO_RESPONSE dispatch.
func (c *Client) Deliver(ctx context.Context, resp IOResponse) {
	c.mu.Lock()

	if c.waitCh == nil {
		c.mu.Unlock()
		c.logger.Debug("ioclient: response with no in-flight render", "transactionId", resp.TransactionID)
		return
	}
	if c.resolved {
		// RETURN is terminal for a render generation; any further
		// message (a duplicate RETURN, a stray SET_STATE) for the same
		// generation is a replay artifact of at-least-once delivery and
		// is dropped rather than reopening a finished batch.
		c.mu.Unlock()
		return
	}

	switch resp.Kind {
	case KindCancel:
		c.abortLocked(&IOError{Kind: KindCanceled, Err: ErrCanceled})
		c.mu.Unlock()

	case KindValidate:
		values, err := c.decodeValuesLocked(resp.Values)
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("ioclient: decoding validate payload", "error", err)
			return
		}
		rejection := ""
		if c.validator != nil {
			rejection = c.validator(values)
		}
		c.mu.Unlock()
		if sendErr := c.sender.SendValidation(ctx, c.transactionID, rejection); sendErr != nil {
			c.logger.Warn("ioclient: sending validation verdict", "error", sendErr)
		}
		// A rejection keeps the batch open: the service redisplays and
		// the caller's Render/RenderGroup call keeps blocking until a
		// later RETURN or CANCEL arrives.

	case KindSetState:
		payload, err := c.applyStateChangeLocked(resp.Values)
		c.mu.Unlock()
		if err != nil {
			c.logger.Warn("ioclient: applying SET_STATE", "error", err)
			return
		}
		// The component stays AwaitingResponse; its updated props are
		// simply reflected in the next render instruction rather than
		// resolving the caller's pending Render/RenderGroup call.
		if sendErr := c.sender.SendRender(ctx, payload); sendErr != nil {
			c.logger.Warn("ioclient: resending render after SET_STATE", "error", sendErr)
		}

	case KindReturn:
		values, err := c.decodeValuesLocked(resp.Values)
		if err != nil {
			c.err = &IOError{Kind: KindBadResponse, Err: err}
			c.finishLocked()
			c.mu.Unlock()
			return
		}
		for _, inst := range c.instances {
			inst.state = Returned
		}
		c.values = values
		c.choice = resp.ChoiceButton
		c.finishLocked()
		c.mu.Unlock()

	default:
		c.mu.Unlock()
		c.logger.Warn("ioclient: response with unknown kind", "kind", resp.Kind)
	}
}

// applyStateChangeLocked decodes resp.Values as per-component state,
// runs each instance's OnStateChange to recompute its props, updates
// the stored pending payload (so a reconnect resend carries the latest
// props too), and returns the payload to re-send. Must be called with
// c.mu held; unlocks nothing itself.
func (c *Client) applyStateChangeLocked(raw []json.RawMessage) (RenderPayload, error) {
	for i, r := range raw {
		if len(r) == 0 || i >= len(c.instances) {
			continue
		}
		inst := c.instances[i]
		if inst.component.OnStateChange == nil {
			continue
		}

		var state any
		if c.registry != nil {
			parsed, err := c.registry.ParseState(inst.component.MethodName, r)
			if err != nil {
				return RenderPayload{}, fmt.Errorf("ioclient: %s: %w", inst.component.MethodName, err)
			}
			state = parsed
		} else if err := json.Unmarshal(r, &state); err != nil {
			return RenderPayload{}, fmt.Errorf("ioclient: decoding state for %s: %w", inst.component.MethodName, err)
		}

		inst.currentProps = inst.component.OnStateChange(state)
		if i < len(c.payload.ToRender) {
			c.payload.ToRender[i].Props = inst.currentProps
		}
	}
	return c.payload, nil
}

// abortLocked marks every instance in the current batch Canceled and
// resolves the pending call with err. Must be called with c.mu held.
func (c *Client) abortLocked(err error) {
	for _, inst := range c.instances {
		inst.state = Canceled
	}
	c.err = err
	c.finishLocked()
}

// Abort rejects the currently pending render, if any, with err. It is
// the transaction runtime's hook for server-initiated CLOSE_TRANSACTION
// and for cleaning up any render left outstanding when a handler
// returns: both cases must unblock the caller without waiting for an
// IO_RESPONSE that will never arrive. A no-op if nothing is pending.
func (c *Client) Abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitCh == nil || c.resolved {
		return
	}
	c.abortLocked(err)
}

func (c *Client) finishLocked() {
	if c.resolved {
		return
	}
	c.resolved = true
	close(c.waitCh)
}

// decodeValuesLocked decodes one response's positional values,
// validating each against its component's return schema when a
// ComponentRegistry is configured. Must be called with c.mu held,
// since it reads c.instances.
func (c *Client) decodeValuesLocked(raw []json.RawMessage) ([]any, error) {
	values := make([]any, len(raw))
	for i, r := range raw {
		if len(r) == 0 {
			continue
		}
		if c.registry != nil && i < len(c.instances) && !c.instances[i].component.DisplayOnly {
			v, err := c.registry.ParseReturn(c.instances[i].component.MethodName, r)
			if err != nil {
				return nil, err
			}
			values[i] = v
			continue
		}
		if err := json.Unmarshal(r, &values[i]); err != nil {
			return nil, err
		}
	}
	return values, nil
}

// Pending returns the RenderPayload currently awaiting a response, for
// the host's resend coordinator to replay after a reconnect.
func (c *Client) Pending() (RenderPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload, c.hasPayload
}
