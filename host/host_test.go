// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/routes"
	"github.com/conduit-sh/conduit-sdk-go/rpc"
	"github.com/conduit-sh/conduit-sdk-go/socket"
	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	io.Reader
	io.Writer
}

func (pipeConn) Close() error { return nil }

// fakeService is a minimal stand-in for the remote service this SDK
// talks to: a bare rpc.Duplex that answers the handshake and captures
// whatever the host sends it.
type fakeService struct {
	duplex *rpc.Duplex

	mu        sync.Mutex
	renders   []ioclient.RenderPayload
	completed []json.RawMessage
}

func newFakeService() *fakeService {
	svc := &fakeService{duplex: rpc.New(nil)}
	svc.duplex.Handle("INITIALIZE_HOST", rpc.MethodSpec{}, func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	svc.duplex.Handle("SEND_IO_CALL", rpc.MethodSpec{}, func(_ context.Context, data json.RawMessage) (any, error) {
		var payload ioclient.RenderPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, err
		}
		svc.mu.Lock()
		svc.renders = append(svc.renders, payload)
		svc.mu.Unlock()
		return nil, nil
	})
	svc.duplex.Handle("VALIDATION_RESPONSE", rpc.MethodSpec{}, noopHandler)
	svc.duplex.Handle("SEND_LOG", rpc.MethodSpec{}, noopHandler)
	svc.duplex.Handle("SEND_REDIRECT", rpc.MethodSpec{}, noopHandler)
	svc.duplex.Handle("SEND_LOADING_CALL", rpc.MethodSpec{}, noopHandler)
	svc.duplex.Handle("MARK_TRANSACTION_COMPLETE", rpc.MethodSpec{}, func(_ context.Context, data json.RawMessage) (any, error) {
		svc.mu.Lock()
		svc.completed = append(svc.completed, data)
		svc.mu.Unlock()
		return nil, nil
	})
	return svc
}

func noopHandler(context.Context, json.RawMessage) (any, error) { return nil, nil }

func (svc *fakeService) lastRender() (ioclient.RenderPayload, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.renders) == 0 {
		return ioclient.RenderPayload{}, false
	}
	return svc.renders[len(svc.renders)-1], true
}

func (svc *fakeService) waitForRender(t *testing.T) ioclient.RenderPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p, ok := svc.lastRender(); ok {
			return p
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("host never sent a SEND_IO_CALL")
	return ioclient.RenderPayload{}
}

// waitForRenderCount blocks until at least n renders have been
// recorded and returns the nth one (0-indexed).
func (svc *fakeService) waitForRenderCount(t *testing.T, n int) ioclient.RenderPayload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		if len(svc.renders) > n {
			payload := svc.renders[n]
			svc.mu.Unlock()
			return payload
		}
		svc.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("host never sent %d SEND_IO_CALL messages", n+1)
	return ioclient.RenderPayload{}
}

// waitForCompletion blocks until the first MARK_TRANSACTION_COMPLETE
// has been recorded and returns the ActionResult it carries under
// "result".
func (svc *fakeService) waitForCompletion(t *testing.T) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		svc.mu.Lock()
		n := len(svc.completed)
		svc.mu.Unlock()
		if n > 0 {
			svc.mu.Lock()
			raw := svc.completed[0]
			svc.mu.Unlock()
			var payload struct {
				Result map[string]any `json:"result"`
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				t.Fatalf("decoding MARK_TRANSACTION_COMPLETE payload: %v", err)
			}
			return payload.Result
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("host never reported completion")
	return nil
}

// connectControllerAndService wires a Controller to a fakeService over
// an in-memory duplex stream, running Controller.Run in the background
// until the returned cancel is invoked.
func connectControllerAndService(t *testing.T, registry *routes.Registry) (*Controller, *fakeService, context.CancelFunc) {
	t.Helper()

	ar, aw := io.Pipe()
	br, bw := io.Pipe()

	svc := newFakeService()
	svcSock := socket.New(pipeConn{ar, bw}, socket.Config{}, svc.duplex.HandleInboundPayload)
	svc.duplex.SetCommunicator(svcSock)

	connectedCh := make(chan error, 1)
	go func() { connectedCh <- svcSock.Connect(context.Background(), "service") }()

	ctrl := New(registry, Config{
		Dial: func(context.Context) (socket.Conn, error) {
			return pipeConn{br, aw}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	go ctrl.Run(ctx)

	if err := <-connectedCh; err != nil {
		cancel()
		t.Fatalf("service-side Connect: %v", err)
	}

	return ctrl, svc, cancel
}

func TestHelloWorldActionRendersAndCompletes(t *testing.T) {
	require := require.New(t)

	registry := routes.NewRegistry(nil)
	registry.SetRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "hello", DisplayResolvesImmediately: true, Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
			_, err := io.Render(ctx.Base, ioclient.Component{MethodName: "DISPLAY_MARKDOWN", DisplayOnly: true})
			if err != nil {
				return nil, err
			}
			return map[string]any{"greeted": true}, nil
		}}},
	})

	_, svc, cancel := connectControllerAndService(t, registry)
	defer cancel()

	err := svc.duplex.Call(context.Background(), "START_TRANSACTION", map[string]any{
		"transactionId": "tx-1",
		"actionSlug":    "hello",
	}, nil)
	require.NoError(err, "START_TRANSACTION call")

	result := svc.waitForCompletion(t)
	require.Equal("SUCCESS", result["status"])
}

func TestRenderGroupRoundTripsThroughIOResponse(t *testing.T) {
	require := require.New(t)

	registry := routes.NewRegistry(nil)
	registry.SetRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "collect", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
			v, err := io.Render(ctx.Base, ioclient.Component{MethodName: "INPUT_TEXT"})
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": v}, nil
		}}},
	})

	_, svc, cancel := connectControllerAndService(t, registry)
	defer cancel()

	err := svc.duplex.Call(context.Background(), "START_TRANSACTION", map[string]any{
		"transactionId": "tx-2",
		"actionSlug":    "collect",
	}, nil)
	require.NoError(err, "START_TRANSACTION call")

	payload := svc.waitForRender(t)
	require.Len(payload.ToRender, 1)

	err = svc.duplex.Call(context.Background(), "IO_RESPONSE", ioclient.IOResponse{
		TransactionID: "tx-2",
		Kind:          ioclient.KindReturn,
		Values:        []json.RawMessage{json.RawMessage(`"typed value"`)},
	}, nil)
	require.NoError(err, "IO_RESPONSE call")

	result := svc.waitForCompletion(t)
	data, ok := result["data"].(map[string]any)
	require.True(ok, "completion data = %+v, want a map", result["data"])
	require.Equal("typed value", data["value"])
}

func TestCloseTransactionCancelsRunningHandler(t *testing.T) {
	require := require.New(t)

	registry := routes.NewRegistry(nil)
	registry.SetRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "slow", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
			_, err := io.Render(ctx.Base, ioclient.Component{MethodName: "INPUT_TEXT"})
			return nil, err
		}}},
	})

	ctrl, svc, cancel := connectControllerAndService(t, registry)
	defer cancel()

	err := svc.duplex.Call(context.Background(), "START_TRANSACTION", map[string]any{
		"transactionId": "tx-3",
		"actionSlug":    "slow",
	}, nil)
	require.NoError(err, "START_TRANSACTION call")

	svc.waitForRender(t)

	err = svc.duplex.Call(context.Background(), "CLOSE_TRANSACTION", map[string]any{"transactionId": "tx-3"}, nil)
	require.NoError(err, "CLOSE_TRANSACTION call")

	result := svc.waitForCompletion(t)
	require.Equal("CANCELED", result["status"], "status after cancel")
	require.Empty(ctrl.runtime.ActiveTransactionIDs(), "active transaction set after cancel")
}

func TestSafelyCloseDrainsInFlightTransactionsBeforeClosing(t *testing.T) {
	require := require.New(t)

	registry := routes.NewRegistry(nil)
	release := make(chan struct{})
	registry.SetRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "hold", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
			<-release
			return map[string]any{"done": true}, nil
		}}},
	})

	ctrl, svc, cancel := connectControllerAndService(t, registry)
	defer cancel()

	err := svc.duplex.Call(context.Background(), "START_TRANSACTION", map[string]any{
		"transactionId": "tx-4",
		"actionSlug":    "hold",
	}, nil)
	require.NoError(err, "START_TRANSACTION call")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(ctrl.ActiveTransactionIDs()) == 0 {
		time.Sleep(time.Millisecond)
	}
	require.NotEmpty(ctrl.ActiveTransactionIDs(), "transaction never became active")

	closeDone := make(chan error, 1)
	go func() { closeDone <- ctrl.SafelyClose(context.Background()) }()

	// A second START_TRANSACTION arriving after shutdown began must be
	// rejected locally instead of spawning a new handler.
	err = svc.duplex.Call(context.Background(), "START_TRANSACTION", map[string]any{
		"transactionId": "tx-5",
		"actionSlug":    "hold",
	}, nil)
	require.Error(err, "START_TRANSACTION after shutdown should be rejected")

	select {
	case <-closeDone:
		t.Fatal("SafelyClose returned before the in-flight transaction completed")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)

	result := svc.waitForCompletion(t)
	require.Equal("SUCCESS", result["status"])

	select {
	case err := <-closeDone:
		require.NoError(err)
	case <-time.After(2 * time.Second):
		t.Fatal("SafelyClose never returned after the transaction drained")
	}
}

// TestReconnectResendsIdenticalPendingRender exercises the resend
// coordinators end to end: a render awaiting a response survives a
// dropped connection, and the fresh connection carries a byte-for-byte
// identical SEND_IO_CALL rather than a fresh render instruction.
func TestReconnectResendsIdenticalPendingRender(t *testing.T) {
	require := require.New(t)

	registry := routes.NewRegistry(nil)
	registry.SetRoutes([]routes.Route{
		{Action: &routes.Action{Slug: "collect", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
			v, err := io.Render(ctx.Base, ioclient.Component{MethodName: "INPUT_TEXT"})
			if err != nil {
				return nil, err
			}
			return map[string]any{"value": v}, nil
		}}},
	})

	svc := newFakeService()
	dialCh := make(chan pipeConn, 8)

	dial := func(context.Context) (socket.Conn, error) {
		ar, aw := io.Pipe()
		br, bw := io.Pipe()
		hostConn := pipeConn{br, aw}
		serviceConn := pipeConn{ar, bw}

		go func() {
			sock := socket.New(serviceConn, socket.Config{}, svc.duplex.HandleInboundPayload)
			svc.duplex.SetCommunicator(sock)
			_ = sock.Connect(context.Background(), "service")
		}()

		dialCh <- hostConn
		return hostConn, nil
	}

	ctrl := New(registry, Config{Dial: dial})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ctrl.Run(ctx)

	firstConn := <-dialCh

	err := svc.duplex.Call(context.Background(), "START_TRANSACTION", map[string]any{
		"transactionId": "tx-6",
		"actionSlug":    "collect",
	}, nil)
	require.NoError(err, "START_TRANSACTION call")

	first := svc.waitForRenderCount(t, 0)
	require.Len(first.ToRender, 1)

	// Drop the host side of the connection so Controller.Run sees
	// Closed() fire and reconnects.
	firstConn.Reader.(*io.PipeReader).CloseWithError(io.EOF)
	firstConn.Writer.(*io.PipeWriter).CloseWithError(io.EOF)

	<-dialCh // the reconnect dial

	second := svc.waitForRenderCount(t, 1)
	require.Equal(first, second, "resent render after reconnect must be identical to the original")

	err = svc.duplex.Call(context.Background(), "IO_RESPONSE", ioclient.IOResponse{
		TransactionID: "tx-6",
		Kind:          ioclient.KindReturn,
		Values:        []json.RawMessage{json.RawMessage(`"typed value"`)},
	}, nil)
	require.NoError(err, "IO_RESPONSE call")

	result := svc.waitForCompletion(t)
	require.Equal("SUCCESS", result["status"])
}
