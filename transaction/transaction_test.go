// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/conduit-sh/conduit-sdk-go/ioclient"
	"github.com/conduit-sh/conduit-sdk-go/loadingstate"
	"github.com/conduit-sh/conduit-sdk-go/routes"
)

type fakeSender struct {
	mu        sync.Mutex
	completed []ActionResult
	logs      []string
	redirects []string
}

func (f *fakeSender) SendRender(context.Context, ioclient.RenderPayload) error { return nil }
func (f *fakeSender) SendValidation(context.Context, string, string) error    { return nil }

func (f *fakeSender) SendLog(_ context.Context, _ string, _ int, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, message)
	return nil
}

func (f *fakeSender) SendRedirect(_ context.Context, _ string, link string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.redirects = append(f.redirects, link)
	return nil
}

func (f *fakeSender) SendLoadingState(context.Context, string, loadingstate.State) error { return nil }

func (f *fakeSender) MarkComplete(_ context.Context, _ string, result ActionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, result)
	return nil
}

func (f *fakeSender) waitForCompletion(t *testing.T) ActionResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.completed) > 0 {
			r := f.completed[0]
			f.mu.Unlock()
			return r
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	t.Fatal("MarkComplete was never called")
	return ActionResult{}
}

func TestStartRunsHandlerAndReportsSuccess(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, nil, nil, nil)

	action := &routes.Action{Slug: "hello", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
		return map[string]any{"ok": true}, nil
	}}

	rt.Start(context.Background(), action, "tx-1", Meta{ActionSlug: "hello"})

	result := sender.waitForCompletion(t)
	if result.Status != StatusSuccess {
		t.Errorf("Status = %v, want %v", result.Status, StatusSuccess)
	}
	if result.SchemaVersion != schemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", result.SchemaVersion, schemaVersion)
	}
}

func TestStartReportsFailureOnHandlerError(t *testing.T) {
	sender := &fakeSender{}
	var gotErr error
	onError := func(transactionID, actionSlug string, err error) { gotErr = err }
	rt := NewRuntime(sender, nil, nil, onError)

	action := &routes.Action{Slug: "boom", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
		return nil, errBoom
	}}

	rt.Start(context.Background(), action, "tx-1", Meta{ActionSlug: "boom"})

	result := sender.waitForCompletion(t)
	if result.Status != StatusFailure {
		t.Errorf("Status = %v, want %v", result.Status, StatusFailure)
	}
	if gotErr != errBoom {
		t.Errorf("onError received %v, want %v", gotErr, errBoom)
	}
}

var errBoom = boomError{}

type boomError struct{}

func (boomError) Error() string { return "boom" }

func TestStartRecoversHandlerPanic(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, nil, nil, nil)

	action := &routes.Action{Slug: "panics", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
		panic("kaboom")
	}}

	rt.Start(context.Background(), action, "tx-1", Meta{ActionSlug: "panics"})

	result := sender.waitForCompletion(t)
	if result.Status != StatusFailure {
		t.Errorf("Status = %v, want %v", result.Status, StatusFailure)
	}
}

func TestFromContextInsideRunReturnsBoundBundle(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, nil, nil, nil)

	seen := make(chan *Bundle, 1)
	action := &routes.Action{Slug: "ambient", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
		seen <- FromContext()
		return nil, nil
	}}

	rt.Start(context.Background(), action, "tx-1", Meta{})
	sender.waitForCompletion(t)

	select {
	case bundle := <-seen:
		if bundle == nil || bundle.Ctx.TransactionID != "tx-1" {
			t.Errorf("FromContext bundle = %+v, want TransactionID=tx-1", bundle)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never ran")
	}
}

func TestFromContextOutsideRunPanics(t *testing.T) {
	defer func() {
		if r := recover(); r != ErrNoActiveTransaction {
			t.Errorf("recover() = %v, want %v", r, ErrNoActiveTransaction)
		}
	}()
	FromContext()
}

func TestCancelStopsActiveTransaction(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, nil, nil, nil)

	started := make(chan struct{})
	action := &routes.Action{Slug: "slow", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
		close(started)
		<-ctx.Base.Done()
		return nil, ctx.Base.Err()
	}}

	rt.Start(context.Background(), action, "tx-1", Meta{})
	<-started
	rt.Cancel("tx-1")

	result := sender.waitForCompletion(t)
	if result.Status != StatusCanceled {
		t.Errorf("Status = %v, want %v", result.Status, StatusCanceled)
	}

	if ids := rt.ActiveTransactionIDs(); len(ids) != 0 {
		t.Errorf("ActiveTransactionIDs = %v, want empty after Cancel", ids)
	}
}

func TestDeliverIOResponseForUnknownTransactionIsNoop(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, nil, nil, nil)
	rt.DeliverIOResponse(context.Background(), ioclient.IOResponse{TransactionID: "does-not-exist"})
}

func TestContextLogTruncatesAtLogByteBudget(t *testing.T) {
	sender := &fakeSender{}
	rt := NewRuntime(sender, nil, nil, nil)

	done := make(chan struct{})
	action := &routes.Action{Slug: "chatty", Handler: func(io *ioclient.Client, ctx *routes.Context) (any, error) {
		huge := make([]byte, maxLogBytes+1000)
		for i := range huge {
			huge[i] = 'x'
		}
		ctx.Log(string(huge))
		ctx.Log("this line should be dropped")
		close(done)
		return nil, nil
	}}

	rt.Start(context.Background(), action, "tx-1", Meta{})
	<-done
	sender.waitForCompletion(t)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.logs) != 1 {
		t.Fatalf("logs = %d entries, want 1 (truncated, further lines dropped)", len(sender.logs))
	}
}
