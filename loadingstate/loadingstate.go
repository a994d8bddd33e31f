// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package loadingstate implements coalesced progress reports: a single
// {title, description, itemsInQueue, itemsCompleted} per transaction,
// with mutations merged behind a short trailing timer before being
// flushed to the transport.
package loadingstate

import (
	"log/slog"
	"sync"
	"time"
)

// State is the wire shape of a transaction's loading state.
type State struct {
	Title          string `json:"title,omitempty"`
	Description    string `json:"description,omitempty"`
	ItemsInQueue   int    `json:"itemsInQueue,omitempty"`
	ItemsCompleted int    `json:"itemsCompleted,omitempty"`
}

// Flusher is called with the coalesced state once the trailing timer
// fires. It is typically SEND_LOADING_CALL over the HostController's
// rpc.Duplex.
type Flusher func(State)

// CoalesceWindow is the trailing-timer duration: roughly 100ms.
const CoalesceWindow = 100 * time.Millisecond

// Tracker coalesces Start/Update/CompleteOne calls for one transaction
// and flushes at most once per CoalesceWindow.
type Tracker struct {
	mu      sync.Mutex
	state   State
	started bool
	timer   *time.Timer
	flush   Flusher
	logger  *slog.Logger
}

// New creates a Tracker that calls flush CoalesceWindow after the first
// mutation in a batch; later mutations in the same batch do not extend
// the wait.
func New(flush Flusher, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{flush: flush, logger: logger}
}

// Start sets the initial state and queue size, and begins accepting
// CompleteOne calls.
func (t *Tracker) Start(title, description string, itemsInQueue int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = true
	t.state = State{Title: title, Description: description, ItemsInQueue: itemsInQueue}
	t.scheduleFlushLocked()
}

// Update merges a partial change into the current state. Zero-value
// fields in delta are treated as "no change" for Title/Description;
// ItemsInQueue is only applied if non-zero.
func (t *Tracker) Update(delta State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if delta.Title != "" {
		t.state.Title = delta.Title
	}
	if delta.Description != "" {
		t.state.Description = delta.Description
	}
	if delta.ItemsInQueue != 0 {
		t.state.ItemsInQueue = delta.ItemsInQueue
	}
	t.scheduleFlushLocked()
}

// CompleteOne increments itemsCompleted by one, clamped so it never
// exceeds itemsInQueue. Calling CompleteOne before Start is a logged
// no-op.
func (t *Tracker) CompleteOne() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		t.logger.Warn("loadingstate: completeOne called before start")
		return
	}
	if t.state.ItemsCompleted >= t.state.ItemsInQueue {
		t.logger.Warn("loadingstate: completeOne would exceed itemsInQueue")
		return
	}
	t.state.ItemsCompleted++
	t.scheduleFlushLocked()
}

// Snapshot returns the current coalesced state, for resend coordinators
// that need the latest-known state without waiting for a flush.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) scheduleFlushLocked() {
	if t.timer != nil {
		return
	}
	t.timer = time.AfterFunc(CoalesceWindow, t.fire)
}

func (t *Tracker) fire() {
	t.mu.Lock()
	t.timer = nil
	state := t.state
	t.mu.Unlock()
	t.flush(state)
}

// Stop cancels any pending flush timer. Call when the transaction
// closes to avoid a stray send after teardown.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
