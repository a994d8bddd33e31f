// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package taskscope implements the ambient (task-local) half of the
// handler context binding: handlers reach their io/ctx both through an
// explicit parameter and through an ambient binding scoped to the
// invoking goroutine.
//
// Go has no built-in goroutine-local storage. This package extracts the
// calling goroutine's runtime id from its stack trace, the same trick
// the wider Go ecosystem uses when goroutine-local semantics are
// unavoidable. It never leaves this package's internal scope.
package taskscope

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

var (
	mu    sync.Mutex
	slots = make(map[int64]any)
)

// goroutineID parses the numeric id out of the current goroutine's
// stack trace header ("goroutine 123 [running]:"). It is intentionally
// the only place in this module that looks at runtime internals.
func goroutineID() int64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	if idx := bytes.IndexByte(buf, ' '); idx >= 0 {
		buf = buf[:idx]
	}
	id, err := strconv.ParseInt(string(buf), 10, 64)
	if err != nil {
		// Should not happen; fall back to a sentinel that never
		// collides with a real goroutine id.
		return -1
	}
	return id
}

// Bind sets value as the ambient binding for the calling goroutine and
// returns a function that clears it. Callers must defer the returned
// function so the binding does not outlive the invocation that set it,
// even on panic.
func Bind(value any) (clear func()) {
	id := goroutineID()
	mu.Lock()
	slots[id] = value
	mu.Unlock()
	return func() {
		mu.Lock()
		delete(slots, id)
		mu.Unlock()
	}
}

// Get returns the ambient binding for the calling goroutine and true,
// or nil and false if no binding is active on this goroutine.
func Get() (any, bool) {
	id := goroutineID()
	mu.Lock()
	value, ok := slots[id]
	mu.Unlock()
	return value, ok
}
