// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package wiretrace is an internal-only diagnostic recorder for socket
// traffic, gated by Config.VerboseMessageLogs. It never touches the
// external RPC wire (that stays JSON per wire.go's boundary rule): the
// trace is an artifact local to this process, so it uses
// github.com/fxamacker/cbor/v2, the compact internal-protocol codec
// the grounding corpus's own lib/codec/doc.go reserves for exactly
// this kind of internal-only data.
package wiretrace

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Direction distinguishes a sent frame from a received one.
type Direction string

const (
	Outbound Direction = "out"
	Inbound  Direction = "in"
)

// Entry is one recorded frame.
type Entry struct {
	At        time.Time `cbor:"at"`
	Direction Direction `cbor:"dir"`
	FrameType string    `cbor:"type"`
	FrameID   string    `cbor:"id"`
	Bytes     int       `cbor:"bytes"`
}

// Recorder appends Entry values as CBOR-encoded records to an
// io.Writer (typically a rotating local file). It is safe for
// concurrent use from the socket read loop and write path.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	now func() time.Time
}

// New creates a Recorder writing to w. now defaults to time.Now; tests
// may override it for deterministic timestamps.
func New(w io.Writer, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{enc: cbor.NewEncoder(w), now: now}
}

// Record appends one Entry. Encoding errors are swallowed beyond a
// best-effort attempt: a broken trace sink must never affect the
// connection it is observing.
func (r *Recorder) Record(dir Direction, frameType, frameID string, payloadBytes int) {
	if r == nil {
		return
	}
	entry := Entry{
		At:        r.now(),
		Direction: dir,
		FrameType: frameType,
		FrameID:   frameID,
		Bytes:     payloadBytes,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_ = r.enc.Encode(entry)
}
