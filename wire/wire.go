// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the on-the-wire frame shapes shared by the
// socket and rpc layers. Every frame is UTF-8 JSON: JSON is the
// external interface format, the same boundary rule the rest of
// this SDK's ambient stack follows for internal-only artifacts (see
// internal/wiretrace).
package wire

import "encoding/json"

// FrameType identifies the kind of a MessageSocket-layer frame.
type FrameType string

const (
	FrameOpen    FrameType = "OPEN"
	FrameAck     FrameType = "ACK"
	FrameMessage FrameType = "MESSAGE"
	FramePing    FrameType = "PING"
	FramePong    FrameType = "PONG"
)

// Frame is the envelope exchanged over the duplex byte stream. Data
// carries an opaque payload (the RPC layer's serialized Envelope) for
// MESSAGE frames, and an instance id for OPEN frames. Chunk is set
// only on a MESSAGE frame that is part of a multi-chunk send, encoded
// as "index/total" (1-based index) exactly as on the wire.
type Frame struct {
	ID    string    `json:"id"`
	Type  FrameType `json:"type"`
	Data  string    `json:"data,omitempty"`
	Chunk string    `json:"chunk,omitempty"`
}

// RPCKind identifies whether an Envelope is an outbound call or a
// response to one.
type RPCKind string

const (
	RPCCall     RPCKind = "CALL"
	RPCResponse RPCKind = "RESPONSE"
)

// Envelope is the DuplexRPC-layer frame, carried inside a Frame's Data
// field (MESSAGE frames only).
type Envelope struct {
	ID         string          `json:"id"`
	Kind       RPCKind         `json:"kind"`
	MethodName string          `json:"methodName"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Marshal and Unmarshal are thin wrappers over encoding/json; the
// socket and rpc packages call encoding/json directly. Nothing here
// warrants a third-party JSON codec (see DESIGN.md).
func Marshal(v any) ([]byte, error) { return json.Marshal(v) }

func Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
