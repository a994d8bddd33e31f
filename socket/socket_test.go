// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

package socket

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

// pipeConn wraps an io.Reader/io.Writer pair as a Conn, the same way a
// real net.Conn or WebSocket wrapper would be handed to New.
type pipeConn struct {
	io.Reader
	io.Writer
	closeOnce sync.Once
	closed    chan struct{}
}

func newPipeConn(r io.Reader, w io.Writer) *pipeConn {
	return &pipeConn{Reader: r, Writer: w, closed: make(chan struct{})}
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		// Closing the write side is what lets the peer's reader see EOF,
		// as it would when a real net.Conn is closed.
		if w, ok := c.Writer.(io.Closer); ok {
			w.Close()
		}
	})
	return nil
}

// connectedPair returns two MessageSockets wired to each other over an
// in-memory duplex byte stream, already past the OPEN handshake.
func connectedPair(t *testing.T, onA, onB Handler) (*MessageSocket, *MessageSocket) {
	t.Helper()

	ar, aw := io.Pipe()
	br, bw := io.Pipe()

	connA := newPipeConn(br, aw)
	connB := newPipeConn(ar, bw)

	cfg := Config{ConnectTimeout: time.Second}
	a := New(connA, cfg, onA)
	b := New(connB, cfg, onB)

	errCh := make(chan error, 2)
	go func() { errCh <- a.Connect(context.Background(), "a") }()
	go func() { errCh <- b.Connect(context.Background(), "b") }()

	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	return a, b
}

func TestConnectHandshakeExchangesInstanceIDs(t *testing.T) {
	a, b := connectedPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	if a.PeerInstanceID() != "b" {
		t.Errorf("a's peer id = %q, want %q", a.PeerInstanceID(), "b")
	}
	if b.PeerInstanceID() != "a" {
		t.Errorf("b's peer id = %q, want %q", b.PeerInstanceID(), "a")
	}
}

func TestSendDeliversPayloadAndAcks(t *testing.T) {
	received := make(chan []byte, 1)
	a, b := connectedPair(t, nil, func(payload []byte) { received <- payload })
	defer a.Close()
	defer b.Close()

	if err := a.Send(context.Background(), []byte("hello"), 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Errorf("received = %q, want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestSendChunksOversizedPayloadAndReassembles(t *testing.T) {
	received := make(chan []byte, 1)
	a, b := connectedPair(t, nil, func(payload []byte) { received <- payload })
	defer a.Close()
	defer b.Close()

	a.config.ChunkThreshold = 4
	payload := []byte(strings.Repeat("x", 17))

	if err := a.Send(context.Background(), payload, 1); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != string(payload) {
			t.Errorf("reassembled = %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reassembled message")
	}
}

func TestPingReceivesPong(t *testing.T) {
	a, b := connectedPair(t, nil, nil)
	defer a.Close()
	defer b.Close()

	if err := a.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	a, b := connectedPair(t, nil, nil)
	defer b.Close()

	a.Close()

	if err := a.Send(context.Background(), []byte("x"), 1); err != ErrNotConnected {
		t.Errorf("Send after close = %v, want %v", err, ErrNotConnected)
	}
}

func TestClosedChannelFiresOnPeerDisconnect(t *testing.T) {
	a, b := connectedPair(t, nil, nil)
	defer a.Close()

	b.Close()

	select {
	case <-a.Closed():
	case <-time.After(2 * time.Second):
		t.Fatal("a.Closed() never fired after b closed")
	}
}

// blockingConn never produces any bytes to read, simulating a peer that
// never answers the OPEN handshake.
type blockingConn struct {
	w io.Writer
}

func (blockingConn) Read(p []byte) (int, error) {
	select {} // blocks forever; Connect's context deadline ends the test
}
func (c blockingConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (blockingConn) Close() error                  { return nil }

func TestConnectTimesOutWithoutPeerOpen(t *testing.T) {
	s := New(blockingConn{w: io.Discard}, Config{ConnectTimeout: 50 * time.Millisecond}, nil)
	defer s.Close()

	err := s.Connect(context.Background(), "solo")
	if err != ErrConnectTimeout {
		t.Errorf("Connect = %v, want %v", err, ErrConnectTimeout)
	}
}

func TestSplitChunksUnderThreshold(t *testing.T) {
	pieces := splitChunks([]byte("short"), 100)
	if len(pieces) != 1 || pieces[0].key != "" {
		t.Errorf("splitChunks under threshold = %+v, want single unchunked piece", pieces)
	}
}

func TestSplitChunksOverThreshold(t *testing.T) {
	pieces := splitChunks([]byte("0123456789"), 4)
	if len(pieces) != 3 {
		t.Fatalf("len(pieces) = %d, want 3", len(pieces))
	}
	if pieces[0].key != "1/3" || pieces[2].key != "3/3" {
		t.Errorf("chunk keys = %q, %q, want 1/3 ... 3/3", pieces[0].key, pieces[2].key)
	}
	var rebuilt []byte
	for _, p := range pieces {
		rebuilt = append(rebuilt, p.data...)
	}
	if string(rebuilt) != "0123456789" {
		t.Errorf("rebuilt = %q, want %q", rebuilt, "0123456789")
	}
}
