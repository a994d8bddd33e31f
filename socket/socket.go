// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package socket implements MessageSocket: a framed, acknowledged,
// timeout-bounded message exchange over a duplex byte stream, with
// ping/pong liveness and chunking of oversized payloads.
//
// The wire framing follows the same streaming-encoder/streaming-decoder
// shape used throughout the grounding corpus's service socket layer
// (encode one JSON value at a time, decode one JSON value at a time —
// encoding/json's Encoder/Decoder already do this without an explicit
// delimiter), just over JSON instead of CBOR because this is an
// external interface (see wire.go and DESIGN.md).
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduit-sh/conduit-sdk-go/internal/wiretrace"
	"github.com/conduit-sh/conduit-sdk-go/wire"
)

// Conn is the abstract duplex byte stream MessageSocket runs over.
// Any net.Conn satisfies this, as does a WebSocket wrapper the caller
// supplies — MessageSocket never assumes a specific transport.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Errors returned by MessageSocket operations.
var (
	// ErrTimeout is returned when a send or ping does not receive its
	// acknowledgement within the configured deadline.
	ErrTimeout = errors.New("socket: timeout")
	// ErrNotConnected is returned by Send/Ping after the socket has
	// closed, and by in-flight operations when the socket closes out
	// from under them.
	ErrNotConnected = errors.New("socket: not connected")
	// ErrConnectTimeout is returned by Connect when the peer's OPEN
	// frame does not arrive in time.
	ErrConnectTimeout = errors.New("socket: connect timeout")
)

// Config holds MessageSocket's timing and sizing parameters. Zero
// values are replaced with the documented defaults by New.
type Config struct {
	// ConnectTimeout bounds how long Connect waits for the peer's OPEN.
	ConnectTimeout time.Duration
	// SendTimeout bounds a Send at timeoutFactor == 1.
	SendTimeout time.Duration
	// PingTimeout bounds how long Ping waits for a matching PONG.
	PingTimeout time.Duration
	// RetryChunkInterval is the delay between chunk retry attempts.
	RetryChunkInterval time.Duration
	// ChunkThreshold is the maximum payload size, in bytes, sent as a
	// single chunk. Payloads larger than this are split into ordered
	// pieces of at most this size.
	ChunkThreshold int
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// Tracer, when set (gated by Config.VerboseMessageLogs upstream),
	// records every frame this socket sends and receives to a local
	// diagnostic sink. Never affects wire behavior.
	Tracer *wiretrace.Recorder
}

func (c *Config) setDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 5 * time.Second
	}
	if c.RetryChunkInterval <= 0 {
		c.RetryChunkInterval = 500 * time.Millisecond
	}
	if c.ChunkThreshold <= 0 {
		c.ChunkThreshold = 256 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// maxChunkRetries is the number of times a single chunk is retried
// before the enclosing Send fails.
const maxChunkRetries = 3

// Handler is invoked with the decoded payload of every received
// MESSAGE (after chunk reassembly, if any). It runs on the socket's
// read-dispatch goroutine; handlers that may block should hand off to
// another goroutine.
type Handler func(payload []byte)

// MessageSocket is a single logical producer per direction atop a Conn.
// All sends are serialized through one internal writer; reads are
// dispatched from a single background goroutine that also services
// ACKs, PINGs, and PONGs (the ACK and PONG replies it owes are written
// from short-lived goroutines).
type MessageSocket struct {
	conn   Conn
	config Config
	onMsg  Handler

	writeMu sync.Mutex // single-writer discipline

	nextID atomic.Uint64

	mu        sync.Mutex
	closed    bool
	pending   map[string]*pendingSend // keyed by message id (not chunk key)
	openCh    chan struct{}
	openOnce  sync.Once
	peerOpen  string
	pongCh    chan struct{} // replaced on every Ping call
	closeCh   chan struct{} // closed exactly once, signals unexpected close
}

type pendingSend struct {
	mu       sync.Mutex
	chunks   map[string]chan struct{} // chunk key ("" or "i/total") -> ack channel
	failOnce sync.Once
	failCh   chan error
}

// New wraps conn as a MessageSocket. onMessage is called for every
// reassembled inbound MESSAGE payload; it may be nil if this side only
// sends.
func New(conn Conn, config Config, onMessage Handler) *MessageSocket {
	config.setDefaults()
	s := &MessageSocket{
		conn:    conn,
		config:  config,
		onMsg:   onMessage,
		pending: make(map[string]*pendingSend),
		openCh:  make(chan struct{}),
		closeCh: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Closed returns a channel that is closed when the socket stops
// reading — either because Close was called or the underlying Conn
// returned an error. HostController watches this to trigger reconnect.
func (s *MessageSocket) Closed() <-chan struct{} {
	return s.closeCh
}

// Connect performs the OPEN handshake: sends this side's instanceID
// and waits for the peer's OPEN, or fails with ErrConnectTimeout.
func (s *MessageSocket) Connect(ctx context.Context, instanceID string) error {
	if err := s.writeFrame(wire.Frame{ID: s.freshID(), Type: wire.FrameOpen, Data: instanceID}); err != nil {
		return fmt.Errorf("socket: sending OPEN: %w", err)
	}

	timeout, cancel := context.WithTimeout(ctx, s.config.ConnectTimeout)
	defer cancel()

	select {
	case <-s.openCh:
		return nil
	case <-timeout.Done():
		return ErrConnectTimeout
	case <-s.closeCh:
		return ErrNotConnected
	}
}

// PeerInstanceID returns the instance id the peer sent in its OPEN
// frame. Only valid after Connect returns successfully.
func (s *MessageSocket) PeerInstanceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerOpen
}

// Send packages payload as one or more MESSAGE frames and blocks until
// every chunk is acknowledged. timeoutFactor scales Config.SendTimeout
// (a timeoutFactor of 2 doubles the deadline for a call known to be
// slow, e.g. a large render instruction).
func (s *MessageSocket) Send(ctx context.Context, payload []byte, timeoutFactor float64) error {
	if timeoutFactor <= 0 {
		timeoutFactor = 1
	}
	deadline := time.Duration(float64(s.config.SendTimeout) * timeoutFactor)

	id := s.freshID()
	chunks := splitChunks(payload, s.config.ChunkThreshold)

	send := &pendingSend{
		chunks: make(map[string]chan struct{}, len(chunks)),
		failCh: make(chan error, 1),
	}
	for _, c := range chunks {
		send.chunks[c.key] = make(chan struct{})
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.pending[id] = send
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for _, c := range chunks {
		if err := s.sendChunkWithRetry(ctx, id, c, send); err != nil {
			return err
		}
	}
	return nil
}

type chunkPiece struct {
	key  string // "" if unchunked, else "i/total" (1-based)
	data []byte
}

func splitChunks(payload []byte, threshold int) []chunkPiece {
	if len(payload) <= threshold {
		return []chunkPiece{{key: "", data: payload}}
	}
	total := (len(payload) + threshold - 1) / threshold
	pieces := make([]chunkPiece, 0, total)
	for i := 0; i < total; i++ {
		start := i * threshold
		end := start + threshold
		if end > len(payload) {
			end = len(payload)
		}
		pieces = append(pieces, chunkPiece{
			key:  fmt.Sprintf("%d/%d", i+1, total),
			data: payload[start:end],
		})
	}
	return pieces
}

func (s *MessageSocket) sendChunkWithRetry(ctx context.Context, id string, piece chunkPiece, send *pendingSend) error {
	send.mu.Lock()
	ackCh := send.chunks[piece.key]
	send.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= maxChunkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.config.RetryChunkInterval):
			case <-ctx.Done():
				return ErrTimeout
			}
		}

		if err := s.writeFrame(wire.Frame{
			ID:    id,
			Type:  wire.FrameMessage,
			Data:  string(piece.data),
			Chunk: piece.key,
		}); err != nil {
			lastErr = err
			continue
		}

		select {
		case <-ackCh:
			return nil
		case <-ctx.Done():
			return ErrTimeout
		case <-s.closeCh:
			return ErrNotConnected
		case <-time.After(s.chunkAckWait(ctx)):
			lastErr = ErrTimeout
			continue
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return ErrTimeout
}

// chunkAckWait bounds a single ack wait to RetryChunkInterval, capped
// further by whatever remains of ctx's deadline, so a single chunk
// cannot consume the whole Send deadline and starve the retry loop's
// remaining attempts.
func (s *MessageSocket) chunkAckWait(ctx context.Context) time.Duration {
	wait := s.config.RetryChunkInterval
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0
		}
		if remaining < wait {
			return remaining
		}
	}
	return wait
}

// Ping sends a PING control frame and blocks until the matching PONG
// arrives or PingTimeout elapses.
func (s *MessageSocket) Ping(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	pongCh := make(chan struct{})
	s.pongCh = pongCh
	s.mu.Unlock()

	if err := s.writeFrame(wire.Frame{ID: s.freshID(), Type: wire.FramePing}); err != nil {
		return fmt.Errorf("socket: sending PING: %w", err)
	}

	timeout, cancel := context.WithTimeout(ctx, s.config.PingTimeout)
	defer cancel()

	select {
	case <-pongCh:
		return nil
	case <-timeout.Done():
		return ErrTimeout
	case <-s.closeCh:
		return ErrNotConnected
	}
}

// Close shuts down the underlying Conn. Pending sends and future calls
// observe ErrNotConnected.
func (s *MessageSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.conn.Close()
	s.signalClosed()
	return err
}

func (s *MessageSocket) signalClosed() {
	select {
	case <-s.closeCh:
	default:
		close(s.closeCh)
	}
}

func (s *MessageSocket) freshID() string {
	return strconv.FormatUint(s.nextID.Add(1), 36)
}

func (s *MessageSocket) writeFrame(f wire.Frame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrNotConnected
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	// encoding/json values written back-to-back are self-delimiting
	// to a matching streaming Decoder on the read side, so no extra
	// framing byte is needed; a trailing newline is added purely to
	// make line-oriented transports and log capture pleasant.
	data = append(data, '\n')
	_, err = s.conn.Write(data)
	if err == nil {
		s.config.Tracer.Record(wiretrace.Outbound, string(f.Type), f.ID, len(data))
	}
	return err
}

// readLoop decodes frames until the Conn fails, dispatching ACKs,
// PONGs, the peer's OPEN, and reassembled MESSAGE payloads.
func (s *MessageSocket) readLoop() {
	defer func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.signalClosed()
	}()

	reassembly := make(map[string]*reassemblyState)
	decoder := json.NewDecoder(s.conn)

	for {
		var f wire.Frame
		if err := decoder.Decode(&f); err != nil {
			if !errors.Is(err, io.EOF) {
				s.config.Logger.Debug("socket: read loop terminated", "error", err)
			}
			return
		}
		s.config.Tracer.Record(wiretrace.Inbound, string(f.Type), f.ID, len(f.Data))

		switch f.Type {
		case wire.FrameOpen:
			s.mu.Lock()
			s.peerOpen = f.Data
			s.mu.Unlock()
			s.openOnce.Do(func() { close(s.openCh) })

		case wire.FramePing:
			// PONG and ACK replies are written from their own goroutine so
			// the read loop keeps draining the Conn while a write blocks;
			// two peers whose read loops both wait on a write to the other
			// would otherwise stall for good.
			go s.writeFrame(wire.Frame{ID: f.ID, Type: wire.FramePong})

		case wire.FramePong:
			s.mu.Lock()
			pongCh := s.pongCh
			s.mu.Unlock()
			if pongCh != nil {
				select {
				case <-pongCh:
				default:
					close(pongCh)
				}
			}

		case wire.FrameAck:
			s.mu.Lock()
			send, ok := s.pending[f.ID]
			s.mu.Unlock()
			if !ok {
				continue
			}
			send.mu.Lock()
			ch, ok := send.chunks[f.Chunk]
			send.mu.Unlock()
			if ok {
				select {
				case <-ch:
				default:
					close(ch)
				}
			}

		case wire.FrameMessage:
			go s.writeFrame(wire.Frame{ID: f.ID, Type: wire.FrameAck, Chunk: f.Chunk})
			payload, complete := reassemble(reassembly, f)
			if complete && s.onMsg != nil {
				s.onMsg(payload)
			}
		}
	}
}

// reassemblyState tracks the pieces received so far for one chunked
// message id.
type reassemblyState struct {
	total    int
	received map[int][]byte
}

// reassemble folds one frame into the reassembly table for its message
// id and reports the completed payload once every chunk has arrived.
// Unchunked messages complete immediately.
func reassemble(table map[string]*reassemblyState, f wire.Frame) ([]byte, bool) {
	if f.Chunk == "" {
		return []byte(f.Data), true
	}

	idx, total, ok := parseChunkKey(f.Chunk)
	if !ok {
		return nil, false
	}

	state, exists := table[f.ID]
	if !exists {
		state = &reassemblyState{total: total, received: make(map[int][]byte, total)}
		table[f.ID] = state
	}
	state.received[idx] = []byte(f.Data)

	if len(state.received) < state.total {
		return nil, false
	}

	delete(table, f.ID)
	var full []byte
	for i := 1; i <= state.total; i++ {
		full = append(full, state.received[i]...)
	}
	return full, true
}

func parseChunkKey(key string) (index, total int, ok bool) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	idx, err1 := strconv.Atoi(parts[0])
	tot, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return idx, tot, true
}
