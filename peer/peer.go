// Copyright 2026 The Conduit Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer implements an optional, explicitly non-authoritative
// WebRTC data-channel fast path: a second transport a HostController
// may mirror outbound frames onto for lower latency, while the primary
// socket.MessageSocket connection remains the source of truth for
// delivery and ordering.
//
// Connection establishment follows the same vanilla-ICE, one-round-trip
// signaling shape as the grounding corpus's own WebRTC transport: every
// ICE candidate is gathered before the SDP is published, so a Signaler
// only needs to carry one offer and one answer.
package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceGatherTimeout bounds how long Dial/Accept wait for ICE candidate
// gathering to finish before publishing the local SDP.
const iceGatherTimeout = 15 * time.Second

// iceConnectTimeout bounds how long Dial/Accept wait for the data
// channel to arrive and open after setting the remote description.
const iceConnectTimeout = 30 * time.Second

// dataChannelLabel is the fixed label used for the single data channel
// this package opens per PeerConnection; the mirror carries exactly
// one logical stream.
const dataChannelLabel = "conduit-mirror"

// Signaler carries exactly one SDP offer and one SDP answer between
// the two sides of a mirror connection. Implementations might use a
// side channel already open over the primary connection, a pub/sub
// topic, or an HTTP round trip — this package does not care.
type Signaler interface {
	PublishOffer(ctx context.Context, sdp string) error
	AwaitAnswer(ctx context.Context) (sdp string, err error)
	AwaitOffer(ctx context.Context) (sdp string, err error)
	PublishAnswer(ctx context.Context, sdp string) error
}

// newPeerConnection creates a pion PeerConnection through a
// SettingEngine that enables data channel detach (required for the
// stream-oriented ReadWriteCloser access awaitDataChannel relies on)
// and loopback ICE candidates (required on same-machine transports and
// in test environments where loopback is the only available
// interface).
func newPeerConnection(ice webrtc.Configuration) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(ice)
}

// Dial opens a PeerConnection as the offering side and returns the
// resulting data channel wrapped as a net.Conn once the channel opens.
func Dial(ctx context.Context, signaler Signaler, ice webrtc.Configuration) (net.Conn, error) {
	pc, err := newPeerConnection(ice)
	if err != nil {
		return nil, fmt.Errorf("peer: creating peer connection: %w", err)
	}

	dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: creating data channel: %w", err)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: creating offer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: setting local description: %w", err)
	}
	if err := waitGather(ctx, gatherComplete); err != nil {
		pc.Close()
		return nil, err
	}

	if err := signaler.PublishOffer(ctx, pc.LocalDescription().SDP); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: publishing offer: %w", err)
	}

	answerSDP, err := signaler.AwaitAnswer(ctx)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: awaiting answer: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: setting remote description: %w", err)
	}

	return awaitDataChannel(ctx, pc, dc)
}

// Accept opens a PeerConnection as the answering side, symmetric to
// Dial.
func Accept(ctx context.Context, signaler Signaler, ice webrtc.Configuration) (net.Conn, error) {
	pc, err := newPeerConnection(ice)
	if err != nil {
		return nil, fmt.Errorf("peer: creating peer connection: %w", err)
	}

	connCh := make(chan *webrtc.DataChannel, 1)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		select {
		case connCh <- dc:
		default:
		}
	})

	offerSDP, err := signaler.AwaitOffer(ctx)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: awaiting offer: %w", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: creating answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: setting local description: %w", err)
	}
	if err := waitGather(ctx, gatherComplete); err != nil {
		pc.Close()
		return nil, err
	}

	if err := signaler.PublishAnswer(ctx, pc.LocalDescription().SDP); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: publishing answer: %w", err)
	}

	var dc *webrtc.DataChannel
	select {
	case dc = <-connCh:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	case <-time.After(iceConnectTimeout):
		pc.Close()
		return nil, errors.New("peer: timed out waiting for inbound data channel")
	}

	return awaitDataChannel(ctx, pc, dc)
}

func waitGather(ctx context.Context, gatherComplete <-chan struct{}) error {
	select {
	case <-gatherComplete:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(iceGatherTimeout):
		return errors.New("peer: ICE candidate gathering timed out")
	}
}

func awaitDataChannel(ctx context.Context, pc *webrtc.PeerConnection, dc *webrtc.DataChannel) (net.Conn, error) {
	openCh := make(chan struct{})
	dc.OnOpen(func() {
		select {
		case <-openCh:
		default:
			close(openCh)
		}
	})

	select {
	case <-openCh:
	case <-ctx.Done():
		pc.Close()
		return nil, ctx.Err()
	case <-time.After(iceConnectTimeout):
		pc.Close()
		return nil, errors.New("peer: timed out waiting for data channel to open")
	}

	rwc, err := dc.Detach()
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: detaching data channel: %w", err)
	}
	return newDataChannelConn(rwc, pc), nil
}

// dataChannelConn wraps a detached pion data channel as a net.Conn,
// closing the owning PeerConnection when the conn is closed. Pion's
// SCTP layer already handles message fragmentation and reassembly, so
// this behaves like a stream from the caller's perspective.
type dataChannelConn struct {
	rwc io.ReadWriteCloser
	pc  *webrtc.PeerConnection

	mu sync.Mutex
}

func newDataChannelConn(rwc io.ReadWriteCloser, pc *webrtc.PeerConnection) *dataChannelConn {
	return &dataChannelConn{rwc: rwc, pc: pc}
}

func (c *dataChannelConn) Read(b []byte) (int, error)  { return c.rwc.Read(b) }
func (c *dataChannelConn) Write(b []byte) (int, error) { return c.rwc.Write(b) }

func (c *dataChannelConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.rwc.Close()
	c.pc.Close()
	return err
}

func (c *dataChannelConn) LocalAddr() net.Addr  { return peerAddr{} }
func (c *dataChannelConn) RemoteAddr() net.Addr { return peerAddr{} }

// Deadlines are not supported by the pion detached data channel; the
// mirror path is best-effort and the primary socket owns all timeout
// semantics, so these are no-ops rather than errors.
func (c *dataChannelConn) SetDeadline(time.Time) error      { return nil }
func (c *dataChannelConn) SetReadDeadline(time.Time) error  { return nil }
func (c *dataChannelConn) SetWriteDeadline(time.Time) error { return nil }

type peerAddr struct{}

func (peerAddr) Network() string { return "webrtc-datachannel" }
func (peerAddr) String() string  { return dataChannelLabel }
