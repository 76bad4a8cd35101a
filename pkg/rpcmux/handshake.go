// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpcmux

import (
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/yamux"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// clientHandshake sends the session UUID over the raw
// connection and waits for the server's ok, returning the UUID it
// minted.
func clientHandshake(conn net.Conn) (uuid.UUID, error) {
	id := uuid.New()
	if err := writeFrame(conn, handshakeRequest{SessionID: id.String()}); err != nil {
		return uuid.Nil, err
	}
	var resp handshakeResponse
	if err := readFrame(conn, &resp); err != nil {
		return uuid.Nil, err
	}
	if !resp.OK {
		return uuid.Nil, rderr.Other("rpcmux: handshake rejected: %s", resp.Err)
	}
	return id, nil
}

// serverHandshake reads the client's session UUID and
// replies ok, returning the UUID the client minted.
func serverHandshake(conn net.Conn) (uuid.UUID, error) {
	var req handshakeRequest
	if err := readFrame(conn, &req); err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.Parse(req.SessionID)
	if err != nil {
		writeFrame(conn, handshakeResponse{OK: false, Err: "bad session_uuid"})
		return uuid.Nil, rderr.IO(rderr.KindInvalidData, "rpcmux: bad session_uuid", err)
	}
	if err := writeFrame(conn, handshakeResponse{OK: true}); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// netConnAdapter makes a netctx.TCPConn usable as the net.Conn the
// handshake framing and hashicorp/yamux both require for their outer
// connection. Deadlines are not plumbed through netctx.TCPConn;
// neither the handshake nor yamux (which runs its own keepalive
// timers) sets one.
type netConnAdapter struct {
	netctx.TCPConn
}

func (a netConnAdapter) LocalAddr() net.Addr {
	addr, err := a.TCPConn.LocalAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

func (a netConnAdapter) RemoteAddr() net.Addr {
	addr, err := a.TCPConn.PeerAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

func (a netConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (a netConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a netConnAdapter) SetWriteDeadline(t time.Time) error { return nil }

// streamConn adapts a *yamux.Stream (one multiplexed channel) to
// netctx.TCPConn. yamux streams support only a single full Close, not
// independent half-close, so CloseRead/CloseWrite both close the
// whole stream -- the same simplification bridge.ConnectTCP already
// tolerates (closing one direction ends the other promptly rather than
// leaving it half-open).
type streamConn struct {
	*yamux.Stream
}

func (s streamConn) CloseRead() error  { return s.Stream.Close() }
func (s streamConn) CloseWrite() error { return s.Stream.Close() }

func (s streamConn) PeerAddr() (net.Addr, error)  { return s.Stream.RemoteAddr(), nil }
func (s streamConn) LocalAddr() (net.Addr, error) { return s.Stream.LocalAddr(), nil }
