// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// pipeConn adapts the in-memory net.Conn pair net.Pipe returns
// to netctx.TCPConn. The pipe has no native half-close, so CloseWrite
// falls back to a full Close the same way netbuiltin's tcpConn does
// for connections that don't support it.
type pipeConn struct{ net.Conn }

func (c pipeConn) CloseRead() error  { return nil }
func (c pipeConn) CloseWrite() error { return c.Conn.Close() }

func (c pipeConn) PeerAddr() (net.Addr, error) { return c.Conn.RemoteAddr(), nil }
func (c pipeConn) LocalAddr() (net.Addr, error) { return c.Conn.LocalAddr(), nil }

type countingReporter struct {
	inbound, outbound int64
}

func (r *countingReporter) Inbound(n int64)  { r.inbound += n }
func (r *countingReporter) Outbound(n int64) { r.outbound += n }

// TestConnectTCPCopiesBothDirectionsByteExact: ConnectTCP splices two
// connections losslessly in both directions.
func TestConnectTCPCopiesBothDirectionsByteExact(t *testing.T) {
	aSide, aPeer := net.Pipe()
	bSide, bPeer := net.Pipe()

	rep := &countingReporter{}
	done := make(chan error, 1)
	go func() {
		done <- ConnectTCP(context.Background(), pipeConn{aSide}, pipeConn{bSide}, rep)
	}()

	_, err := aPeer.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(bPeer, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = bPeer.Write([]byte("pong!"))
	require.NoError(t, err)
	buf2 := make([]byte, 5)
	_, err = io.ReadFull(aPeer, buf2)
	require.NoError(t, err)
	assert.Equal(t, "pong!", string(buf2))

	// Closing one peer ends that direction's copy with EOF, which
	// half-closes (here, fully closes) the other side -- the far peer
	// must observe EOF rather than hang.
	require.NoError(t, aPeer.Close())

	readDone := make(chan error, 1)
	go func() {
		_, err := bPeer.Read(make([]byte, 1))
		readDone <- err
	}()
	select {
	case err := <-readDone:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for half-close to propagate")
	}

	select {
	case <-done:
		// the b->a direction ends with a closed-pipe error here since
		// this pipe's CloseWrite is a full Close; what matters is that
		// ConnectTCP returned and both byte counts are intact.
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectTCP did not return after both peers closed")
	}

	assert.EqualValues(t, 4, rep.outbound)
	assert.EqualValues(t, 5, rep.inbound)
}

// TestConnectTCPCancelUnblocksBothSides exercises the ctx-cancellation
// path: cancelling ctx closes both connections so ConnectTCP returns
// promptly even with no traffic and no peer close.
func TestConnectTCPCancelUnblocksBothSides(t *testing.T) {
	aSide, aPeer := net.Pipe()
	bSide, bPeer := net.Pipe()
	defer aPeer.Close()
	defer bPeer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ConnectTCP(ctx, pipeConn{aSide}, pipeConn{bSide}, nil)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ConnectTCP did not return after ctx cancellation")
	}
}

var _ netctx.TCPConn = pipeConn{}
