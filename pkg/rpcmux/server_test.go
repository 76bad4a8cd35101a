// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpcmux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netbuiltin"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

func mustAddr(t *testing.T, s string) netaddr.Address {
	t.Helper()
	a, err := netaddr.Parse(s)
	require.NoError(t, err)
	return a
}

func mustRawNetConfig(t *testing.T, js string) netgraph.RawNetConfig {
	t.Helper()
	var c netgraph.RawNetConfig
	require.NoError(t, c.UnmarshalJSON([]byte(js)))
	return c
}

func mustRawServerConfig(t *testing.T, js string) netgraph.RawServerConfig {
	t.Helper()
	var c netgraph.RawServerConfig
	require.NoError(t, c.UnmarshalJSON([]byte(js)))
	return c
}

func newRPCMuxGraph(t *testing.T, bind string) (map[string]*netctx.Net, map[string]netgraph.Server) {
	t.Helper()
	reg := netgraph.NewRegistry()
	netbuiltin.Register(reg)
	Register(reg)

	nets, servers, err := netgraph.Build(reg,
		map[string]netgraph.RawNetConfig{
			"local":  mustRawNetConfig(t, `{"type":"local"}`),
			"client": mustRawNetConfig(t, `{"type":"rpcmux","net":"local","server":"`+bind+`"}`),
		},
		map[string]netgraph.RawServerConfig{
			"r": mustRawServerConfig(t, `{"type":"rpcmux","listen":"local","net":"local","bind":"`+bind+`"}`),
		},
	)
	require.NoError(t, err)
	return nets, servers
}

// TestRPCMuxBindAcceptRoundTrip: a
// tcp_bind through the rpcmux client Net yields a bind address a real
// peer can dial, and the matching accept-notice/tcp_accept round trip
// splices that peer's bytes through end to end.
func TestRPCMuxBindAcceptRoundTrip(t *testing.T) {
	const rpcBind = "127.0.0.1:29101"

	nets, servers := newRPCMuxGraph(t, rpcBind)
	srv := servers["r"]
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	client := nets["client"]
	require.True(t, client.CanTCPBind())

	listener, err := client.TCPBind(netctx.New(), mustAddr(t, "0.0.0.0:0"))
	require.NoError(t, err)
	defer listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bindAddr, err := listener.LocalAddr()
	require.NoError(t, err)

	type acceptResult struct {
		conn netctx.TCPConn
		err  error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		conn, _, err := listener.Accept(ctx)
		acceptCh <- acceptResult{conn, err}
	}()

	raw, err := net.DialTimeout("tcp", bindAddr.String(), 2*time.Second)
	require.NoError(t, err)
	defer raw.Close()

	var accepted netctx.TCPConn
	select {
	case r := <-acceptCh:
		require.NoError(t, r.err)
		accepted = r.conn
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for bind accept")
	}
	defer accepted.Close()

	_, err = raw.Write([]byte("hello-bind"))
	require.NoError(t, err)
	buf := make([]byte, len("hello-bind"))
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello-bind", string(buf))

	_, err = accepted.Write([]byte("ack"))
	require.NoError(t, err)
	buf2 := make([]byte, len("ack"))
	_, err = io.ReadFull(raw, buf2)
	require.NoError(t, err)
	assert.Equal(t, "ack", string(buf2))
}

// TestRPCMuxBrokenSessionFailsPendingAcceptPromptly: once the outer
// TCP connection a tcp_bind session rides on is gone, a pending Accept
// call fails promptly instead of hanging forever.
func TestRPCMuxBrokenSessionFailsPendingAcceptPromptly(t *testing.T) {
	const rpcBind = "127.0.0.1:29102"

	nets, servers := newRPCMuxGraph(t, rpcBind)
	srv := servers["r"]
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	client := nets["client"]
	listener, err := client.TCPBind(netctx.New(), mustAddr(t, "0.0.0.0:0"))
	require.NoError(t, err)

	cl, ok := listener.(*clientListener)
	require.True(t, ok, "expected a *clientListener from the rpcmux client Net")

	// Simulate the outer TCP connection dying out from under a pending
	// bind by tearing down the yamux session it owns; every stream
	// riding on it, including the control channel Accept reads from,
	// must fail rather than block.
	require.NoError(t, cl.sess.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, _, err := listener.Accept(ctx)
		done <- err
	}()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Accept did not fail promptly after the session broke")
	}
}
