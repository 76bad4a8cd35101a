// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mixed

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netbuiltin"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
	"github.com/celzero/rabbitdigger/pkg/socks5"
)

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

func mustAddr(t *testing.T, s string) netaddr.Address {
	t.Helper()
	a, err := netaddr.Parse(s)
	require.NoError(t, err)
	return a
}

// newMixedRegistry seeds the leaf Nets, the socks5 client/server pair,
// and this package's mixed Server type -- everything dispatch needs to
// be exercised end to end rather than unit-tested in isolation.
func newMixedRegistry() *netgraph.Registry {
	reg := netgraph.NewRegistry()
	netbuiltin.Register(reg)
	Register(reg)
	socks5.Register(reg)
	return reg
}

// TestMixedDispatchesToSOCKS5OnVersionByte is the
// SOCKS5 half: a connection whose first byte is 0x05 is handed to the
// embedded socks5 handler, and a real CONNECT through it reaches the
// echo server end to end.
func TestMixedDispatchesToSOCKS5OnVersionByte(t *testing.T) {
	const mixedBind = "127.0.0.1:28766"
	const echoBind = "127.0.0.1:28765"

	reg := newMixedRegistry()
	nets, servers, err := netgraph.Build(reg,
		map[string]netgraph.RawNetConfig{
			"local": mustRawNetConfig(t, `{"type":"local"}`),
			"out":   mustRawNetConfig(t, `{"type":"socks5","net":"local","server":"`+mixedBind+`"}`),
		},
		map[string]netgraph.RawServerConfig{
			"m": mustRawServerConfig(t, `{"type":"mixed","listen":"local","net":"local","bind":"`+mixedBind+`"}`),
		},
	)
	require.NoError(t, err)

	srv := servers["m"]
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	stop, err := netbuiltin.SpawnEchoServer(context.Background(), nets["local"], mustAddr(t, echoBind))
	require.NoError(t, err)
	t.Cleanup(stop)

	out := nets["out"]
	require.True(t, out.CanTCPConnect())

	conn, err := out.TCPConnect(netctx.New(), mustAddr(t, echoBind))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping-via-socks5"))
	require.NoError(t, err)
	buf := make([]byte, len("ping-via-socks5"))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping-via-socks5", string(buf))
}

// TestMixedDispatchesToHTTPOnNonVersionByte is the
// HTTP half: a connection whose first byte is not 0x05 (here, the 'C'
// of a CONNECT request line) is handed to the HTTP CONNECT path.
func TestMixedDispatchesToHTTPOnNonVersionByte(t *testing.T) {
	const mixedBind = "127.0.0.1:28866"
	const echoBind = "127.0.0.1:28865"

	reg := newMixedRegistry()
	nets, servers, err := netgraph.Build(reg,
		map[string]netgraph.RawNetConfig{
			"local": mustRawNetConfig(t, `{"type":"local"}`),
		},
		map[string]netgraph.RawServerConfig{
			"m": mustRawServerConfig(t, `{"type":"mixed","listen":"local","net":"local","bind":"`+mixedBind+`"}`),
		},
	)
	require.NoError(t, err)

	srv := servers["m"]
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })

	stop, err := netbuiltin.SpawnEchoServer(context.Background(), nets["local"], mustAddr(t, echoBind))
	require.NoError(t, err)
	t.Cleanup(stop)

	conn, err := net.DialTimeout("tcp", mixedBind, 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	req, err := http.NewRequest(http.MethodConnect, "http://"+echoBind, nil)
	require.NoError(t, err)
	req.Host = echoBind
	require.NoError(t, req.Write(conn))

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
