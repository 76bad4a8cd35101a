// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netgraph

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// newProbeNet returns a Net whose every capability fails with an error
// naming both the probe and the capability invoked, so a test can
// assert exactly which underlying Net a composite actually dispatched
// to without needing a real socket.
func newProbeNet(name string) *netctx.Net {
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return nil, errors.New(name + ":tcp_connect:" + addr.String())
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			return nil, errors.New(name + ":tcp_bind:" + addr.String())
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return nil, errors.New(name + ":udp_bind:" + addr.String())
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			return nil, errors.New(name + ":lookup_host:" + addr.String())
		}),
	)
}

func mustAddr(t *testing.T, s string) netaddr.Address {
	t.Helper()
	a, err := netaddr.Parse(s)
	require.NoError(t, err)
	return a
}

// TestAliasDelegatesAllFourCapabilities: an alias Net is
// observationally identical to the Net it wraps, across every one of
// the four capabilities.
func TestAliasDelegatesAllFourCapabilities(t *testing.T) {
	inner := newProbeNet("inner")
	a, err := aliasFactory{}.Build("a", &AliasConfig{Net: NetRef{net: inner}})
	require.NoError(t, err)

	addr := mustAddr(t, "127.0.0.1:80")
	// lookup_host on a numeric address resolves to itself without ever
	// invoking the capability, so the probe needs a domain.
	domainAddr := mustAddr(t, "example.com:80")

	assert.True(t, a.CanTCPConnect())
	assert.True(t, a.CanTCPBind())
	assert.True(t, a.CanUDPBind())
	assert.True(t, a.CanLookupHost())

	_, err = a.TCPConnect(netctx.New(), addr)
	assert.ErrorContains(t, err, "inner:tcp_connect:127.0.0.1:80")

	_, err = a.TCPBind(netctx.New(), addr)
	assert.ErrorContains(t, err, "inner:tcp_bind:127.0.0.1:80")

	_, err = a.UDPBind(netctx.New(), addr)
	assert.ErrorContains(t, err, "inner:udp_bind:127.0.0.1:80")

	_, err = a.LookupHost(domainAddr)
	assert.ErrorContains(t, err, "inner:lookup_host:example.com:80")
}

func TestAliasUnboundRefFails(t *testing.T) {
	_, err := aliasFactory{}.Build("a", &AliasConfig{})
	assert.Error(t, err)
}

// TestCombineRoutesEachCapabilityToItsOwnNet: combine dispatches each
// capability to the specific child Net configured for it, independent
// of the other three.
func TestCombineRoutesEachCapabilityToItsOwnNet(t *testing.T) {
	tcpc := newProbeNet("tcpc")
	tcpb := newProbeNet("tcpb")
	udpb := newProbeNet("udpb")
	look := newProbeNet("look")

	c, err := combineFactory{}.Build("c", &CombineConfig{
		TCPConnect: NetRef{net: tcpc},
		TCPBind:    NetRef{net: tcpb},
		UDPBind:    NetRef{net: udpb},
		LookupHost: NetRef{net: look},
	})
	require.NoError(t, err)

	addr := mustAddr(t, "127.0.0.1:80")

	_, err = c.TCPConnect(netctx.New(), addr)
	assert.ErrorContains(t, err, "tcpc:tcp_connect:")

	_, err = c.TCPBind(netctx.New(), addr)
	assert.ErrorContains(t, err, "tcpb:tcp_bind:")

	_, err = c.UDPBind(netctx.New(), addr)
	assert.ErrorContains(t, err, "udpb:udp_bind:")

	_, err = c.LookupHost(mustAddr(t, "example.com:80"))
	assert.ErrorContains(t, err, "look:lookup_host:")
}

// TestCombineLeavesUnboundCapabilitiesAbsent: a capability whose ref
// was never set (the zero NetRef) is simply missing from the combined
// Net, not routed anywhere -- callers see ErrNotImplemented the normal
// way a Net with that slot empty behaves.
func TestCombineLeavesUnboundCapabilitiesAbsent(t *testing.T) {
	tcpc := newProbeNet("tcpc")
	c, err := combineFactory{}.Build("c", &CombineConfig{TCPConnect: NetRef{net: tcpc}})
	require.NoError(t, err)

	assert.True(t, c.CanTCPConnect())
	assert.False(t, c.CanTCPBind())
	assert.False(t, c.CanUDPBind())
	assert.False(t, c.CanLookupHost())

	_, err = c.TCPBind(netctx.New(), mustAddr(t, "127.0.0.1:80"))
	assert.ErrorIs(t, err, netctx.ErrNotImplemented)
}
