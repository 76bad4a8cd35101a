// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsx

import (
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// stubUDPConn is a minimal in-memory netctx.UDPConn used to exercise
// the sniffer's udp_bind wrapper without a real socket.
type stubUDPConn struct{}

func (stubUDPConn) RecvFrom([]byte) (int, net.Addr, error) { return 0, nil, net.ErrClosed }
func (stubUDPConn) SendTo(buf []byte, to netaddr.Address) (int, error) { return len(buf), nil }
func (stubUDPConn) LocalAddr() (net.Addr, error)                      { return &net.UDPAddr{}, nil }
func (stubUDPConn) Close() error                                      { return nil }

type capturingTCPNet struct {
	lastCtx *netctx.Context
}

func (c *capturingTCPNet) net() *netctx.Net {
	return netctx.NewNet("inner",
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			c.lastCtx = ctx
			return nil, nil
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return stubUDPConn{}, nil
		}),
	)
}

// TestSnifferReverseLookup: a
// crafted DNS response containing A foo.test -> 10.11.12.13 is fed
// through the sniffer's udp_bind socket, then a tcp_connect to
// 10.11.12.13:80 must carry DestDomain{foo.test, 80}.
func TestSnifferReverseLookup(t *testing.T) {
	captured := &capturingTCPNet{}
	sniffer := NewSniffer("sniff", captured.net(), SnifferConfig{})
	n := sniffer.ToNet()

	udpCtx := netctx.New()
	udp, err := n.UDPBind(udpCtx, netaddr.Address{})
	require.NoError(t, err)

	resp := &dns.Msg{}
	resp.SetQuestion("foo.test.", dns.TypeA)
	resp.Response = true
	resp.Answer = []dns.RR{
		&dns.A{
			Hdr: dns.RR_Header{Name: "foo.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP("10.11.12.13").To4(),
		},
	}
	packed, err := resp.Pack()
	require.NoError(t, err)

	dnsServer, err := netaddr.Parse("8.8.8.8:53")
	require.NoError(t, err)
	_, err = udp.SendTo(packed, dnsServer)
	require.NoError(t, err)

	connCtx := netctx.New()
	dest, err := netaddr.Parse("10.11.12.13:80")
	require.NoError(t, err)
	_, err = n.TCPConnect(connCtx, dest)
	require.NoError(t, err)

	dd, ok := connCtx.DestDomain()
	require.True(t, ok)
	assert.Equal(t, "foo.test", dd.Domain)
	assert.Equal(t, 80, dd.Port)
}

func TestSnifferCNAMEChase(t *testing.T) {
	captured := &capturingTCPNet{}
	sniffer := NewSniffer("sniff", captured.net(), SnifferConfig{})

	resp := &dns.Msg{}
	resp.SetQuestion("www.example.com.", dns.TypeA)
	resp.Response = true
	resp.Answer = []dns.RR{
		&dns.CNAME{
			Hdr:    dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300},
			Target: "edge.cdn.example.net.",
		},
		&dns.A{
			Hdr: dns.RR_Header{Name: "edge.cdn.example.net.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP("93.184.216.34").To4(),
		},
	}
	packed, err := resp.Pack()
	require.NoError(t, err)
	sniffer.observe(packed)

	domain, ok := sniffer.canonicalize("93.184.216.34")
	require.True(t, ok)
	assert.Equal(t, "www.example.com", domain)
}
