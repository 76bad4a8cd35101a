// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netaddr

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/internal/rderr"
)

func TestParseNumericV4(t *testing.T) {
	a, err := Parse("127.0.0.1:8080")
	require.NoError(t, err)
	assert.False(t, a.IsDomain())
	assert.Equal(t, 8080, a.Port())
	ip, ok := a.IP()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), ip)
	assert.Equal(t, "127.0.0.1:8080", a.String())
}

func TestParseNumericV6(t *testing.T) {
	a, err := Parse("[::1]:53")
	require.NoError(t, err)
	assert.False(t, a.IsDomain())
	ip, ok := a.IP()
	require.True(t, ok)
	assert.True(t, ip.Is6())
	assert.Equal(t, 53, a.Port())
}

func TestParseDomain(t *testing.T) {
	a, err := Parse("example.com:443")
	require.NoError(t, err)
	assert.True(t, a.IsDomain())
	domain, port, ok := a.Domain()
	require.True(t, ok)
	assert.Equal(t, "example.com", domain)
	assert.Equal(t, 443, port)
	_, err = a.ToIPPort()
	assert.ErrorIs(t, err, rderr.AddrNotAvailable)
}

func TestParseRejectsBadPort(t *testing.T) {
	_, err := Parse("example.com:not-a-port")
	assert.Error(t, err)
	_, err = Parse("example.com:99999")
	assert.Error(t, err)
}

func TestParseRejectsMissingPort(t *testing.T) {
	_, err := Parse("example.com")
	assert.Error(t, err)
}

func TestFromIPAndConversions(t *testing.T) {
	a, err := FromIP(netip.MustParseAddr("10.0.0.5"), 22)
	require.NoError(t, err)
	tcp, err := a.ToTCPAddr()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", tcp.IP.String())
	assert.Equal(t, 22, tcp.Port)

	udp, err := a.ToUDPAddr()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", udp.IP.String())
	assert.Equal(t, 22, udp.Port)
}

func TestFromIPRejectsBadPort(t *testing.T) {
	_, err := FromIP(netip.MustParseAddr("10.0.0.5"), 70000)
	assert.Error(t, err)
}

func TestFromDomainRejectsEmpty(t *testing.T) {
	_, err := FromDomain("", 80)
	assert.Error(t, err)
}

func TestFromNetAddr(t *testing.T) {
	tcpAddr := &net.TCPAddr{IP: net.ParseIP("192.168.1.1"), Port: 9090}
	a, err := FromNetAddr(tcpAddr)
	require.NoError(t, err)
	assert.False(t, a.IsDomain())
	assert.Equal(t, 9090, a.Port())
}

func TestMaybeIPFromDomain(t *testing.T) {
	// A numeric literal parsed through FromDomain (e.g. by a caller that
	// never resolved it) still round-trips as an IP for ip_cidr matching.
	a, err := FromDomain("203.0.113.7", 0)
	require.NoError(t, err)
	ip, ok := a.MaybeIPFromDomain()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), ip)

	b, err := FromDomain("example.com", 0)
	require.NoError(t, err)
	_, ok = b.MaybeIPFromDomain()
	assert.False(t, ok)
}

func TestGoString(t *testing.T) {
	a, err := Parse("127.0.0.1:1")
	require.NoError(t, err)
	assert.Contains(t, a.GoString(), "127.0.0.1:1")
}
