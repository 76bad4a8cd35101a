// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package xdns

import (
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQName(t *testing.T) {
	got, err := NormalizeQName("Foo.EXAMPLE.com.")
	require.NoError(t, err)
	assert.Equal(t, "foo.example.com", got)

	got, err = NormalizeQName("")
	require.NoError(t, err)
	assert.Equal(t, ".", got)
}

func TestAAnswer(t *testing.T) {
	msg := &dns.Msg{}
	msg.SetQuestion("foo.test.", dns.TypeA)
	ip := netip.MustParseAddr("10.11.12.13")
	msg.Answer = []dns.RR{MakeARecord("foo.test.", ip, 300)}

	assert.True(t, HasAAnswer(msg))
	got := AAnswer(msg)
	require.Len(t, got, 1)
	assert.Equal(t, ip, got[0])
}

func TestCNAMERecords(t *testing.T) {
	msg := &dns.Msg{}
	msg.SetQuestion("www.example.com.", dns.TypeA)
	msg.Answer = []dns.RR{
		&dns.CNAME{
			Hdr:    dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeCNAME, Class: dns.ClassINET, Ttl: 300},
			Target: "edge.cdn.example.net.",
		},
	}
	got := CNAMERecords(msg)
	assert.Equal(t, "edge.cdn.example.net", got["www.example.com"])
}

func TestAsMsgRejectsGarbage(t *testing.T) {
	assert.Nil(t, AsMsg([]byte{0x00, 0x01}))
}
