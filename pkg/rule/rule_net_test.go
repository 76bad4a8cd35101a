// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

func nameOnlyNet(name string) *netctx.Net {
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return nil, nil
		}),
	)
}

// TestRuleFirstMatch: given [{domain suffix "example.com" -> n1},
// {any -> n2}], a request to foo.example.com:443 routes via n1, one to
// 1.2.3.4:443 via n2.
func TestRuleFirstMatch(t *testing.T) {
	n1 := nameOnlyNet("n1")
	n2 := nameOnlyNet("n2")
	r := &ruleNet{
		name: "r",
		entries: []entry{
			{matcher: newDomainMatcher(DomainSuffix, "example.com"), target: n1},
			{matcher: anyMatcher{}, target: n2},
		},
	}

	domainAddr, err := netaddr.FromDomain("foo.example.com", 443)
	require.NoError(t, err)
	target, err := r.dispatch(domainAddr, nil)
	require.NoError(t, err)
	assert.Equal(t, "n1", target.Name())

	ip, err := netaddr.Parse("1.2.3.4:443")
	require.NoError(t, err)
	target, err = r.dispatch(ip, nil)
	require.NoError(t, err)
	assert.Equal(t, "n2", target.Name())
}

func TestRuleNoMatchFails(t *testing.T) {
	r := &ruleNet{name: "r", entries: []entry{
		{matcher: newDomainMatcher(DomainSuffix, "example.com"), target: nameOnlyNet("n1")},
	}}
	ip, err := netaddr.Parse("1.2.3.4:443")
	require.NoError(t, err)
	_, err = r.dispatch(ip, nil)
	assert.ErrorIs(t, err, rderr.NotMatched)
}

func TestDomainMatcherMethods(t *testing.T) {
	suffix := newDomainMatcher(DomainSuffix, "example.com")
	keyword := newDomainMatcher(DomainKeyword, "cdn")
	exact := newDomainMatcher(DomainMatch, "example.com")

	a, _ := netaddr.FromDomain("foo.example.com", 443)
	b, _ := netaddr.FromDomain("mycdn.net", 443)
	c, _ := netaddr.FromDomain("example.com", 443)

	assert.True(t, suffix.Match(&MatchContext{Address: a}))
	assert.True(t, keyword.Match(&MatchContext{Address: b}))
	assert.True(t, exact.Match(&MatchContext{Address: c}))
	assert.False(t, exact.Match(&MatchContext{Address: a}))
}

func TestIPCIDRMatcher(t *testing.T) {
	m, err := newIPCIDRMatcher("10.0.0.0/8")
	require.NoError(t, err)

	inRange, _ := netaddr.Parse("10.1.2.3:80")
	outOfRange, _ := netaddr.Parse("8.8.8.8:80")

	assert.True(t, m.Match(&MatchContext{Address: inRange}))
	assert.False(t, m.Match(&MatchContext{Address: outOfRange}))
}

func TestIPCIDRMatcherFromNumericDomain(t *testing.T) {
	m, err := newIPCIDRMatcher("10.0.0.0/8")
	require.NoError(t, err)

	addr, err := netaddr.FromDomain("10.5.6.7", 443)
	require.NoError(t, err)
	assert.True(t, m.Match(&MatchContext{Address: addr}))
}
