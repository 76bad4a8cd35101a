// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rule implements the rule router: an ordered
// matcher list that dispatches a request to one of several child Nets.
// Matchers are plain synchronous calls: every rule Net method already
// runs on its own goroutine, so a matcher that needs to block (e.g. a
// future DNS-based matcher) can simply block.
package rule

import (
	"net"
	"net/netip"

	"github.com/k-sone/critbitgo"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// MatchContext is what a Matcher sees: the destination address
// being routed, plus whatever dest_socket_addr/dest_domain
// fields the request's Context carries.
type MatchContext struct {
	Address        netaddr.Address
	DestSocketAddr *netaddr.Address
	DestDomain     *netctx.DestDomain
}

// NewMatchContext builds a MatchContext from a request's Context and
// the address passed to the Net capability call.
func NewMatchContext(ctx *netctx.Context, addr netaddr.Address) *MatchContext {
	mc := &MatchContext{Address: addr}
	if ctx == nil {
		return mc
	}
	if sa, ok := ctx.DestSocketAddr(); ok {
		if a, err := netaddr.FromNetAddr(sa); err == nil {
			mc.DestSocketAddr = &a
		}
	}
	if dd, ok := ctx.DestDomain(); ok {
		mc.DestDomain = &dd
	}
	return mc
}

// Matcher evaluates a MatchContext. Implementations must be safe for
// concurrent use: a single Matcher instance is shared by every request
// routed through its RuleNet.
type Matcher interface {
	Match(mc *MatchContext) bool
}

// anyMatcher always matches.
type anyMatcher struct{}

func (anyMatcher) Match(*MatchContext) bool { return true }

// DomainMethod selects how a domain matcher compares against its
// configured value: keyword (substring), suffix, or match (equality).
type DomainMethod string

const (
	DomainKeyword DomainMethod = "keyword"
	DomainSuffix  DomainMethod = "suffix"
	DomainMatch   DomainMethod = "match"
)

// domainMatcher matches only when the routed address is itself a
// domain -- a dest_domain injected into ctx by the DNS sniffer does
// not widen this, since the sniffer's job is to let later hops see the
// domain, not to pre-empt the router's own address.
type domainMatcher struct {
	method DomainMethod
	value  string
}

func newDomainMatcher(method DomainMethod, value string) *domainMatcher {
	if method == "" {
		method = DomainKeyword
	}
	return &domainMatcher{method: method, value: value}
}

func (m *domainMatcher) Match(mc *MatchContext) bool {
	domain, _, ok := mc.Address.Domain()
	if !ok {
		return false
	}
	return m.test(domain)
}

func (m *domainMatcher) test(domain string) bool {
	switch m.method {
	case DomainSuffix:
		return hasSuffixFold(domain, m.value)
	case DomainMatch:
		return equalFold(domain, m.value)
	default:
		return containsFold(domain, m.value)
	}
}

// ipCIDRMatcher matches an IP literal address against one configured
// CIDR, backed by critbitgo's crit-bit tree -- a single prefix still
// benefits from Match's byte-wise containment test over hand-rolled
// mask arithmetic, and the structure grows naturally if a future
// config wants several CIDRs per rule.
type ipCIDRMatcher struct {
	net *critbitgo.Net
}

func newIPCIDRMatcher(cidr string) (*ipCIDRMatcher, error) {
	n := critbitgo.NewNet()
	if err := n.AddCIDR(cidr, struct{}{}); err != nil {
		return nil, err
	}
	return &ipCIDRMatcher{net: n}, nil
}

func (m *ipCIDRMatcher) Match(mc *MatchContext) bool {
	ip, ok := addrIP(mc.Address)
	if !ok && mc.DestSocketAddr != nil {
		ip, ok = addrIP(*mc.DestSocketAddr)
	}
	if !ok {
		return false
	}
	route, _, err := m.net.MatchIP(net.IP(ip.AsSlice()))
	return err == nil && route != nil
}

// addrIP extracts the literal IP from addr, accepting a domain that is
// itself an IP-literal string (e.g. "1.2.3.4").
func addrIP(addr netaddr.Address) (netip.Addr, bool) {
	if ip, ok := addr.IP(); ok {
		return ip, true
	}
	if ip, ok := addr.MaybeIPFromDomain(); ok {
		return ip, true
	}
	return netip.Addr{}, false
}

func containsFold(s, sub string) bool { return indexFold(s, sub) >= 0 }

func hasSuffixFold(s, suf string) bool {
	if len(suf) > len(s) {
		return false
	}
	return equalFold(s[len(s)-len(suf):], suf)
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return indexFold(a, b) == 0
}

// indexFold is a tiny ASCII-case-insensitive substring search, enough
// for DNS labels (which are themselves ASCII per RFC 1035); avoids a
// strings.ToLower allocation per match on the hot routing path.
func indexFold(s, sub string) int {
	if len(sub) == 0 {
		return 0
	}
	if len(sub) > len(s) {
		return -1
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if asciiEqualFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func asciiEqualFold(a, b string) bool {
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
