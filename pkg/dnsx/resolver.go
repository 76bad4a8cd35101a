// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsx

import (
	"net"
	"net/netip"

	"github.com/miekg/dns"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

const answerTTL = 300

// Resolver is the active DNS-answering Net: it doesn't forward queries
// to a real upstream, it answers A/AAAA questions itself by calling
// lookup_host on its inner Net and synthesizing records from
// whatever addresses come back -- useful for a config that wants
// "resolve names the same way this Net resolves them when dialing"
// exposed as a pluggable DNS service.
type Resolver struct {
	name  string
	inner *netctx.Net
}

func NewResolver(name string, inner *netctx.Net) *Resolver {
	return &Resolver{name: name, inner: inner}
}

// Answer resolves a single DNS query packet, returning a wire-format
// response. Only A and AAAA questions are answered; anything else
// gets a NOTIMP error response the caller can wire back to the sender.
func (r *Resolver) Answer(query []byte) ([]byte, error) {
	msg := &dns.Msg{}
	if err := msg.Unpack(query); err != nil {
		return nil, rderr.IO(rderr.KindInvalidData, "dnsx: unpack query", err)
	}
	if len(msg.Question) == 0 {
		return nil, rderr.Other("dnsx: query has no question")
	}
	q := msg.Question[0]

	resp := &dns.Msg{}
	resp.SetReply(msg)

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		resp.Rcode = dns.RcodeNotImplemented
		return resp.Pack()
	}

	addr, err := netaddr.FromDomain(q.Name, 0)
	if err != nil {
		resp.Rcode = dns.RcodeFormatError
		return resp.Pack()
	}
	addrs, err := r.inner.LookupHost(addr)
	if err != nil {
		resp.Rcode = dns.RcodeServerFailure
		return resp.Pack()
	}

	for _, a := range addrs {
		ip, ok := netip.AddrFromSlice(hostIP(a))
		if !ok {
			continue
		}
		ip = ip.Unmap()
		if q.Qtype == dns.TypeA && ip.Is4() {
			resp.Answer = append(resp.Answer, aRecord(q.Name, ip))
		} else if q.Qtype == dns.TypeAAAA && ip.Is6() && !ip.Is4In6() {
			resp.Answer = append(resp.Answer, aaaaRecord(q.Name, ip))
		}
	}
	return resp.Pack()
}

func hostIP(a net.Addr) net.IP {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.IP
	case *net.UDPAddr:
		return v.IP
	default:
		return nil
	}
}

func aRecord(name string, ip netip.Addr) dns.RR {
	rec := new(dns.A)
	rec.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: answerTTL}
	rec.A = ip.AsSlice()
	return rec
}

func aaaaRecord(name string, ip netip.Addr) dns.RR {
	rec := new(dns.AAAA)
	rec.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: answerTTL}
	rec.AAAA = ip.AsSlice()
	return rec
}

// ToNet exposes the resolver as a udp_bind-capable Net: each SendTo
// directed at the bound socket is treated as a query whose answer is
// queued, in order, for a later RecvFrom on that socket.
func (r *Resolver) ToNet() *netctx.Net {
	return netctx.NewNet(r.name,
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return newResolverConn(r), nil
		}),
	)
}
