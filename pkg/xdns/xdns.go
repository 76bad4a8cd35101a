// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package xdns holds the small set of miekg/dns message helpers the
// DNS sniffer and resolver Nets need: unpacking, question/answer
// extraction, and name normalization.
package xdns

import (
	"errors"
	"net/netip"
	"strings"
	"unicode/utf8"

	"github.com/miekg/dns"
)

// AsMsg unpacks a raw DNS wire-format packet, returning nil if it
// isn't one.
func AsMsg(packet []byte) *dns.Msg {
	msg := &dns.Msg{}
	if err := msg.Unpack(packet); err != nil {
		return nil
	}
	return msg
}

// QName returns the first question's name, or "" if there is none.
func QName(msg *dns.Msg) string {
	if msg != nil && len(msg.Question) > 0 {
		return msg.Question[0].Name
	}
	return ""
}

// NormalizeQName lower-cases an ASCII DNS name and strips its
// trailing root dot, so reverse-lookup map keys compare consistently
// regardless of the case or trailing-dot convention a resolver used.
func NormalizeQName(str string) (string, error) {
	if len(str) == 0 || str == "." {
		return ".", nil
	}
	str = strings.TrimSuffix(str, ".")
	hasUpper := false
	for i := 0; i < len(str); i++ {
		c := str[i]
		if c >= utf8.RuneSelf {
			return str, errors.New("xdns: query name is not an ASCII string")
		}
		hasUpper = hasUpper || ('A' <= c && c <= 'Z')
	}
	if !hasUpper {
		return str, nil
	}
	var b strings.Builder
	b.Grow(len(str))
	for i := 0; i < len(str); i++ {
		c := str[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		b.WriteByte(c)
	}
	return b.String(), nil
}

// HasAAnswer reports whether msg carries at least one well-formed A
// record.
func HasAAnswer(msg *dns.Msg) bool {
	for _, answer := range msg.Answer {
		if rec, ok := answer.(*dns.A); ok && rec.A.To4() != nil {
			return true
		}
	}
	return false
}

// HasAAAAAnswer reports whether msg carries at least one well-formed
// AAAA record.
func HasAAAAAnswer(msg *dns.Msg) bool {
	for _, answer := range msg.Answer {
		if rec, ok := answer.(*dns.AAAA); ok && len(rec.AAAA) == 16 {
			return true
		}
	}
	return false
}

// AAnswer returns every A record's address.
func AAnswer(msg *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, answer := range msg.Answer {
		if rec, ok := answer.(*dns.A); ok {
			if ip, ok := netip.AddrFromSlice(rec.A.To4()); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

// AAAAAnswer returns every AAAA record's address.
func AAAAAnswer(msg *dns.Msg) []netip.Addr {
	var out []netip.Addr
	for _, answer := range msg.Answer {
		if rec, ok := answer.(*dns.AAAA); ok {
			if ip, ok := netip.AddrFromSlice(rec.AAAA); ok {
				out = append(out, ip)
			}
		}
	}
	return out
}

// CNAMERecords returns a (name, target) pair per CNAME record, for
// canonicalization hops.
func CNAMERecords(msg *dns.Msg) map[string]string {
	out := make(map[string]string)
	for _, answer := range msg.Answer {
		if rec, ok := answer.(*dns.CNAME); ok {
			name, err := NormalizeQName(rec.Hdr.Name)
			if err != nil {
				continue
			}
			target, err := NormalizeQName(rec.Target)
			if err != nil {
				continue
			}
			out[name] = target
		}
	}
	return out
}

// MakeARecord builds a synthetic A answer for name from an address
// already in hand rather than from a live upstream query.
func MakeARecord(name string, ip netip.Addr, ttl uint32) dns.RR {
	rec := new(dns.A)
	rec.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl}
	rec.A = ip.AsSlice()
	return rec
}

// MakeAAAARecord builds a synthetic AAAA answer.
func MakeAAAARecord(name string, ip netip.Addr, ttl uint32) dns.RR {
	rec := new(dns.AAAA)
	rec.Hdr = dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl}
	rec.AAAA = ip.AsSlice()
	return rec
}

// EmptyResponseFromMessage builds a response header/question copy of
// srcMsg, ready for an answer section to be attached. No EDNS0
// passthrough; the sniffer/resolver don't negotiate EDNS0 themselves.
func EmptyResponseFromMessage(srcMsg *dns.Msg) *dns.Msg {
	dst := &dns.Msg{MsgHdr: srcMsg.MsgHdr, Compress: true}
	dst.Question = srcMsg.Question
	dst.Response = true
	if srcMsg.RecursionDesired {
		dst.RecursionAvailable = true
	}
	dst.RecursionDesired = false
	return dst
}
