// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netaddr implements the destination Address tagged union: a
// destination is either an already-numeric socket address or a domain
// name plus port that still needs resolving.
package netaddr

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/celzero/rabbitdigger/internal/rderr"
)

// Address is either a numeric socket address (v4 or v6) or a domain
// name with a port. The zero value is not valid; use Parse or one of
// the constructors.
type Address struct {
	ip     netip.Addr // invalid (IsValid()==false) when domain is set
	domain string
	port   uint16
}

// FromIP builds a numeric Address.
func FromIP(ip netip.Addr, port int) (Address, error) {
	if port < 0 || port > 65535 {
		return Address{}, rderr.Other("port %d out of range", port)
	}
	return Address{ip: ip.Unmap(), port: uint16(port)}, nil
}

// FromDomain builds a domain Address. Port must still be 0..65535.
func FromDomain(domain string, port int) (Address, error) {
	if port < 0 || port > 65535 {
		return Address{}, rderr.Other("port %d out of range", port)
	}
	if domain == "" {
		return Address{}, rderr.AddrNotAvailable
	}
	return Address{domain: domain, port: uint16(port)}, nil
}

// FromNetAddr wraps a *net.TCPAddr/*net.UDPAddr-shaped standard address.
func FromNetAddr(addr net.Addr) (Address, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return Address{}, rderr.IO(rderr.KindOther, "split host port", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Address{}, rderr.AddrNotAvailable
	}
	return Parse(net.JoinHostPort(host, strconv.Itoa(port)))
}

// Parse parses "host:port" where host is a domain, an IPv4 literal, or
// a bracketed IPv6 literal.
func Parse(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, rderr.AddrNotAvailable
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, rderr.AddrNotAvailable
	}
	if ip, err := netip.ParseAddr(host); err == nil {
		return FromIP(ip, port)
	}
	return FromDomain(host, port)
}

// IsDomain reports whether this address still needs resolution.
func (a Address) IsDomain() bool { return !a.ip.IsValid() }

// Domain returns (name, port, true) if this is a domain address.
func (a Address) Domain() (string, int, bool) {
	if a.IsDomain() {
		return a.domain, int(a.port), true
	}
	return "", 0, false
}

// Port returns the port regardless of variant.
func (a Address) Port() int { return int(a.port) }

// ToIPPort converts to a numeric netip.AddrPort. Returns
// rderr.AddrNotAvailable if this Address is still a domain: callers
// must resolve it first.
func (a Address) ToIPPort() (netip.AddrPort, error) {
	if a.IsDomain() {
		return netip.AddrPort{}, rderr.AddrNotAvailable
	}
	return netip.AddrPortFrom(a.ip, a.port), nil
}

// ToTCPAddr converts to *net.TCPAddr if numeric.
func (a Address) ToTCPAddr() (*net.TCPAddr, error) {
	ap, err := a.ToIPPort()
	if err != nil {
		return nil, err
	}
	return net.TCPAddrFromAddrPort(ap), nil
}

// ToUDPAddr converts to *net.UDPAddr if numeric.
func (a Address) ToUDPAddr() (*net.UDPAddr, error) {
	ap, err := a.ToIPPort()
	if err != nil {
		return nil, err
	}
	return net.UDPAddrFromAddrPort(ap), nil
}

func (a Address) String() string {
	if a.IsDomain() {
		return net.JoinHostPort(a.domain, strconv.Itoa(int(a.port)))
	}
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(int(a.port)))
}

// MaybeIPFromDomain returns the IP if the "domain" is actually a
// numeric literal (the ip_cidr matcher needs this: a Domain that
// parses as an IP should still match a CIDR rule).
func (a Address) MaybeIPFromDomain() (netip.Addr, bool) {
	d, _, ok := a.Domain()
	if !ok {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(strings.TrimSpace(d))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}

// IP returns the numeric IP and true if this Address is numeric.
func (a Address) IP() (netip.Addr, bool) {
	if a.IsDomain() {
		return netip.Addr{}, false
	}
	return a.ip, true
}

func (a Address) GoString() string {
	return fmt.Sprintf("netaddr.Address{%s}", a.String())
}
