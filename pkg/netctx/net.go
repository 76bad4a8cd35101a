// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netctx

import (
	"context"
	"io"
	"net"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
)

// TCPConn is the full-duplex stream returned by TCPConnect and
// produced by TCPListener.Accept. Supports half-close the way
// *net.TCPConn does; peer/local addr lookups may themselves return
// ErrNotImplemented.
type TCPConn interface {
	io.Reader
	io.Writer
	io.Closer
	// CloseRead half-closes the read side; further Reads return io.EOF.
	CloseRead() error
	// CloseWrite half-closes the write side, signalling EOF to the peer.
	CloseWrite() error
	PeerAddr() (net.Addr, error)
	LocalAddr() (net.Addr, error)
}

// TCPListener is cancel-safe: abandoning an in-flight Accept call must
// not consume a connection. Implementations built on *net.TCPListener
// get this for free since Accept only commits once it returns.
type TCPListener interface {
	Accept(ctx context.Context) (TCPConn, net.Addr, error)
	LocalAddr() (net.Addr, error)
	Close() error
}

// UDPConn is a destination-addressed datagram socket; the peer on
// SendTo may be a domain, in which case the Net resolves it.
type UDPConn interface {
	RecvFrom(buf []byte) (n int, from net.Addr, err error)
	SendTo(buf []byte, to netaddr.Address) (n int, err error)
	LocalAddr() (net.Addr, error)
	Close() error
}

// Net is a shared handle exposing up to four
// capabilities. A nil slot deterministically yields
// ErrNotImplemented; Net values are built once from typed config,
// immutable thereafter, and freely copyable (copying the struct copies
// the slots, not the underlying resources).
type Net struct {
	name string

	tcpConnect func(ctx *Context, addr netaddr.Address) (TCPConn, error)
	tcpBind    func(ctx *Context, addr netaddr.Address) (TCPListener, error)
	udpBind    func(ctx *Context, addr netaddr.Address) (UDPConn, error)
	lookupHost func(addr netaddr.Address) ([]net.Addr, error)
}

// NetOption configures a Net at construction time. Composite Nets
// (alias, combine, rule, dnsx, socks5-client, ...) build one of these
// per instance, typically by closing over an inner Net.
type NetOption func(*Net)

// NewNet builds a Net from a name and zero or more capability slots. Any
// capability omitted deterministically fails with ErrNotImplemented.
func NewNet(name string, opts ...NetOption) *Net {
	n := &Net{name: name}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func WithTCPConnect(f func(ctx *Context, addr netaddr.Address) (TCPConn, error)) NetOption {
	return func(n *Net) { n.tcpConnect = f }
}

func WithTCPBind(f func(ctx *Context, addr netaddr.Address) (TCPListener, error)) NetOption {
	return func(n *Net) { n.tcpBind = f }
}

func WithUDPBind(f func(ctx *Context, addr netaddr.Address) (UDPConn, error)) NetOption {
	return func(n *Net) { n.udpBind = f }
}

func WithLookupHost(f func(addr netaddr.Address) ([]net.Addr, error)) NetOption {
	return func(n *Net) { n.lookupHost = f }
}

// Name is the Net's registered instance name, used for net_path
// bookkeeping and diagnostics.
func (n *Net) Name() string {
	if n == nil {
		return "<nil>"
	}
	return n.name
}

// TCPConnect dials addr. Leaves ctx usable afterwards and appends its
// own name to ctx's net_path on success.
func (n *Net) TCPConnect(ctx *Context, addr netaddr.Address) (TCPConn, error) {
	if n == nil || n.tcpConnect == nil {
		return nil, ErrNotImplemented
	}
	conn, err := n.tcpConnect(ctx, addr)
	if err == nil && ctx != nil {
		ctx.AppendNetPath(n.name)
	}
	return conn, err
}

// CanTCPConnect reports whether this Net has a tcp_connect capability,
// without invoking it.
func (n *Net) CanTCPConnect() bool { return n != nil && n.tcpConnect != nil }

// TCPBind binds a listener.
func (n *Net) TCPBind(ctx *Context, addr netaddr.Address) (TCPListener, error) {
	if n == nil || n.tcpBind == nil {
		return nil, ErrNotImplemented
	}
	l, err := n.tcpBind(ctx, addr)
	if err == nil && ctx != nil {
		ctx.AppendNetPath(n.name)
	}
	return l, err
}

func (n *Net) CanTCPBind() bool { return n != nil && n.tcpBind != nil }

// UDPBind opens a datagram socket.
func (n *Net) UDPBind(ctx *Context, addr netaddr.Address) (UDPConn, error) {
	if n == nil || n.udpBind == nil {
		return nil, ErrNotImplemented
	}
	c, err := n.udpBind(ctx, addr)
	if err == nil && ctx != nil {
		ctx.AppendNetPath(n.name)
	}
	return c, err
}

func (n *Net) CanUDPBind() bool { return n != nil && n.udpBind != nil }

// LookupHost resolves addr. Identity on already-numeric addresses: no
// capability call is made when addr is numeric.
func (n *Net) LookupHost(addr netaddr.Address) ([]net.Addr, error) {
	if ip, ok := addr.IP(); ok {
		return []net.Addr{&net.TCPAddr{IP: ip.AsSlice(), Port: addr.Port()}}, nil
	}
	if n == nil || n.lookupHost == nil {
		return nil, ErrNotImplemented
	}
	return n.lookupHost(addr)
}

func (n *Net) CanLookupHost() bool { return n != nil && n.lookupHost != nil }
