// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netbuiltin holds the always-registered leaf Nets: local (a
// plain *net.Dialer), block (fails every capability), noop plus an
// echo-server helper, and the protocol egress Nets (shadowsocks,
// trojan, dnscrypt, odoh, http, tls).
package netbuiltin

import (
	"context"
	"net"
	"time"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// LocalConfig has no options: local always dials with a plain
// *net.Dialer, the terminal Net every chain eventually bottoms out on.
type LocalConfig struct{}

type localFactory struct{}

func (localFactory) NewConfig() any { return &LocalConfig{} }

func (localFactory) Build(name string, cfg any) (*netctx.Net, error) {
	return newLocalNet(name), nil
}

func newLocalNet(name string) *netctx.Net {
	var dialer net.Dialer
	var lc net.ListenConfig
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			conn, err := dialer.DialContext(context.Background(), "tcp", addr.String())
			if err != nil {
				return nil, rderr.IO(rderr.KindOther, "local: dial", err)
			}
			return wrapTCPConn(conn), nil
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			ln, err := lc.Listen(context.Background(), "tcp", addr.String())
			if err != nil {
				return nil, rderr.IO(rderr.KindOther, "local: listen", err)
			}
			return &localListener{ln: ln.(*net.TCPListener)}, nil
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			udpAddr, err := addr.ToUDPAddr()
			if err != nil {
				return nil, err
			}
			conn, err := net.ListenUDP("udp", udpAddr)
			if err != nil {
				return nil, rderr.IO(rderr.KindOther, "local: udp listen", err)
			}
			return &localUDPConn{conn: conn}, nil
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			domain, port, ok := addr.Domain()
			if !ok {
				return nil, rderr.Other("local: lookup_host on non-domain address")
			}
			ips, err := net.DefaultResolver.LookupIPAddr(context.Background(), domain)
			if err != nil {
				return nil, rderr.IO(rderr.KindOther, "local: lookup_host", err)
			}
			out := make([]net.Addr, 0, len(ips))
			for _, ip := range ips {
				out = append(out, &net.TCPAddr{IP: ip.IP, Port: port})
			}
			return out, nil
		}),
	)
}

type localListener struct {
	ln *net.TCPListener
}

func (l *localListener) Accept(ctx context.Context) (netctx.TCPConn, net.Addr, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		// Accept is cancel-safe: expiring the listener's deadline
		// unblocks the pending Accept above, and a connection it had
		// already picked up is handed back rather than dropped.
		l.ln.SetDeadline(time.Now())
		r := <-ch
		l.ln.SetDeadline(time.Time{})
		if r.err == nil {
			return wrapTCPConn(r.conn), r.conn.RemoteAddr(), nil
		}
		return nil, nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, nil, rderr.IO(rderr.KindOther, "local: accept", r.err)
		}
		return wrapTCPConn(r.conn), r.conn.RemoteAddr(), nil
	}
}

func (l *localListener) LocalAddr() (net.Addr, error) { return l.ln.Addr(), nil }
func (l *localListener) Close() error                 { return l.ln.Close() }

type localUDPConn struct {
	conn *net.UDPConn
}

func (c *localUDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	return c.conn.ReadFrom(buf)
}

func (c *localUDPConn) SendTo(buf []byte, to netaddr.Address) (int, error) {
	addr, err := to.ToUDPAddr()
	if err != nil {
		// destination may be a domain; this Net resolves it
		addr, err = net.ResolveUDPAddr("udp", to.String())
		if err != nil {
			return 0, rderr.AddrNotAvailable
		}
	}
	return c.conn.WriteTo(buf, addr)
}

func (c *localUDPConn) LocalAddr() (net.Addr, error) { return c.conn.LocalAddr(), nil }
func (c *localUDPConn) Close() error                 { return c.conn.Close() }

// tcpConn adapts *net.TCPConn (or anything io.Reader/Writer/Closer
// shaped with half-close) to netctx.TCPConn.
type tcpConn struct {
	net.Conn
}

func wrapTCPConn(c net.Conn) netctx.TCPConn { return tcpConn{c} }

func (c tcpConn) CloseRead() error {
	if cr, ok := c.Conn.(interface{ CloseRead() error }); ok {
		return cr.CloseRead()
	}
	return nil
}

func (c tcpConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return c.Conn.Close()
}

func (c tcpConn) PeerAddr() (net.Addr, error) { return c.Conn.RemoteAddr(), nil }
func (c tcpConn) LocalAddr() (net.Addr, error) { return c.Conn.LocalAddr(), nil }

// registerLocal adds local to reg.
func registerLocal(reg *netgraph.Registry) {
	reg.AddNetFactory("local", localFactory{})
}
