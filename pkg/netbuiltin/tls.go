// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// TLSConfig wraps a single inner Net, handshaking crypto/tls over
// every tcp_connect it makes.
type TLSConfig struct {
	Net                netgraph.NetRef `json:"net"`
	ServerName         string          `json:"server_name,omitempty"`
	InsecureSkipVerify bool            `json:"insecure_skip_verify,omitempty"`
}

type tlsFactory struct{}

func (tlsFactory) NewConfig() any { return &TLSConfig{} }

func (tlsFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*TLSConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("tls %q: net ref not bound", name)
	}
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			plain, err := inner.TCPConnect(ctx, addr)
			if err != nil {
				return nil, err
			}
			serverName := c.ServerName
			if serverName == "" {
				if domain, _, ok := addr.Domain(); ok {
					serverName = domain
				}
			}
			tconn := tls.Client(netConnAdapter{plain}, &tls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: c.InsecureSkipVerify,
			})
			if err := tconn.HandshakeContext(context.Background()); err != nil {
				plain.Close()
				return nil, rderr.IO(rderr.KindOther, "tls: handshake", err)
			}
			return wrapTCPConn(tlsConnWithBase{Conn: tconn, base: plain}), nil
		}),
	), nil
}

// tlsConnWithBase lets wrapTCPConn's half-close fallback reach the
// underlying plain connection's CloseWrite/CloseRead, since *tls.Conn
// itself only exposes a full Close.
type tlsConnWithBase struct {
	*tls.Conn
	base netctx.TCPConn
}

func (c tlsConnWithBase) CloseWrite() error {
	if c.base != nil {
		return c.base.CloseWrite()
	}
	return c.Conn.Close()
}

func (c tlsConnWithBase) CloseRead() error {
	if c.base != nil {
		return c.base.CloseRead()
	}
	return nil
}

// netConnAdapter satisfies net.Conn well enough for tls.Client given a
// netctx.TCPConn; LocalAddr/RemoteAddr fall back to a zero address
// when the inner Net can't report one.
type netConnAdapter struct {
	netctx.TCPConn
}

func (a netConnAdapter) LocalAddr() net.Addr {
	addr, err := a.TCPConn.LocalAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

func (a netConnAdapter) RemoteAddr() net.Addr {
	addr, err := a.TCPConn.PeerAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

// netConnAdapter's underlying netctx.TCPConn has no deadline concept;
// tls.Conn only calls these when the caller sets deadlines explicitly,
// which this project's capability contract never does.
func (a netConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (a netConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a netConnAdapter) SetWriteDeadline(t time.Time) error { return nil }

// registerTLS adds tls to reg.
func registerTLS(reg *netgraph.Registry) {
	reg.AddNetFactory("tls", tlsFactory{})
}
