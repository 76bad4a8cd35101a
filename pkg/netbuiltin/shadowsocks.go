// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"context"
	"net"
	"time"

	ssclient "github.com/Jigsaw-Code/outline-sdk/transport"
	ss "github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// ShadowsocksConfig is a thin Net wrapping outline-sdk's shadowsocks
// StreamDialer over a single inner Net; cipher internals (AEAD
// framing, salt handling) stay entirely inside the library -- this Net
// only supplies the server endpoint, cipher name, and password.
type ShadowsocksConfig struct {
	Net      netgraph.NetRef `json:"net"`
	Server   string          `json:"server"`
	Cipher   string          `json:"cipher"`
	Password string          `json:"password"`
	UDP      bool            `json:"udp,omitempty"`
}

type ssFactory struct{}

func (ssFactory) NewConfig() any { return &ShadowsocksConfig{} }

// streamConnAdapter adapts this project's netctx.TCPConn to
// outline-sdk's transport.StreamConn (a net.Conn plus half-close).
type streamConnAdapter struct {
	netctx.TCPConn
}

func (a streamConnAdapter) CloseRead() error  { return a.TCPConn.CloseRead() }
func (a streamConnAdapter) CloseWrite() error { return a.TCPConn.CloseWrite() }
func (a streamConnAdapter) LocalAddr() net.Addr {
	addr, err := a.TCPConn.LocalAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}
func (a streamConnAdapter) RemoteAddr() net.Addr {
	addr, err := a.TCPConn.PeerAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

// streamConnAdapter's underlying netctx.TCPConn has no deadline concept;
// outline-sdk only calls these when the caller sets deadlines explicitly,
// which this project's capability contract never does.
func (a streamConnAdapter) SetDeadline(t time.Time) error      { return nil }
func (a streamConnAdapter) SetReadDeadline(t time.Time) error  { return nil }
func (a streamConnAdapter) SetWriteDeadline(t time.Time) error { return nil }

func (ssFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*ShadowsocksConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("shadowsocks %q: net ref not bound", name)
	}
	key, err := ss.NewEncryptionKey(c.Cipher, c.Password)
	if err != nil {
		return nil, rderr.Other("shadowsocks %q: bad cipher/password: %v", name, err)
	}

	opts := []netctx.NetOption{
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			serverAddr, err := netaddr.Parse(c.Server)
			if err != nil {
				return nil, rderr.Other("shadowsocks %q: bad server address: %v", name, err)
			}
			endpoint := &innerEndpoint{inner: inner, ctx: ctx, server: serverAddr}
			dialer, err := ss.NewStreamDialer(endpoint, key)
			if err != nil {
				return nil, rderr.IO(rderr.KindOther, "shadowsocks: dialer", err)
			}
			conn, err := dialer.DialStream(context.Background(), addr.String())
			if err != nil {
				return nil, rderr.IO(rderr.KindOther, "shadowsocks: dial", err)
			}
			return wrapTCPConn(conn), nil
		}),
	}
	// NotEnabled, not NotImplemented: udp_bind exists as a capability
	// but config turned it off, which callers must be able to tell
	// apart from a Net that never implemented udp_bind at all.
	opts = append(opts, netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
		if !c.UDP {
			return nil, rderr.NotEnabled
		}
		serverAddr, err := netaddr.Parse(c.Server)
		if err != nil {
			return nil, rderr.Other("shadowsocks %q: bad server address: %v", name, err)
		}
		return newShadowsocksPacketConn(ctx, inner, serverAddr, key)
	}))
	return netctx.NewNet(name, opts...), nil
}

// innerEndpoint is outline-sdk's transport.StreamEndpoint over the
// config graph's inner Net: Connect dials the shadowsocks server
// address (not the final destination -- the library re-wraps that
// inside its AEAD stream once Connect returns).
type innerEndpoint struct {
	inner  *netctx.Net
	ctx    *netctx.Context
	server netaddr.Address
}

func (e *innerEndpoint) ConnectStream(_ context.Context) (ssclient.StreamConn, error) {
	conn, err := e.inner.TCPConnect(e.ctx, e.server)
	if err != nil {
		return nil, err
	}
	return streamConnAdapter{conn}, nil
}

// shadowsocksPacketConn wraps outline-sdk's PacketListener, obtained
// by dialing the shadowsocks server once over the inner Net and
// handing the resulting connection to the library as its transport.
// Grounded on ss.NewPacketListener's (endpoint, key) shape, the UDP
// analogue of NewStreamDialer used above.
type shadowsocksPacketConn struct {
	net.PacketConn
}

func newShadowsocksPacketConn(ctx *netctx.Context, inner *netctx.Net, server netaddr.Address, key *ss.EncryptionKey) (netctx.UDPConn, error) {
	endpoint := &innerPacketEndpoint{inner: inner, ctx: ctx, server: server}
	listener, err := ss.NewPacketListener(endpoint, key)
	if err != nil {
		return nil, rderr.IO(rderr.KindOther, "shadowsocks: packet listener", err)
	}
	pc, err := listener.ListenPacket(context.Background())
	if err != nil {
		return nil, rderr.IO(rderr.KindOther, "shadowsocks: listen packet", err)
	}
	return &shadowsocksPacketConn{pc}, nil
}

func (c *shadowsocksPacketConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	return c.PacketConn.ReadFrom(buf)
}

func (c *shadowsocksPacketConn) SendTo(buf []byte, to netaddr.Address) (int, error) {
	addr, err := to.ToUDPAddr()
	if err != nil {
		return 0, err
	}
	return c.PacketConn.WriteTo(buf, addr)
}

func (c *shadowsocksPacketConn) LocalAddr() (net.Addr, error) {
	return c.PacketConn.LocalAddr(), nil
}

// innerPacketEndpoint is outline-sdk's transport.PacketEndpoint over
// the config graph's inner Net.
type innerPacketEndpoint struct {
	inner  *netctx.Net
	ctx    *netctx.Context
	server netaddr.Address
}

func (e *innerPacketEndpoint) ConnectPacket(_ context.Context) (net.Conn, error) {
	conn, err := e.inner.TCPConnect(e.ctx, e.server)
	if err != nil {
		return nil, err
	}
	return streamConnAdapter{conn}, nil
}

// registerShadowsocks adds shadowsocks to reg.
func registerShadowsocks(reg *netgraph.Registry) {
	reg.AddNetFactory("shadowsocks", ssFactory{})
}
