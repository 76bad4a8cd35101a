// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"net"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// ClientConfig is the socks5 client Net's options: the inner Net used
// to dial the upstream SOCKS5 server, and that server's address. Same
// {net, server} shape as pkg/rpcmux's ClientConfig, the general "dial
// an upstream proxy through an inner Net" case.
type ClientConfig struct {
	Net    netgraph.NetRef `json:"net"`
	Server string          `json:"server"`
}

type clientFactory struct{}

func (clientFactory) NewConfig() any { return &ClientConfig{} }

func (clientFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*ClientConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("socks5 %q: net ref not bound", name)
	}
	serverAddr, err := netaddr.Parse(c.Server)
	if err != nil {
		return nil, rderr.Other("socks5 %q: bad server address: %v", name, err)
	}

	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return dialConnect(inner, serverAddr, addr)
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return dialAssociate(inner, serverAddr)
		}),
	), nil
}

// dialConnect opens a fresh control connection to serverAddr through
// inner, runs the CONNECT handshake for target, and hands back the
// same connection as the data channel -- control and data share one
// TCP stream on CONNECT.
func dialConnect(inner *netctx.Net, serverAddr, target netaddr.Address) (netctx.TCPConn, error) {
	conn, err := inner.TCPConnect(netctx.New(), serverAddr)
	if err != nil {
		return nil, err
	}
	if _, err := clientHandshake(conn, cmdConnect, target); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// dialAssociate opens a control connection, runs the UDP_ASSOCIATE
// handshake to learn the server's relay address, then binds a local
// UDP socket on inner for the actual datagram traffic -- the control
// connection stays open for the association's lifetime
// and is closed alongside the data socket.
func dialAssociate(inner *netctx.Net, serverAddr netaddr.Address) (netctx.UDPConn, error) {
	ctrl, err := inner.TCPConnect(netctx.New(), serverAddr)
	if err != nil {
		return nil, err
	}
	relayAddr, err := clientHandshake(ctrl, cmdUDPAssociate, zeroAddr())
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	local, err := inner.UDPBind(netctx.New(), zeroAddr())
	if err != nil {
		ctrl.Close()
		return nil, err
	}
	return &clientUDPConn{local: local, relay: relayAddr, ctrl: ctrl}, nil
}

// clientHandshake runs the client side of the RFC 1928 exchange:
// greeting, method selection, request, reply. Returns the reply's
// bound address (the CONNECT bind address, or the UDP_ASSOCIATE relay
// address).
func clientHandshake(conn netctx.TCPConn, cmd byte, addr netaddr.Address) (netaddr.Address, error) {
	if err := writeGreeting(conn); err != nil {
		return netaddr.Address{}, err
	}
	method, err := readMethodSelection(conn)
	if err != nil {
		return netaddr.Address{}, err
	}
	if method != methodNoAuth {
		return netaddr.Address{}, invalidData("socks5: server rejected every offered auth method")
	}
	if err := writeRequest(conn, cmd, addr); err != nil {
		return netaddr.Address{}, err
	}
	rep, bindAddr, err := readReply(conn)
	if err != nil {
		return netaddr.Address{}, err
	}
	if rep != repSuccess {
		return netaddr.Address{}, rderr.Other("socks5: server refused request: rep=0x%02x", rep)
	}
	return bindAddr, nil
}

func zeroAddr() netaddr.Address {
	a, _ := netaddr.Parse("0.0.0.0:0")
	return a
}

// clientUDPConn adapts a raw local UDP socket into the SOCKS5 UDP
// ASSOCIATE data channel: every outbound datagram is wrapped in the
// SOCKS5 UDP framing and sent to the server's relay address; every
// inbound datagram is unwrapped, handing back the original sender as
// its From address, mirroring udpSource's server-side unwrap/re-wrap
// in reverse.
type clientUDPConn struct {
	local netctx.UDPConn
	relay netaddr.Address
	ctrl  netctx.TCPConn
}

func (c *clientUDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	tmp := make([]byte, maxUDPDatagram)
	n, _, err := c.local.RecvFrom(tmp)
	if err != nil {
		return 0, nil, err
	}
	origin, payload, err := decodeUDPDatagram(tmp[:n])
	if err != nil {
		return 0, nil, err
	}
	copied := copy(buf, payload)
	from, err := origin.ToUDPAddr()
	if err != nil {
		return copied, nil, err
	}
	return copied, from, nil
}

func (c *clientUDPConn) SendTo(buf []byte, dest netaddr.Address) (int, error) {
	framed, err := encodeUDPDatagram(dest, buf)
	if err != nil {
		return 0, err
	}
	if _, err := c.local.SendTo(framed, c.relay); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (c *clientUDPConn) LocalAddr() (net.Addr, error) { return c.local.LocalAddr() }

func (c *clientUDPConn) Close() error {
	err := c.local.Close()
	c.ctrl.Close()
	return err
}
