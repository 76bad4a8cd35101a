// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpcmux

import (
	"context"
	"net"

	"github.com/hashicorp/yamux"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// ClientConfig is the rpcmux client Net's options: the inner Net used
// to dial the server, and the server's address.
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
		return nil, rderr.Other("rpcmux %q: net ref not bound", name)
	}
	serverAddr, err := netaddr.Parse(c.Server)
	if err != nil {
		return nil, rderr.Other("rpcmux %q: bad server address: %v", name, err)
	}

	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			sess, err := dialSession(inner, serverAddr)
			if err != nil {
				return nil, err
			}
			stream, err := sess.OpenStream()
			if err != nil {
				sess.Close()
				return nil, rderr.IO(rderr.KindOther, "rpcmux: open channel", err)
			}
			if err := writeFrame(stream, request{Cmd: cmdTCPConnect, SeqID: 1, Addr: addr.String()}); err != nil {
				stream.Close()
				sess.Close()
				return nil, err
			}
			var resp response
			if err := readFrame(stream, &resp); err != nil {
				stream.Close()
				sess.Close()
				return nil, err
			}
			if !resp.OK {
				stream.Close()
				sess.Close()
				return nil, rderr.Other("rpcmux %q: connect refused: %s", name, resp.Err)
			}
			return &sessionConn{streamConn: streamConn{stream}, sess: sess}, nil
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			sess, err := dialSession(inner, serverAddr)
			if err != nil {
				return nil, err
			}
			ctrl, err := sess.OpenStream()
			if err != nil {
				sess.Close()
				return nil, rderr.IO(rderr.KindOther, "rpcmux: open control channel", err)
			}
			if err := writeFrame(ctrl, request{Cmd: cmdTCPBind, SeqID: 1, Addr: addr.String()}); err != nil {
				ctrl.Close()
				sess.Close()
				return nil, err
			}
			var resp response
			if err := readFrame(ctrl, &resp); err != nil {
				ctrl.Close()
				sess.Close()
				return nil, err
			}
			if !resp.OK {
				ctrl.Close()
				sess.Close()
				return nil, rderr.Other("rpcmux %q: bind refused: %s", name, resp.Err)
			}
			bindAddr, err := netaddr.Parse(resp.Addr)
			if err != nil {
				ctrl.Close()
				sess.Close()
				return nil, rderr.Other("rpcmux %q: bad bind addr from server: %v", name, err)
			}
			return &clientListener{name: name, sess: sess, ctrl: ctrl, bindAddr: bindAddr}, nil
		}),
	), nil
}

// dialSession opens a fresh outer TCP connection over inner,
// handshakes it, and wraps it in a yamux client session. Every
// tcp_connect/tcp_bind call opens its own session rather than sharing
// one across calls: a fresh session per call keeps this client Net
// stateless between calls, matching how every other Net built in this
// project behaves.
func dialSession(inner *netctx.Net, serverAddr netaddr.Address) (*yamux.Session, error) {
	conn, err := inner.TCPConnect(netctx.New(), serverAddr)
	if err != nil {
		return nil, err
	}
	adapted := netConnAdapter{conn}
	if _, err := clientHandshake(adapted); err != nil {
		conn.Close()
		return nil, err
	}
	sess, err := yamux.Client(adapted, yamux.DefaultConfig())
	if err != nil {
		conn.Close()
		return nil, rderr.IO(rderr.KindOther, "rpcmux: yamux client", err)
	}
	return sess, nil
}

// sessionConn is a streamConn that also owns the yamux session it was
// opened on, so closing the stream tears down the whole (single-use)
// outer connection rather than leaking it.
type sessionConn struct {
	streamConn
	sess *yamux.Session
}

func (c *sessionConn) Close() error {
	err := c.streamConn.Close()
	c.sess.Close()
	return err
}

// clientListener is the TCPListener a tcp_bind call over rpcmux
// returns: Accept reads the next accept notification off the
// control channel, then opens a new channel claiming that id.
type clientListener struct {
	name     string
	sess     *yamux.Session
	ctrl     *yamux.Stream
	bindAddr netaddr.Address
}

func (l *clientListener) Accept(ctx context.Context) (netctx.TCPConn, net.Addr, error) {
	type result struct {
		notice acceptNotice
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var n acceptNotice
		err := readFrame(l.ctrl, &n)
		ch <- result{n, err}
	}()

	var r result
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case r = <-ch:
	}
	if r.err != nil {
		return nil, nil, r.err
	}

	stream, err := l.sess.OpenStream()
	if err != nil {
		return nil, nil, rderr.IO(rderr.KindOther, "rpcmux: open accept channel", err)
	}
	if err := writeFrame(stream, request{Cmd: cmdTCPAccept, SeqID: 1, ID: r.notice.ID}); err != nil {
		stream.Close()
		return nil, nil, err
	}
	var resp response
	if err := readFrame(stream, &resp); err != nil {
		stream.Close()
		return nil, nil, err
	}
	if !resp.OK {
		stream.Close()
		return nil, nil, rderr.Other("rpcmux %q: accept id %d refused: %s", l.name, r.notice.ID, resp.Err)
	}
	peerAddr, err := netaddr.Parse(r.notice.Peer)
	if err != nil {
		return streamConn{stream}, stream.RemoteAddr(), nil
	}
	na, err := peerAddr.ToTCPAddr()
	if err != nil {
		return streamConn{stream}, stream.RemoteAddr(), nil
	}
	return streamConn{stream}, na, nil
}

func (l *clientListener) LocalAddr() (net.Addr, error) { return l.bindAddr.ToTCPAddr() }

func (l *clientListener) Close() error {
	err := l.ctrl.Close()
	l.sess.Close()
	return err
}

// Register adds both the rpcmux client Net type and the rpcmux Server
// type to reg.
func Register(reg *netgraph.Registry) {
	reg.AddNetFactory("rpcmux", clientFactory{})
	reg.AddServerFactory("rpcmux", factory{})
}
