// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package mixed implements the mixed HTTP+SOCKS5 ingress:
// peek the first byte of an accepted stream without consuming
// it, then hand the still-unread stream to whichever server the byte
// selects. The peek buffers the prefix and serves later reads
// buffer-then-underlying; no kernel MSG_PEEK.
package mixed

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netbuiltin"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
	"github.com/celzero/rabbitdigger/pkg/socks5"
)

const socks5VersionByte = 0x05

// peekConn wraps a netctx.TCPConn, serving reads from a buffered
// prefix before falling back to the underlying connection. Writes pass
// straight through.
type peekConn struct {
	netctx.TCPConn
	prefix []byte
	pos    int
}

func newPeekConn(c netctx.TCPConn) *peekConn {
	return &peekConn{TCPConn: c}
}

// peekByte reads exactly one byte into the prefix buffer without
// consuming it from the perspective of subsequent Read calls.
func (c *peekConn) peekByte() (byte, error) {
	if len(c.prefix) == 0 {
		var b [1]byte
		if _, err := readFull(c.TCPConn, b[:]); err != nil {
			return 0, err
		}
		c.prefix = b[:]
	}
	return c.prefix[0], nil
}

func readFull(r netctx.TCPConn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Read drains the buffered prefix first, then reads from the
// underlying connection once the prefix is exhausted.
func (c *peekConn) Read(p []byte) (int, error) {
	if c.pos < len(c.prefix) {
		n := copy(p, c.prefix[c.pos:])
		c.pos += n
		return n, nil
	}
	return c.TCPConn.Read(p)
}

// netConn adapts a peekConn to net.Conn for goproxy/http.Server,
// which the HTTP half of the dispatch (netbuiltin.ServeHTTPConnect)
// requires.
type netConn struct {
	*peekConn
}

func (c netConn) LocalAddr() net.Addr {
	addr, err := c.TCPConn.LocalAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

func (c netConn) RemoteAddr() net.Addr {
	addr, err := c.TCPConn.PeerAddr()
	if err != nil {
		return &net.TCPAddr{}
	}
	return addr
}

func (c netConn) SetDeadline(t time.Time) error      { return nil }
func (c netConn) SetReadDeadline(t time.Time) error  { return nil }
func (c netConn) SetWriteDeadline(t time.Time) error { return nil }

// ServerConfig is the mixed Server's options: the address to bind on
// the listen Net. It carries no SOCKS5 auth settings.
type ServerConfig struct {
	Bind string `json:"bind"`
}

// Server peeks the first byte of every accepted connection:
// 0x05 dispatches to the SOCKS5 per-connection handler, anything else
// to netbuiltin.ServeHTTPConnect (the HTTP CONNECT half).
type Server struct {
	name    string
	listen  *netctx.Net
	forward *netctx.Net
	bind    netaddr.Address

	mu       sync.Mutex
	cancel   context.CancelFunc
	listener netctx.TCPListener
	wg       sync.WaitGroup
}

func NewServer(name string, listen, forward *netctx.Net, bind netaddr.Address) *Server {
	return &Server{name: name, listen: listen, forward: forward, bind: bind}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return rderr.Other("mixed %q: already started", s.name)
	}
	ctx, cancel := context.WithCancel(context.Background())
	listener, err := s.listen.TCPBind(netctx.New(), s.bind)
	if err != nil {
		cancel()
		return err
	}
	s.cancel = cancel
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx, listener)
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	cancel := s.cancel
	listener := s.listener
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener netctx.TCPListener) {
	defer s.wg.Done()
	for {
		conn, _, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.W("mixed %s: accept: %v", s.name, err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatch(ctx, conn)
		}()
	}
}

// dispatch peeks one byte, routes to SOCKS5 on 0x05, otherwise routes
// to HTTP CONNECT.
func (s *Server) dispatch(ctx context.Context, conn netctx.TCPConn) {
	pc := newPeekConn(conn)
	b, err := pc.peekByte()
	if err != nil {
		conn.Close()
		log.D("mixed %s: peek: %v", s.name, err)
		return
	}
	if b == socks5VersionByte {
		if err := socks5.ServeConn(ctx, pc, s.listen, s.forward); err != nil {
			log.D("mixed %s: socks5 connection ended: %v", s.name, err)
		}
		return
	}
	netbuiltin.ServeHTTPConnect(netConn{pc}, s.forward)
}

type factory struct{}

func (factory) NewConfig() any { return &ServerConfig{} }

func (factory) Build(name string, listen, forward *netctx.Net, cfg any) (netgraph.Server, error) {
	c := cfg.(*ServerConfig)
	if c.Bind == "" {
		return nil, rderr.Other("mixed %q: bind is required", name)
	}
	bind, err := netaddr.Parse(c.Bind)
	if err != nil {
		return nil, rderr.Other("mixed %q: bad bind address: %v", name, err)
	}
	return NewServer(name, listen, forward, bind), nil
}

// Register adds the mixed server type to reg.
func Register(reg *netgraph.Registry) {
	reg.AddServerFactory("mixed", factory{})
}
