// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rpcmux

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/bridge"
	"github.com/celzero/rabbitdigger/pkg/ctrl"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// ServerConfig is the rpcmux Server's options: the address to bind on
// the listen Net, and the pending-accept reaper TTL.
type ServerConfig struct {
	Bind           string `json:"bind"`
	PendingTTLSecs int    `json:"pending_ttl_secs,omitempty"`
}

// Server accepts outer TCP connections, handshakes each
// one, then multiplexes yamux channels over it: each channel carries
// one framed command (tcp_connect/tcp_bind/tcp_accept) dispatched
// against forward, the Net this rpcmux instance was configured to
// egress through. Same Start/Stop/acceptLoop lifecycle as
// pkg/socks5.Server and pkg/mixed.Server.
type Server struct {
	name       string
	listen     *netctx.Net
	forward    *netctx.Net
	bind       netaddr.Address
	pendingTTL time.Duration

	mu       sync.Mutex
	cancel   context.CancelFunc
	listener netctx.TCPListener
	wg       sync.WaitGroup
}

func NewServer(name string, listen, forward *netctx.Net, bind netaddr.Address, pendingTTL time.Duration) *Server {
	return &Server{name: name, listen: listen, forward: forward, bind: bind, pendingTTL: pendingTTL}
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return rderr.Other("rpcmux %q: already started", s.name)
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
			log.W("rpcmux %s: accept: %v", s.name, err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveSession(ctx, conn)
		}()
	}
}

// serveSession handshakes one outer connection and runs its yamux
// session until either endpoint closes the outer TCP or the handshake
// fails.
func (s *Server) serveSession(ctx context.Context, conn netctx.TCPConn) {
	defer conn.Close()
	adapted := netConnAdapter{conn}

	sessionID, err := serverHandshake(adapted)
	if err != nil {
		log.D("rpcmux %s: handshake: %v", s.name, err)
		return
	}

	sess, err := yamux.Server(adapted, yamux.DefaultConfig())
	if err != nil {
		log.W("rpcmux %s: yamux server: %v", s.name, err)
		return
	}
	defer sess.Close()

	pending := newPendingTable(defaultPendingCapacity, s.pendingTTL)
	reapCtx, cancelReap := context.WithCancel(ctx)
	defer cancelReap()
	go pending.reap(reapCtx)
	defer pending.closeAll()

	log.I("rpcmux %s: session %s established", s.name, sessionID)
	for {
		stream, err := sess.AcceptStream()
		if err != nil {
			log.D("rpcmux %s: session %s ended: %v", s.name, sessionID, err)
			return
		}
		go s.serveChannel(ctx, stream, pending)
	}
}

// serveChannel reads the one command frame a freshly opened channel
// carries and dispatches it.
func (s *Server) serveChannel(ctx context.Context, stream *yamux.Stream, pending *pendingTable) {
	var req request
	if err := readFrame(stream, &req); err != nil {
		log.D("rpcmux: read channel command: %v", err)
		stream.Close()
		return
	}
	switch req.Cmd {
	case cmdTCPConnect:
		s.handleConnect(ctx, stream, req)
	case cmdTCPBind:
		s.handleBind(ctx, stream, req, pending)
	case cmdTCPAccept:
		s.handleAccept(ctx, stream, req, pending)
	default:
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: "unknown command"})
		stream.Close()
	}
}

func (s *Server) handleConnect(ctx context.Context, stream *yamux.Stream, req request) {
	addr, err := netaddr.Parse(req.Addr)
	if err != nil {
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: err.Error()})
		stream.Close()
		return
	}
	reqCtx := netctx.New()
	outbound, err := s.forward.TCPConnect(reqCtx, addr)
	if err != nil {
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: err.Error()})
		stream.Close()
		return
	}
	if err := writeFrame(stream, response{SeqID: req.SeqID, OK: true}); err != nil {
		outbound.Close()
		stream.Close()
		return
	}
	var rep bridge.Reporter
	if bus := ctrl.Default(); bus != nil {
		conn := ctrl.NewTCP(bus, reqCtx, addr.String())
		defer conn.Close()
		rep = conn
	}
	bridge.ConnectTCP(ctx, streamConn{stream}, outbound, rep)
}

func (s *Server) handleBind(ctx context.Context, stream *yamux.Stream, req request, pending *pendingTable) {
	addr, err := netaddr.Parse(req.Addr)
	if err != nil {
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: err.Error()})
		stream.Close()
		return
	}
	listener, err := s.forward.TCPBind(netctx.New(), addr)
	if err != nil {
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: err.Error()})
		stream.Close()
		return
	}
	defer listener.Close()

	localAddr, err := listener.LocalAddr()
	if err != nil {
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: err.Error()})
		stream.Close()
		return
	}
	if err := writeFrame(stream, response{SeqID: req.SeqID, OK: true, Addr: localAddr.String()}); err != nil {
		stream.Close()
		return
	}

	for {
		conn, peer, err := listener.Accept(ctx)
		if err != nil {
			return
		}
		id, err := pending.put(conn, peer)
		if err != nil {
			log.W("rpcmux: %v", err)
			conn.Close()
			continue
		}
		if err := writeFrame(stream, acceptNotice{ID: id, Peer: peer.String()}); err != nil {
			return
		}
	}
}

func (s *Server) handleAccept(ctx context.Context, stream *yamux.Stream, req request, pending *pendingTable) {
	conn, ok := pending.take(req.ID)
	if !ok {
		writeFrame(stream, response{SeqID: req.SeqID, OK: false, Err: "id not found"})
		stream.Close()
		return
	}
	if err := writeFrame(stream, response{SeqID: req.SeqID, OK: true}); err != nil {
		conn.Close()
		stream.Close()
		return
	}
	bridge.ConnectTCP(ctx, streamConn{stream}, conn, nil)
}

type factory struct{}

func (factory) NewConfig() any { return &ServerConfig{} }

func (factory) Build(name string, listen, forward *netctx.Net, cfg any) (netgraph.Server, error) {
	c := cfg.(*ServerConfig)
	if c.Bind == "" {
		return nil, rderr.Other("rpcmux %q: bind is required", name)
	}
	bind, err := netaddr.Parse(c.Bind)
	if err != nil {
		return nil, rderr.Other("rpcmux %q: bad bind address: %v", name, err)
	}
	return NewServer(name, listen, forward, bind, time.Duration(c.PendingTTLSecs)*time.Second), nil
}
