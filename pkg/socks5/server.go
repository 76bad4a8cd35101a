// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"context"
	"net/netip"
	"sync"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/bridge"
	"github.com/celzero/rabbitdigger/pkg/ctrl"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// ServerConfig is the socks5 Server's options: the address to bind on
// the listen Net.
type ServerConfig struct {
	Bind string `json:"bind"`
}

// Server is the SOCKS5 ingress: binds on
// Listen, and for each accepted connection runs the greeting/request
// handshake before dispatching CONNECT via bridge.ConnectTCP or
// UDP_ASSOCIATE via bridge.ForwardUDP. Stop cancels the accept loop
// and waits for in-flight handlers.
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
		return rderr.Other("socks5 %q: already started", s.name)
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
			log.W("socks5 %s: accept: %v", s.name, err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := ServeConn(ctx, conn, s.listen, s.forward); err != nil {
				log.D("socks5 %s: connection ended: %v", s.name, err)
			}
		}()
	}
}

// ServeConn runs the greeting/request handshake and dispatch
// on an already-accepted connection, egressing CONNECT/
// UDP_ASSOCIATE through forward and binding the UDP relay socket on
// listen. Exported so the mixed HTTP+SOCKS5 ingress can
// hand it a connection whose first byte it already peeked, reusing
// this handler instead of duplicating it.
func ServeConn(ctx context.Context, conn netctx.TCPConn, listen, forward *netctx.Net) error {
	defer conn.Close()

	methods, err := readGreeting(conn)
	if err != nil {
		return err
	}
	method := chooseMethod(methods)
	if err := writeMethodSelection(conn, method); err != nil {
		return err
	}
	if method == methodNoAcceptable {
		return invalidData("socks5: no acceptable auth method")
	}

	cmd, addr, err := readRequest(conn)
	if err != nil {
		return err
	}

	reqCtx := netctx.New()
	if sa, err := addr.ToTCPAddr(); err == nil {
		reqCtx.SetDestSocketAddr(sa)
	}

	switch cmd {
	case cmdConnect:
		return handleConnect(ctx, reqCtx, conn, forward, addr)
	case cmdUDPAssociate:
		return handleUDPAssociate(ctx, reqCtx, conn, listen, forward)
	default:
		writeReply(conn, repCmdNotSupport, netaddr.Address{})
		return invalidData("socks5: unsupported command")
	}
}

func handleConnect(ctx context.Context, reqCtx *netctx.Context, client netctx.TCPConn, forward *netctx.Net, addr netaddr.Address) error {
	outbound, err := forward.TCPConnect(reqCtx, addr)
	if err != nil {
		writeReply(client, repGeneralFail, netaddr.Address{})
		return err
	}
	defer outbound.Close()

	localAddr, err := outbound.LocalAddr()
	var bindAddr netaddr.Address
	if err == nil {
		bindAddr, _ = netaddr.FromNetAddr(localAddr)
	}
	if err := writeReply(client, repSuccess, bindAddr); err != nil {
		return err
	}
	var rep bridge.Reporter
	if bus := ctrl.Default(); bus != nil {
		conn := ctrl.NewTCP(bus, reqCtx, addr.String())
		defer conn.Close()
		rep = conn
	}
	return bridge.ConnectTCP(ctx, client, outbound, rep)
}

func handleUDPAssociate(ctx context.Context, reqCtx *netctx.Context, client netctx.TCPConn, listen, forward *netctx.Net) error {
	anyAddr, _ := netaddr.FromIP(netip.MustParseAddr("0.0.0.0"), 0)
	udpConn, err := listen.UDPBind(reqCtx, anyAddr)
	if err != nil {
		writeReply(client, repGeneralFail, netaddr.Address{})
		return err
	}
	defer udpConn.Close()

	localAddr, err := udpConn.LocalAddr()
	var bindAddr netaddr.Address
	if err == nil {
		bindAddr, _ = netaddr.FromNetAddr(localAddr)
	}
	if err := writeReply(client, repSuccess, bindAddr); err != nil {
		return err
	}
	if bus := ctrl.Default(); bus != nil {
		conn := ctrl.NewUDP(bus, reqCtx, bindAddr.String())
		defer conn.Close()
	}

	fwdCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	src := &udpSource{conn: udpConn}
	done := make(chan error, 1)
	go func() { done <- bridge.ForwardUDP(fwdCtx, src, forward, bridge.Options{}) }()

	// The control connection's lifetime gates the association: when it
	// closes, the relay socket closes with it. A read that returns
	// means the peer closed or sent unexpected data on a connection
	// that should otherwise stay idle.
	// Closing the relay socket unblocks ForwardUDP's Recv so it can
	// drain out before we return.
	buf := make([]byte, 1)
	_, _ = client.Read(buf)
	cancel()
	udpConn.Close()
	<-done
	return nil
}

type factory struct{}

func (factory) NewConfig() any { return &ServerConfig{} }

func (factory) Build(name string, listen, forward *netctx.Net, cfg any) (netgraph.Server, error) {
	c := cfg.(*ServerConfig)
	if c.Bind == "" {
		return nil, rderr.Other("socks5 %q: bind is required", name)
	}
	bind, err := netaddr.Parse(c.Bind)
	if err != nil {
		return nil, rderr.Other("socks5 %q: bad bind address: %v", name, err)
	}
	return NewServer(name, listen, forward, bind), nil
}

// Register adds both the socks5 client Net type and the socks5 server
// type to reg. The client mirrors the server's handshake in reverse:
// CONNECT on tcp_connect, UDP ASSOCIATE on udp_bind.
func Register(reg *netgraph.Registry) {
	reg.AddNetFactory("socks5", clientFactory{})
	reg.AddServerFactory("socks5", factory{})
}
