// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"context"
	"net"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// NoopConfig has no options. noop's tcp_connect hands back a
// connection that discards every write and never yields a read;
// udp_bind behaves the same way. Used where a config needs "a Net that
// exists but does nothing" rather than an absent capability.
type NoopConfig struct{}

type noopFactory struct{}

func (noopFactory) NewConfig() any { return &NoopConfig{} }

func (noopFactory) Build(name string, cfg any) (*netctx.Net, error) {
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return &noopConn{}, nil
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return &noopUDPConn{}, nil
		}),
	), nil
}

type noopConn struct{}

func (noopConn) Read([]byte) (int, error)         { select {} }
func (noopConn) Write(p []byte) (int, error)       { return len(p), nil }
func (noopConn) Close() error                      { return nil }
func (noopConn) CloseRead() error                  { return nil }
func (noopConn) CloseWrite() error                 { return nil }
func (noopConn) PeerAddr() (net.Addr, error)       { return nil, netctx.ErrNotImplemented }
func (noopConn) LocalAddr() (net.Addr, error)      { return nil, netctx.ErrNotImplemented }

type noopUDPConn struct{}

func (noopUDPConn) RecvFrom([]byte) (int, net.Addr, error) { select {} }
func (noopUDPConn) SendTo(buf []byte, _ netaddr.Address) (int, error) {
	return len(buf), nil
}
func (noopUDPConn) LocalAddr() (net.Addr, error) { return nil, netctx.ErrNotImplemented }
func (noopUDPConn) Close() error                 { return nil }

// SpawnEchoServer binds addr on listenNet and echoes every byte it
// reads back to its writer, for both TCP and UDP, until ctx is
// cancelled or the returned stop func runs. The ingress and bridge
// tests build their round trips against it.
func SpawnEchoServer(ctx context.Context, listenNet *netctx.Net, addr netaddr.Address) (func(), error) {
	tcpLn, tcpErr := listenNet.TCPBind(netctx.New(), addr)
	udpConn, udpErr := listenNet.UDPBind(netctx.New(), addr)
	if tcpErr != nil && udpErr != nil {
		return nil, tcpErr
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := func() {
		cancel()
		if tcpLn != nil {
			tcpLn.Close()
		}
		if udpConn != nil {
			udpConn.Close()
		}
	}

	if tcpLn != nil {
		go echoAcceptLoop(runCtx, tcpLn)
	}
	if udpConn != nil {
		go echoUDPLoop(runCtx, udpConn)
	}
	return stop, nil
}

func echoAcceptLoop(ctx context.Context, ln netctx.TCPListener) {
	for {
		conn, _, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.D("netbuiltin: echo: accept: %v", err)
			return
		}
		go func() {
			defer conn.Close()
			buf := make([]byte, 32*1024)
			for {
				n, err := conn.Read(buf)
				if n > 0 {
					if _, werr := conn.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

func echoUDPLoop(ctx context.Context, conn netctx.UDPConn) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, from, err := conn.RecvFrom(buf)
		if err != nil {
			return
		}
		peer, perr := netaddr.FromNetAddr(from)
		if perr != nil {
			continue
		}
		if _, err := conn.SendTo(buf[:n], peer); err != nil {
			log.D("netbuiltin: echo: udp send: %v", err)
		}
	}
}
