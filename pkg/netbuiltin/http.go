// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"bufio"
	"context"
	"net"
	"net/http"

	"github.com/elazarl/goproxy"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// HTTPConfig is an HTTP CONNECT-only Net:
// tcp_connect issues a CONNECT request to the
// configured proxy over the inner Net and hands back the tunnel once
// the proxy answers 200; it is also the egress side of the mixed
// ingress's HTTP half.
type HTTPConfig struct {
	Net    netgraph.NetRef `json:"net"`
	Server string          `json:"server"`
}

type httpFactory struct{}

func (httpFactory) NewConfig() any { return &HTTPConfig{} }

func (httpFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*HTTPConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("http %q: net ref not bound", name)
	}
	serverAddr, err := netaddr.Parse(c.Server)
	if err != nil {
		return nil, rderr.Other("http %q: bad server address: %v", name, err)
	}

	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			conn, err := inner.TCPConnect(ctx, serverAddr)
			if err != nil {
				return nil, err
			}
			req, err := http.NewRequest(http.MethodConnect, "http://"+addr.String(), nil)
			if err != nil {
				conn.Close()
				return nil, rderr.Other("http %q: build CONNECT request: %v", name, err)
			}
			req.Host = addr.String()
			if err := req.Write(connWriter{conn}); err != nil {
				conn.Close()
				return nil, rderr.IO(rderr.KindOther, "http: write CONNECT", err)
			}
			resp, err := http.ReadResponse(bufio.NewReader(connReader{conn}), req)
			if err != nil {
				conn.Close()
				return nil, rderr.IO(rderr.KindOther, "http: read CONNECT response", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				conn.Close()
				return nil, rderr.Other("http %q: CONNECT refused: %s", name, resp.Status)
			}
			return conn, nil
		}),
	), nil
}

type connWriter struct{ c netctx.TCPConn }

func (w connWriter) Write(p []byte) (int, error) { return w.c.Write(p) }

type connReader struct{ c netctx.TCPConn }

func (r connReader) Read(p []byte) (int, error) { return r.c.Read(p) }

// ServeHTTPConnect runs goproxy as the HTTP half of the mixed
// ingress: every accepted connection whose first byte wasn't
// 0x05 is handed a pre-read net.Conn here, and goproxy's CONNECT
// handling dispatches the rest the same way a standalone HTTP proxy
// would, egressing through forward's tcp_connect.
func ServeHTTPConnect(conn net.Conn, forward *netctx.Net) {
	proxy := goproxy.NewProxyHttpServer()
	proxy.OnRequest().HandleConnectFunc(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		return goproxy.OkConnect, host
	})
	proxy.Tr = &http.Transport{
		DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
			a, err := netaddr.Parse(addr)
			if err != nil {
				return nil, err
			}
			tc, err := forward.TCPConnect(netctx.New(), a)
			if err != nil {
				return nil, err
			}
			return netConnAdapter{tc}, nil
		},
	}
	fakeListener := &singleConnListener{conn: conn}
	srv := &http.Server{Handler: proxy}
	_ = srv.Serve(fakeListener)
}

// singleConnListener hands back exactly one already-accepted net.Conn,
// then reports closed -- the standard trick for driving *http.Server
// (and by extension goproxy) over a connection this project's own
// mixed ingress already accepted, rather than letting it bind its own
// listener. Serve returns once the second Accept fails; a hijacked
// CONNECT tunnel keeps running on its own goroutine past that point.
type singleConnListener struct {
	conn net.Conn
	used bool
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	if l.used {
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.conn.LocalAddr() }

// registerHTTP adds http to reg.
func registerHTTP(reg *netgraph.Registry) {
	reg.AddNetFactory("http", httpFactory{})
}
