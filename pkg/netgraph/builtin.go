// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netgraph

import (
	"net"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// AliasConfig names a single inner Net this alias delegates to.
type AliasConfig struct {
	Net NetRef `json:"net"`
}

type aliasFactory struct{}

func (aliasFactory) NewConfig() any { return &AliasConfig{} }

// Build delegates all four capabilities to a single inner Net -- pure
// routing, no observable behavior beyond it.
func (aliasFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*AliasConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("alias %q: net ref not bound", name)
	}
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return inner.TCPConnect(ctx, addr)
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			return inner.TCPBind(ctx, addr)
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return inner.UDPBind(ctx, addr)
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			return inner.LookupHost(addr)
		}),
	), nil
}

// CombineConfig holds four independently named Nets, one per
// capability; any of the four may be left pointing at a Net that
// doesn't implement that capability, in which case it fails with
// ErrNotImplemented the normal way.
type CombineConfig struct {
	TCPConnect NetRef `json:"tcp_connect"`
	TCPBind    NetRef `json:"tcp_bind"`
	UDPBind    NetRef `json:"udp_bind"`
	LookupHost NetRef `json:"lookup_host"`
}

type combineFactory struct{}

func (combineFactory) NewConfig() any { return &CombineConfig{} }

func (combineFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*CombineConfig)
	var opts []netctx.NetOption
	if n := c.TCPConnect.Net(); n != nil {
		opts = append(opts, netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return n.TCPConnect(ctx, addr)
		}))
	}
	if n := c.TCPBind.Net(); n != nil {
		opts = append(opts, netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			return n.TCPBind(ctx, addr)
		}))
	}
	if n := c.UDPBind.Net(); n != nil {
		opts = append(opts, netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return n.UDPBind(ctx, addr)
		}))
	}
	if n := c.LookupHost.Net(); n != nil {
		opts = append(opts, netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			return n.LookupHost(addr)
		}))
	}
	return netctx.NewNet(name, opts...), nil
}

// SelectConfig lists the candidate Nets a `select` instance dispatches
// across.
type SelectConfig struct {
	NetList []NetRef `json:"net_list"`
}

type selectFactory struct{}

func (selectFactory) NewConfig() any { return &SelectConfig{} }

// Build reads the selection key from ctx.SelectKey (set via
// netctx.Context.SetSelectKey by whatever ingress or rule hop knows
// which candidate to pick) and falls back to index 0 when no key was
// set or the key names no candidate, so a config with a single entry
// keeps working unchanged. lookup_host gets no Context and always uses
// index 0.
func (selectFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*SelectConfig)
	if len(c.NetList) == 0 {
		return nil, rderr.Other("select %q: net_list is required", name)
	}
	nets := make([]*netctx.Net, len(c.NetList))
	byName := make(map[string]*netctx.Net, len(c.NetList))
	for i, r := range c.NetList {
		n := r.Net()
		if n == nil {
			return nil, rderr.Other("select %q: net_list[%d] not bound", name, i)
		}
		nets[i] = n
		byName[r.Name] = n
	}
	pick := func(ctx *netctx.Context) *netctx.Net {
		if ctx != nil {
			if key, ok := ctx.SelectKey(); ok {
				if n, ok := byName[key]; ok {
					return n
				}
			}
		}
		return nets[0]
	}
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return pick(ctx).TCPConnect(ctx, addr)
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			return pick(ctx).TCPBind(ctx, addr)
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return pick(ctx).UDPBind(ctx, addr)
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			return nets[0].LookupHost(addr)
		}),
	), nil
}

// RegisterBuiltins adds alias, combine, and select to reg. Call this
// before Build if the config may reference them.
func RegisterBuiltins(reg *Registry) {
	reg.AddNetFactory("alias", aliasFactory{})
	reg.AddNetFactory("combine", combineFactory{})
	reg.AddNetFactory("select", selectFactory{})
}
