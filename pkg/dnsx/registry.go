// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsx

import (
	"time"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// SnifferNetConfig is the dns_sniffer Net's options: a single wrapped
// NetRef plus cache sizing knobs.
type SnifferNetConfig struct {
	Net           netgraph.NetRef `json:"net"`
	CacheCapacity int             `json:"cache_capacity,omitempty"`
	CacheTTLSecs  int             `json:"cache_ttl_secs,omitempty"`
}

type snifferFactory struct{}

func (snifferFactory) NewConfig() any { return &SnifferNetConfig{} }

func (snifferFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*SnifferNetConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("dns_sniffer %q: net ref not bound", name)
	}
	snifferCfg := SnifferConfig{CacheCapacity: c.CacheCapacity}
	if c.CacheTTLSecs > 0 {
		snifferCfg.CacheTTL = time.Duration(c.CacheTTLSecs) * time.Second
	}
	return NewSniffer(name, inner, snifferCfg).ToNet(), nil
}

// ResolverNetConfig is the dns (active resolver) Net's options.
type ResolverNetConfig struct {
	Net netgraph.NetRef `json:"net"`
}

type resolverFactory struct{}

func (resolverFactory) NewConfig() any { return &ResolverNetConfig{} }

func (resolverFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*ResolverNetConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("dns %q: net ref not bound", name)
	}
	return NewResolver(name, inner).ToNet(), nil
}

// Register adds dns_sniffer (passive) and dns (active resolver) to
// reg.
func Register(reg *netgraph.Registry) {
	reg.AddNetFactory("dns_sniffer", snifferFactory{})
	reg.AddNetFactory("dns", resolverFactory{})
}
