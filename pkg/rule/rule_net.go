// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rule

import (
	"net"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

type entry struct {
	matcher Matcher
	target  *netctx.Net
}

// ruleNet is the built rule router: an ordered entry list plus the
// dispatch helper shared by all four capability calls. Rules are
// evaluated on every request, in declared order; first match wins.
type ruleNet struct {
	name    string
	entries []entry
}

func buildMatcher(c RuleEntryConfig) (Matcher, error) {
	switch c.Type {
	case "any":
		return anyMatcher{}, nil
	case "domain":
		return newDomainMatcher(c.Method, c.Value), nil
	case "ip_cidr":
		return newIPCIDRMatcher(c.CIDR)
	default:
		return nil, rderr.Other("rule: unknown matcher type %q", c.Type)
	}
}

func (r *ruleNet) dispatch(addr netaddr.Address, ctx *netctx.Context) (*netctx.Net, error) {
	mc := NewMatchContext(ctx, addr)
	for _, e := range r.entries {
		if e.matcher.Match(mc) {
			return e.target, nil
		}
	}
	return nil, rderr.NotMatched
}

func (r *ruleNet) toNet() *netctx.Net {
	return netctx.NewNet(r.name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			target, err := r.dispatch(addr, ctx)
			if err != nil {
				return nil, err
			}
			return target.TCPConnect(ctx, addr)
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			target, err := r.dispatch(addr, ctx)
			if err != nil {
				return nil, err
			}
			return target.TCPBind(ctx, addr)
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			target, err := r.dispatch(addr, ctx)
			if err != nil {
				return nil, err
			}
			return target.UDPBind(ctx, addr)
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			target, err := r.dispatch(addr, nil)
			if err != nil {
				return nil, err
			}
			return target.LookupHost(addr)
		}),
	)
}

type factory struct{}

func (factory) NewConfig() any { return &RuleNetConfig{} }

func (factory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*RuleNetConfig)
	if len(c.Rules) == 0 {
		return nil, rderr.Other("rule %q: rules is required", name)
	}
	entries := make([]entry, len(c.Rules))
	for i, rc := range c.Rules {
		m, err := buildMatcher(rc)
		if err != nil {
			return nil, rderr.Other("rule %q: entry %d: %v", name, i, err)
		}
		target := rc.Target.Net()
		if target == nil {
			return nil, rderr.Other("rule %q: entry %d: target not bound", name, i)
		}
		entries[i] = entry{matcher: m, target: target}
	}
	return (&ruleNet{name: name, entries: entries}).toNet(), nil
}

// Register adds the rule Net type to reg.
func Register(reg *netgraph.Registry) {
	reg.AddNetFactory("rule", factory{})
}
