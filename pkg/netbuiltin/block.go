// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"net"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// BlockConfig has no options: block always registers a Net whose four
// capabilities deliberately refuse every request. Unlike a Net that
// simply never filled in a slot, block's refusal is a policy decision,
// so it returns rderr.Other rather than the capability-absent
// ErrNotImplemented.
type BlockConfig struct{}

type blockFactory struct{}

func (blockFactory) NewConfig() any { return &BlockConfig{} }

func (blockFactory) Build(name string, cfg any) (*netctx.Net, error) {
	refused := func() error { return rderr.Other("block: connection refused by policy") }
	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			return nil, refused()
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			return nil, refused()
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			return nil, refused()
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			return nil, refused()
		}),
	), nil
}
