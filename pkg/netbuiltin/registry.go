// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import "github.com/celzero/rabbitdigger/pkg/netgraph"

// Register adds every always-available leaf Net type to reg: local,
// block, noop, tls, and the protocol egress wrappers (shadowsocks,
// trojan, dnscrypt, odoh, http).
func Register(reg *netgraph.Registry) {
	registerLocal(reg)
	reg.AddNetFactory("block", blockFactory{})
	reg.AddNetFactory("noop", noopFactory{})
	registerTLS(reg)
	registerShadowsocks(reg)
	registerTrojan(reg)
	registerDNSCrypt(reg)
	registerODoH(reg)
	registerHTTP(reg)
}
