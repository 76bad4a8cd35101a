// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"encoding/binary"

	"github.com/imgk/caddy-trojan/trojan"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// TrojanConfig is a thin client Net for the trojan protocol, keyed the
// way imgk/caddy-trojan's server expects: the request preamble carries
// hex(sha224(password)) as minted by trojan.GenKey, followed by the
// CONNECT command and a SOCKS5-shaped destination. The password hashing
// and header length stay pinned to the library's constants so this
// client stays wire-compatible with its listener.
type TrojanConfig struct {
	Net      netgraph.NetRef `json:"net"`
	Server   string          `json:"server"`
	Password string          `json:"password"`
}

type trojanFactory struct{}

func (trojanFactory) NewConfig() any { return &TrojanConfig{} }

func (trojanFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*TrojanConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("trojan %q: net ref not bound", name)
	}
	serverAddr, err := netaddr.Parse(c.Server)
	if err != nil {
		return nil, rderr.Other("trojan %q: bad server address: %v", name, err)
	}
	key := make([]byte, trojan.HeaderLen)
	trojan.GenKey(c.Password, key)

	return netctx.NewNet(name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			conn, err := inner.TCPConnect(ctx, serverAddr)
			if err != nil {
				return nil, err
			}
			header, err := trojanHeader(key, trojan.CmdConnect, addr)
			if err != nil {
				conn.Close()
				return nil, err
			}
			if _, err := conn.Write(header); err != nil {
				conn.Close()
				return nil, rderr.IO(rderr.KindOther, "trojan: write header", err)
			}
			return conn, nil
		}),
	), nil
}

// trojanHeader is the request preamble the caddy-trojan listener
// validates: key, CRLF, command, SOCKS5 ATYP/ADDR/PORT, CRLF.
func trojanHeader(key []byte, cmd byte, addr netaddr.Address) ([]byte, error) {
	out := make([]byte, 0, trojan.HeaderLen+2+1+1+255+2+2)
	out = append(out, key...)
	out = append(out, '\r', '\n')
	out = append(out, cmd)
	if domain, port, ok := addr.Domain(); ok {
		if len(domain) > 255 {
			return nil, rderr.IO(rderr.KindInvalidData, "trojan: domain too long", nil)
		}
		out = append(out, 0x03, byte(len(domain)))
		out = append(out, domain...)
		out = binary.BigEndian.AppendUint16(out, uint16(port))
	} else {
		ip, _ := addr.IP()
		if ip.Is4() {
			a4 := ip.As4()
			out = append(out, 0x01)
			out = append(out, a4[:]...)
		} else {
			a16 := ip.As16()
			out = append(out, 0x04)
			out = append(out, a16[:]...)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(addr.Port()))
	}
	out = append(out, '\r', '\n')
	return out, nil
}

// registerTrojan adds trojan to reg.
func registerTrojan(reg *netgraph.Registry) {
	reg.AddNetFactory("trojan", trojanFactory{})
}
