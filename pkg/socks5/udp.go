// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package socks5

import (
	"github.com/celzero/rabbitdigger/pkg/bridge"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

const maxUDPDatagram = 64 * 1024

// udpSource adapts a socks5 UDP ASSOCIATE socket to bridge.Source: it
// unwraps the SOCKS5 UDP header on receive and re-wraps it on send,
// letting bridge.ForwardUDP own the actual NAT table and back-channel
// plumbing instead of duplicating it here.
type udpSource struct {
	conn netctx.UDPConn
}

func (s *udpSource) Recv() (bridge.Packet, error) {
	buf := make([]byte, maxUDPDatagram)
	n, from, err := s.conn.RecvFrom(buf)
	if err != nil {
		return bridge.Packet{}, err
	}
	addr, payload, err := decodeUDPDatagram(buf[:n])
	if err != nil {
		return bridge.Packet{}, err
	}
	return bridge.Packet{From: from, To: addr, Data: append([]byte(nil), payload...)}, nil
}

func (s *udpSource) Send(p bridge.Packet) error {
	origin, err := netaddr.FromNetAddr(p.From)
	if err != nil {
		return err
	}
	framed, err := encodeUDPDatagram(origin, p.Data)
	if err != nil {
		return err
	}
	_, err = s.conn.SendTo(framed, p.To)
	return err
}
