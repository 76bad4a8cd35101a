// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ctrl

import (
	"net/netip"

	"github.com/google/uuid"

	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// Connection is generated per accepted stream/udp-association (section
// 4.I's Connection glossary entry): a UUID, the Context, and a handle
// to the bus it reports to. It implements bridge.Reporter so it can be
// passed directly as the rep argument to bridge.ConnectTCP. It also
// exposes UDP-specific reporters (UDPInbound/UDPOutbound); nothing in
// this module calls them, since bridge.ForwardUDP takes no reporter.
type Connection struct {
	id   uuid.UUID
	bus  *Bus
	addr string
}

// NewTCP registers a new TCP connection with the bus and returns a
// Connection that reports its byte counters and eventual close.
func NewTCP(bus *Bus, ctx *netctx.Context, addr string) *Connection {
	c := &Connection{id: ctx.ID(), bus: bus, addr: addr}
	bus.Publish(Event{Kind: EventNewTCP, ID: c.id, Addr: addr, Ctx: ctx})
	return c
}

// NewUDP registers a new UDP association.
func NewUDP(bus *Bus, ctx *netctx.Context, addr string) *Connection {
	c := &Connection{id: ctx.ID(), bus: bus, addr: addr}
	bus.Publish(Event{Kind: EventNewUDP, ID: c.id, Addr: addr, Ctx: ctx})
	return c
}

// Inbound implements bridge.Reporter: bytes read from the downstream
// side and written to the client.
func (c *Connection) Inbound(n int64) {
	if n <= 0 {
		return
	}
	c.bus.Publish(Event{Kind: EventInbound, ID: c.id, N: n})
}

// Outbound implements bridge.Reporter: bytes read from the client and
// written downstream.
func (c *Connection) Outbound(n int64) {
	if n <= 0 {
		return
	}
	c.bus.Publish(Event{Kind: EventOutbound, ID: c.id, N: n})
}

// UDPInbound reports a datagram received from peer and delivered back
// to the NAT entry's original source.
func (c *Connection) UDPInbound(peer netip.AddrPort, n int64) {
	if n <= 0 {
		return
	}
	c.bus.Publish(Event{Kind: EventUDPInbound, ID: c.id, N: n, UDPAddr: peer})
}

// UDPOutbound reports a datagram sent to peer on behalf of the NAT
// entry's source.
func (c *Connection) UDPOutbound(peer netip.AddrPort, n int64) {
	if n <= 0 {
		return
	}
	c.bus.Publish(Event{Kind: EventUDPOutbound, ID: c.id, N: n, UDPAddr: peer})
}

// Close emits the close event once the two copy directions have both
// finished. Safe to call more than once; only the first call has any
// effect on the registry, and duplicate close events are harmless for
// subscribers since they key off ID.
func (c *Connection) Close() {
	c.bus.Publish(Event{Kind: EventClose, ID: c.id})
}

// ID returns the connection's UUID, the same one its Context carries.
func (c *Connection) ID() uuid.UUID { return c.id }
