// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netctx carries the request-scoped Context that rides along a
// chain of Nets, and the four-capability contract every proxy
// transport implements.
package netctx

import (
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
)

// well-known context keys.
type key int

const (
	keySourceAddress key = iota
	keyDestSocketAddr
	keyDestDomain
	keySelect
)

// DestDomain is the (domain, port) pair the dnsx sniffer and the rule
// router read back out of a Context.
type DestDomain struct {
	Domain string
	Port   int
}

// Context is the per-request key/value bag. It is created
// once per ingress accept, passed by exclusive reference down the Net
// chain, and dropped when the request terminates. Never shared across
// requests: a Context clone is a new request.
type Context struct {
	mu      sync.Mutex
	id      uuid.UUID
	values  map[key]any
	netPath []string
}

// New creates a fresh per-request Context with a new UUID.
func New() *Context {
	return &Context{
		id:     uuid.New(),
		values: make(map[key]any, 4),
	}
}

// ID is the connection UUID.
func (c *Context) ID() uuid.UUID { return c.id }

// Clone produces an independent Context carrying the same values but a
// fresh net_path and a new UUID; used when a Net must fan a single
// inbound request into more than one downstream request (never used by
// the hard core itself, but kept for composite Nets built on top).
func (c *Context) Clone() *Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := New()
	for k, v := range c.values {
		cp.values[k] = v
	}
	return cp
}

// SetSourceAddress records the inbound client's address.
func (c *Context) SetSourceAddress(a netaddr.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[keySourceAddress] = a
}

// SourceAddress returns the inbound client's address, if set.
func (c *Context) SourceAddress() (netaddr.Address, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[keySourceAddress].(netaddr.Address)
	return v, ok
}

// SetDestSocketAddr records a numeric destination discovered mid-chain
// (e.g. after resolving a domain once so later hops don't re-resolve).
func (c *Context) SetDestSocketAddr(a net.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[keyDestSocketAddr] = a
}

func (c *Context) DestSocketAddr() (net.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[keyDestSocketAddr].(net.Addr)
	return v, ok
}

// SetDestDomain injects a hostname discovered out-of-band (the dnsx
// sniffer attaches this after a reverse IP lookup).
func (c *Context) SetDestDomain(d DestDomain) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[keyDestDomain] = d
}

func (c *Context) DestDomain() (DestDomain, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[keyDestDomain].(DestDomain)
	return v, ok
}

// SetSelectKey sets the key a `select` Net reads to decide which child
// to dispatch to.
func (c *Context) SetSelectKey(k string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[keySelect] = k
}

func (c *Context) SelectKey() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[keySelect].(string)
	return v, ok
}

// AppendNetPath records that the request traversed the named Net. Any
// hop may call this; order is preserved.
func (c *Context) AppendNetPath(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netPath = append(c.netPath, name)
}

// NetPath returns a copy of the ordered list of Nets this request has
// traversed so far.
func (c *Context) NetPath() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.netPath))
	copy(out, c.netPath)
	return out
}

// ErrNotImplemented is returned by a Net capability slot that was left
// empty; re-exported here for convenience since every Net method
// returns it routinely.
var ErrNotImplemented = rderr.NotImplemented
