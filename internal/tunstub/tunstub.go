// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package tunstub is the thin stand-in for tun-device ingress, which
// this engine does not implement. It exists only so a config naming
// ServerConfig{type:"tun"} fails with a documented, named error at
// graph-build time instead of the registry simply not recognizing the
// type -- "deliberately unimplemented" and "no such server type" are
// different answers for a config author.
package tunstub

import (
	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// Config mirrors the shape a real tun ingress would need (device name,
// MTU) so the stub's json tags document the intended
// surface even though Build never uses them.
type Config struct {
	Device string `json:"device,omitempty"`
	MTU    int    `json:"mtu,omitempty"`
}

type factory struct{}

func (factory) NewConfig() any { return &Config{} }

// Build always fails: tun ingress requires a userspace network stack
// plus OS-level tun device I/O, neither of which this engine ships.
// The error names exactly what's missing rather than "unknown server
// type", so a config author sees this was a deliberate omission.
func (factory) Build(name string, listen, forward *netctx.Net, cfg any) (netgraph.Server, error) {
	return nil, rderr.Other("server %q: type \"tun\" is a stub -- tun ingress is not implemented in this engine", name)
}

// Register adds the "tun" server type to reg as a documented stub.
func Register(reg *netgraph.Registry) {
	reg.AddServerFactory("tun", factory{})
}
