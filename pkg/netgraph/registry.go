// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package netgraph is the Net/Server registry and the dependency-
// resolved graph builder: config names a DAG of Nets referencing each
// other by name, and Build instantiates them in dependency order.
package netgraph

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// NetFactory builds one Net instance from its typed config. NewConfig
// returns a pointer to a zero-valued config struct suitable for
// json.Unmarshal; Build is invoked after the builder has resolved and
// bound every NetRef field reachable from that struct.
type NetFactory interface {
	NewConfig() any
	Build(name string, cfg any) (*netctx.Net, error)
}

// Server is an ingress loop: binds via its listen-Net, dispatches each
// accepted client through its forwarding-Net.
type Server interface {
	Start() error
	Stop() error
}

// ServerFactory builds one Server. listen and net are already-resolved
// handles (a Server's listen/net refs are always present, unlike a
// Net's which are introspected per-type).
type ServerFactory interface {
	NewConfig() any
	Build(name string, listen, forward *netctx.Net, cfg any) (Server, error)
}

// Registry is the process-wide name->factory mapping:
// populated once at startup, read-only thereafter.
type Registry struct {
	mu      sync.RWMutex
	nets    map[string]NetFactory
	servers map[string]ServerFactory
}

// NewRegistry returns an empty registry. Built-in Nets are not
// registered automatically here (alias, combine and select come from
// RegisterBuiltins; local, block, noop and the other leaf Nets from
// netbuiltin.Register), so tests can build a minimal registry.
func NewRegistry() *Registry {
	return &Registry{
		nets:    make(map[string]NetFactory),
		servers: make(map[string]ServerFactory),
	}
}

func (r *Registry) AddNetFactory(typ string, f NetFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nets[typ] = f
	log.I("netgraph: registered net type %q", typ)
}

func (r *Registry) AddServerFactory(typ string, f ServerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[typ] = f
	log.I("netgraph: registered server type %q", typ)
}

func (r *Registry) netFactory(typ string) (NetFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.nets[typ]
	if !ok {
		return nil, rderr.Other("no net factory registered for type %q", typ)
	}
	return f, nil
}

func (r *Registry) serverFactory(typ string) (ServerFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.servers[typ]
	if !ok {
		return nil, rderr.Other("no server factory registered for type %q", typ)
	}
	return f, nil
}

// RawNetConfig is one entry of the top-level "net" map:
// {type, ...opaque options decoded per-type}.
type RawNetConfig struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"-"`
}

func (c *RawNetConfig) UnmarshalJSON(b []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	c.Type = head.Type
	c.Options = append(json.RawMessage(nil), b...)
	return nil
}

// RawServerConfig is one entry of the top-level "server" map.
type RawServerConfig struct {
	Type    string          `json:"type"`
	Listen  string          `json:"listen"`
	Net     string          `json:"net"`
	Options json.RawMessage `json:"-"`
}

func (c *RawServerConfig) UnmarshalJSON(b []byte) error {
	var head struct {
		Type   string `json:"type"`
		Listen string `json:"listen"`
		Net    string `json:"net"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return err
	}
	c.Type, c.Listen, c.Net = head.Type, head.Listen, head.Net
	c.Options = append(json.RawMessage(nil), b...)
	return nil
}

func (c RawNetConfig) String() string {
	return fmt.Sprintf("net{type=%s}", c.Type)
}
