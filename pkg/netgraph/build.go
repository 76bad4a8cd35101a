// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netgraph

import (
	"encoding/json"
	"reflect"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

var netRefType = reflect.TypeOf(NetRef{})

// collectRefs walks cfg (a pointer to a config struct) recursively
// through structs, pointers, and slices -- its "declared option type
// introspection" -- and returns every *NetRef it finds, in struct
// field order. Map values are not walked: no net-typed config in this
// project nests NetRefs inside a map.
func collectRefs(cfg any) []*NetRef {
	var refs []*NetRef
	var walk func(v reflect.Value)
	walk = func(v reflect.Value) {
		if !v.IsValid() {
			return
		}
		switch v.Kind() {
		case reflect.Pointer:
			if v.IsNil() {
				return
			}
			walk(v.Elem())
		case reflect.Struct:
			if v.Type() == netRefType && v.CanAddr() {
				refs = append(refs, v.Addr().Interface().(*NetRef))
				return
			}
			for i := 0; i < v.NumField(); i++ {
				f := v.Field(i)
				if !v.Type().Field(i).IsExported() {
					continue
				}
				walk(f)
			}
		case reflect.Slice, reflect.Array:
			for i := 0; i < v.Len(); i++ {
				walk(v.Index(i))
			}
		}
	}
	walk(reflect.ValueOf(cfg))
	return refs
}

func bindRefs(refs []*NetRef, resolved map[string]*netctx.Net) error {
	for _, r := range refs {
		if r.Name == "" {
			continue
		}
		n, ok := resolved[r.Name]
		if !ok {
			return rderr.Other("netref %q: no such net", r.Name)
		}
		r.bind(n)
	}
	return nil
}

type pendingNet struct {
	name string
	raw  RawNetConfig
	cfg  any
	refs []string
}

// Build collects NetRef edges, topologically sorts them, instantiates
// every Net in order, then builds every Server. Returns the built net
// map and server list, or the first fatal error (unknown type, cycle,
// or a factory's own error -- all of which are fatal to engine
// startup).
func Build(reg *Registry, nets map[string]RawNetConfig, servers map[string]RawServerConfig) (map[string]*netctx.Net, map[string]Server, error) {
	pending := make(map[string]*pendingNet, len(nets))

	for name, raw := range nets {
		factory, err := reg.netFactory(raw.Type)
		if err != nil {
			return nil, nil, err
		}
		cfg := factory.NewConfig()
		if len(raw.Options) > 0 {
			if err := json.Unmarshal(raw.Options, cfg); err != nil {
				return nil, nil, rderr.Other("net %q: decode config: %v", name, err)
			}
		}
		var refNames []string
		for _, r := range collectRefs(cfg) {
			if r.Name != "" {
				refNames = append(refNames, r.Name)
			}
		}
		pending[name] = &pendingNet{name: name, raw: raw, cfg: cfg, refs: refNames}
	}

	order, err := topoSort(pending)
	if err != nil {
		return nil, nil, err
	}

	resolved := make(map[string]*netctx.Net, len(pending))
	for _, name := range order {
		p := pending[name]
		factory, err := reg.netFactory(p.raw.Type)
		if err != nil {
			return nil, nil, err
		}
		if err := bindRefs(collectRefs(p.cfg), resolved); err != nil {
			return nil, nil, rderr.Other("net %q: %v", name, err)
		}
		built, err := factory.Build(name, p.cfg)
		if err != nil {
			return nil, nil, rderr.Other("net %q (%s): %v", name, p.raw.Type, err)
		}
		resolved[name] = built
		log.I("netgraph: built net %q (%s)", name, p.raw.Type)
	}

	builtServers := make(map[string]Server, len(servers))
	for name, raw := range servers {
		factory, err := reg.serverFactory(raw.Type)
		if err != nil {
			return nil, nil, err
		}
		listen, ok := resolved[raw.Listen]
		if !ok {
			return nil, nil, rderr.Other("server %q: listen net %q not found", name, raw.Listen)
		}
		forward, ok := resolved[raw.Net]
		if !ok {
			return nil, nil, rderr.Other("server %q: net %q not found", name, raw.Net)
		}
		cfg := factory.NewConfig()
		if len(raw.Options) > 0 {
			if err := json.Unmarshal(raw.Options, cfg); err != nil {
				return nil, nil, rderr.Other("server %q: decode config: %v", name, err)
			}
		}
		srv, err := factory.Build(name, listen, forward, cfg)
		if err != nil {
			return nil, nil, rderr.Other("server %q (%s): %v", name, raw.Type, err)
		}
		builtServers[name] = srv
		log.I("netgraph: built server %q (%s)", name, raw.Type)
	}

	return resolved, builtServers, nil
}

// topoSort orders pending nets so every dependency appears before its
// dependents, reporting a CycleError -- not a
// build-time panic or first-use deadlock -- if the graph has a cycle.
func topoSort(pending map[string]*pendingNet) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(pending))
	var order []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return &rderr.CycleError{Path: append(append([]string{}, path...), name)}
		}
		color[name] = gray
		path = append(path, name)

		if p, ok := pending[name]; ok {
			for _, dep := range p.refs {
				if _, ok := pending[dep]; !ok {
					// dep not a net config; treat unresolvable refs as a
					// build-time error surfaced later during bindRefs,
					// not a cycle -- skip here.
					continue
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		order = append(order, name)
		return nil
	}

	for name := range pending {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
