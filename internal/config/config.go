// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads the top-level config document: the
// "net"/"server" maps consumed by pkg/netgraph.Build, plus an optional
// "import" list merged into the document before the graph is built.
package config

import (
	"encoding/json"
	"os"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// Import is one entry of the top-level "import" list:
// Format selects the merge strategy, Source is the file path the
// importer reads, Opt carries format-specific options verbatim.
type Import struct {
	Format string          `json:"format"`
	Source string          `json:"source"`
	Opt    json.RawMessage `json:"opt,omitempty"`
}

// Config is the decoded top-level document: {net, server, import?}.
type Config struct {
	Net    map[string]netgraph.RawNetConfig    `json:"net"`
	Server map[string]netgraph.RawServerConfig `json:"server"`
	Import []Import                            `json:"import,omitempty"`
}

// Load reads path, decodes it, and applies every import in order.
// Import processing happens before the caller ever sees the net/server
// maps.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, rderr.IO(rderr.KindOther, "config: read "+path, err)
	}
	return Parse(b)
}

// Parse decodes a config document already in memory and applies its
// imports. Split out from Load so tests can exercise import merging
// without touching the filesystem.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, rderr.Other("config: decode: %v", err)
	}
	if c.Net == nil {
		c.Net = map[string]netgraph.RawNetConfig{}
	}
	if c.Server == nil {
		c.Server = map[string]netgraph.RawServerConfig{}
	}
	for _, imp := range c.Import {
		if err := apply(&c, imp); err != nil {
			return nil, rderr.Other("config: import %q (%s): %v", imp.Source, imp.Format, err)
		}
	}
	return &c, nil
}

// apply runs the importer named by imp.Format.
// "merge" deep-merges a second config document's net/server maps
// into c (later, i.e. the import's own entries, win per key); "clash"
// has no parser here and is stubbed with a clear error rather
// than silently doing nothing.
func apply(c *Config, imp Import) error {
	switch imp.Format {
	case "merge":
		return applyMerge(c, imp)
	case "clash":
		return rderr.Other("clash import not supported")
	default:
		return rderr.Other("unknown import format %q", imp.Format)
	}
}

func applyMerge(c *Config, imp Import) error {
	b, err := os.ReadFile(imp.Source)
	if err != nil {
		return rderr.IO(rderr.KindOther, "config: import read "+imp.Source, err)
	}
	var other Config
	if err := json.Unmarshal(b, &other); err != nil {
		return rderr.Other("decode: %v", err)
	}
	for name, n := range other.Net {
		c.Net[name] = n
	}
	for name, s := range other.Server {
		c.Server[name] = s
	}
	return nil
}
