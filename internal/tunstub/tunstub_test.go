// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package tunstub

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// dummyFactory satisfies netgraph.NetFactory with no capabilities, just
// enough for tun's listen/net refs to resolve so the test exercises
// tunstub's own Build error rather than an unrelated "ref not found".
type dummyFactory struct{}

func (dummyFactory) NewConfig() any { return &struct{}{} }
func (dummyFactory) Build(name string, cfg any) (*netctx.Net, error) {
	return netctx.NewNet(name), nil
}

func TestRegisterAndBuildFails(t *testing.T) {
	reg := netgraph.NewRegistry()
	reg.AddNetFactory("dummy", dummyFactory{})
	Register(reg)

	nets, servers, err := netgraph.Build(reg,
		map[string]netgraph.RawNetConfig{
			"n": mustRawNetConfig(t, `{"type":"dummy"}`),
		},
		map[string]netgraph.RawServerConfig{
			"t": mustRawServerConfig(t, `{"type":"tun","listen":"n","net":"n","device":"tun0"}`),
		},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stub")
	assert.Nil(t, nets)
	assert.Nil(t, servers)
}

func mustRawNetConfig(t *testing.T, js string) netgraph.RawNetConfig {
	t.Helper()
	var c netgraph.RawNetConfig
	if err := c.UnmarshalJSON([]byte(js)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return c
}

func mustRawServerConfig(t *testing.T, js string) netgraph.RawServerConfig {
	t.Helper()
	var c netgraph.RawServerConfig
	if err := c.UnmarshalJSON([]byte(js)); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return c
}
