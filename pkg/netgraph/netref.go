// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netgraph

import (
	"encoding/json"

	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// NetRef is a string naming another Net. Config structs
// embed NetRef fields directly; the builder walks them via reflection
// (collectRefs in build.go), resolves the name to a strong handle, and
// binds it here before the owning factory is invoked.
type NetRef struct {
	Name string
	net  *netctx.Net
}

// UnmarshalJSON accepts a bare JSON string: {"net": "local"}.
func (r *NetRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	r.Name = s
	return nil
}

func (r NetRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.Name)
}

// Net returns the resolved handle. Only valid after the builder has
// processed this config; nil before that point.
func (r *NetRef) Net() *netctx.Net { return r.net }

func (r *NetRef) bind(n *netctx.Net) { r.net = n }
