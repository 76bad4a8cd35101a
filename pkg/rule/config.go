// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rule

import "github.com/celzero/rabbitdigger/pkg/netgraph"

// RuleEntryConfig is one declared-order rule: a matcher
// selected by Type plus the matcher-specific fields it needs, and the
// NetRef it dispatches to on match. A flat struct keeps config
// decoding straightforward with encoding/json while still reading as
// one matcher kind per entry.
type RuleEntryConfig struct {
	Type   string        `json:"type"`
	Method DomainMethod  `json:"method,omitempty"`
	Value  string        `json:"value,omitempty"`
	CIDR   string        `json:"cidr,omitempty"`
	Target netgraph.NetRef `json:"target"`
}

// RuleNetConfig is the rule Net's options: an ordered
// list of entries evaluated top to bottom, first match wins.
type RuleNetConfig struct {
	Rules []RuleEntryConfig `json:"rules"`
}
