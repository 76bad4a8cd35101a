// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ctrl

import "sync/atomic"

var defaultBus atomic.Pointer[Bus]

// SetDefault installs the process-wide bus ingress servers report to.
// Called once at startup, before any server starts accepting; a nil
// default simply means nothing is reported.
func SetDefault(b *Bus) {
	defaultBus.Store(b)
}

// Default returns the process-wide bus, or nil if none was installed.
func Default() *Bus {
	return defaultBus.Load()
}
