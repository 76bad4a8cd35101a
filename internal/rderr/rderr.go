// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rderr is the closed error taxonomy every Net, Server, and
// bridge primitive in rabbitdigger returns. Callers type-switch or use
// errors.Is against the sentinels below rather than matching strings.
package rderr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Wrap with fmt.Errorf("%w: ...", KindX) or use the
// constructors below to attach detail while keeping errors.Is working.
var (
	// NotImplemented is returned by a Net capability slot that was never
	// filled in. Non-fatal: callers decide whether to fall back or fail.
	NotImplemented = errors.New("rderr: not implemented")

	// NotEnabled is returned when a capability exists but was turned off
	// by config (e.g. shadowsocks udp=false). Same semantics as
	// NotImplemented from the caller's point of view.
	NotEnabled = errors.New("rderr: not enabled")

	// NotMatched is returned by the rule router when no rule matches a
	// request.
	NotMatched = errors.New("rderr: not matched")

	// AddrNotAvailable is returned on address parse/resolution failure.
	AddrNotAvailable = errors.New("rderr: address not available")
)

// IOError wraps an underlying transport failure. kind mirrors a subset
// of the stdlib's net.Error / os error kinds we care about naming
// explicitly (see Kind* constants); detail is human-readable context.
type IOError struct {
	Kind   string
	Detail string
	Err    error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rderr: io(%s): %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("rderr: io(%s): %s", e.Kind, e.Detail)
}

func (e *IOError) Unwrap() error { return e.Err }

const (
	KindBrokenPipe    = "broken_pipe"
	KindInvalidData   = "invalid_data"
	KindTimeout       = "timeout"
	KindConnRefused   = "conn_refused"
	KindUnexpectedEOF = "unexpected_eof"
	KindOther         = "other"
)

func IO(kind, detail string, err error) error {
	return &IOError{Kind: kind, Detail: detail, Err: err}
}

// Other is the catch-all: a human-readable reason with no further
// structure.
func Other(format string, args ...any) error {
	return fmt.Errorf("rderr: %s", fmt.Sprintf(format, args...))
}

// CycleError is a fatal build-time error: the NetRef graph contains a
// cycle through the named nets.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("rderr: net ref cycle: %v", e.Path)
}
