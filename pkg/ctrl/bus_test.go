// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ctrl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netctx"
)

func waitFor(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}

func TestBusRegistersAndClearsConnection(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := netctx.New()
	conn := NewTCP(bus, ctx, "127.0.0.1:9000")

	require.Eventually(t, func() bool {
		snap := bus.Snapshot()
		addr, ok := snap[conn.ID()]
		return ok && addr == "127.0.0.1:9000"
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		_, ok := bus.Snapshot()[conn.ID()]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestBusFansOutToSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(16)
	defer cancel()

	ctx := netctx.New()
	conn := NewTCP(bus, ctx, "127.0.0.1:9001")

	ev := waitFor(t, ch, EventNewTCP)
	assert.Equal(t, conn.ID(), ev.ID)
	assert.Equal(t, "127.0.0.1:9001", ev.Addr)

	conn.Outbound(128)
	ob := waitFor(t, ch, EventOutbound)
	assert.EqualValues(t, 128, ob.N)

	conn.Close()
	waitFor(t, ch, EventClose)
}

func TestConnectionIgnoresZeroByteCounters(t *testing.T) {
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(16)
	defer cancel()

	ctx := netctx.New()
	conn := NewTCP(bus, ctx, "127.0.0.1:9002")
	waitFor(t, ch, EventNewTCP)

	conn.Inbound(0)
	conn.Outbound(0)

	select {
	case ev := <-ch:
		t.Fatalf("expected no event for zero-byte counter, got %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch, cancel := bus.Subscribe(16)
	cancel()

	ctx := netctx.New()
	NewTCP(bus, ctx, "127.0.0.1:9003")

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestMarshalEventOmitsContext(t *testing.T) {
	ev := Event{Kind: EventInbound, N: 42, Ctx: netctx.New()}
	b, err := marshalEvent(ev)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"kind":"inbound"`)
	assert.Contains(t, string(b), `"n":42`)
	assert.NotContains(t, string(b), `"ctx"`)
}
