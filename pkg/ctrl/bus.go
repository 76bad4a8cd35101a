// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package ctrl implements the controller / event bus: an
// unbounded in-process event queue fed by every Connection, drained
// by a single consumer task that maintains the uuid->{addr,ctx}
// registry and fans byte-counter and lifecycle events out to any UI
// subscribers over a websocket.
package ctrl

import (
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// EventKind tags the seven event variants.
type EventKind int

const (
	EventNewTCP EventKind = iota
	EventNewUDP
	EventInbound
	EventOutbound
	EventUDPInbound
	EventUDPOutbound
	EventClose
)

func (k EventKind) String() string {
	switch k {
	case EventNewTCP:
		return "new_tcp"
	case EventNewUDP:
		return "new_udp"
	case EventInbound:
		return "inbound"
	case EventOutbound:
		return "outbound"
	case EventUDPInbound:
		return "udp_inbound"
	case EventUDPOutbound:
		return "udp_outbound"
	case EventClose:
		return "close"
	default:
		return "unknown"
	}
}

// Event is the single envelope every Connection emits. Addr and Ctx
// are set only on New*; N is set on the byte-counter variants; UDPAddr
// is set on the Udp* variants (the peer a datagram crossed).
type Event struct {
	Kind    EventKind
	ID      uuid.UUID
	Addr    string
	Ctx     *netctx.Context
	N       int64
	UDPAddr netip.AddrPort
}

// entry is what the registry keeps per live connection, updated on
// New*/Close by the consumer task.
type entry struct {
	addr string
	ctx  *netctx.Context
}

// Bus is the process-wide event bus. Publish is non-blocking and never
// drops an event: the queue behind it is unbounded. Fan-out to UI
// subscribers is lossy: once a subscriber's channel is full, a
// byte-counter event is dropped at once, and a New/Close event gets one
// more non-blocking send attempt before it is dropped as well.
type Bus struct {
	q *unboundedQueue

	mu    sync.Mutex
	live  map[uuid.UUID]entry
	subs  map[int]chan Event
	subID int

	closed chan struct{}
	once   sync.Once
}

// NewBus creates a Bus and starts its consumer goroutine. Callers
// should call Close when the process shuts down.
func NewBus() *Bus {
	b := &Bus{
		q:      newUnboundedQueue(),
		live:   make(map[uuid.UUID]entry),
		subs:   make(map[int]chan Event),
		closed: make(chan struct{}),
	}
	go b.consume()
	return b
}

// Publish enqueues ev for the consumer task. Never blocks the caller:
// the queue itself is unbounded.
func (b *Bus) Publish(ev Event) {
	b.q.push(ev)
}

// consume is the single drain task: it updates the registry and fans
// the event out to every subscriber.
func (b *Bus) consume() {
	for {
		ev, ok := b.q.pop()
		if !ok {
			return
		}
		b.applyToRegistry(ev)
		b.fanOut(ev)
	}
}

func (b *Bus) applyToRegistry(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch ev.Kind {
	case EventNewTCP, EventNewUDP:
		b.live[ev.ID] = entry{addr: ev.Addr, ctx: ev.Ctx}
	case EventClose:
		delete(b.live, ev.ID)
	}
}

// fanOut delivers ev to every subscriber channel without blocking.
// Byte-counter events are dropped on a full subscriber channel;
// New/Close events get a second non-blocking send attempt and are
// dropped if the channel is still full.
func (b *Bus) fanOut(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			if isLifecycle(ev.Kind) {
				// lifecycle events are state-critical; one more attempt
				// before giving up on this subscriber.
				select {
				case ch <- ev:
				default:
				}
			}
		}
	}
}

func isLifecycle(k EventKind) bool {
	return k == EventNewTCP || k == EventNewUDP || k == EventClose
}

// Subscribe registers a new UI feed. The returned channel is buffered;
// callers must drain it promptly or risk losing byte-counter events.
// cancel removes the subscription and closes the channel.
func (b *Bus) Subscribe(buffer int) (ch <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	id := b.subID
	b.subID++
	out := make(chan Event, buffer)
	b.subs[id] = out
	b.mu.Unlock()

	return out, func() {
		b.mu.Lock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
		b.mu.Unlock()
	}
}

// Snapshot returns the current uuid->addr registry for diagnostics.
func (b *Bus) Snapshot() map[uuid.UUID]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uuid.UUID]string, len(b.live))
	for id, e := range b.live {
		out[id] = e.addr
	}
	return out
}

// Close stops the consumer task and closes every subscriber channel.
func (b *Bus) Close() {
	b.once.Do(func() {
		close(b.closed)
		b.q.close()
		b.mu.Lock()
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	})
}
