// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"net"
	"sync"
	"time"

	cache "github.com/patrickmn/go-cache"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// DefaultTTL is the UDP NAT entry lifetime: no packet seen
// from a source for this long evicts its entry.
const DefaultTTL = 300 * time.Second

// defaultBackChannelCap bounds each entry's reply queue; once full,
// further replies are dropped -- acceptable UDP semantics, never
// blocking the drain goroutine.
const defaultBackChannelCap = 128

// Packet is one inbound or outbound UDP datagram carried through
// ForwardUDP, tagged with both endpoints.
type Packet struct {
	From net.Addr
	To   netaddr.Address
	Data []byte
}

// Source is the bidirectional channel ForwardUDP reads inbound packets
// from and writes reply packets back to. Send
// must be safe for concurrent use: ForwardUDP may call it from more
// than one NAT entry's writer goroutine at once.
type Source interface {
	Recv() (Packet, error)
	Send(Packet) error
}

// Options configures a ForwardUDP run. Zero value uses DefaultTTL and
// a sweep period of TTL/4.
type Options struct {
	TTL            time.Duration
	SweepPeriod    time.Duration
	BackChannelCap int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.SweepPeriod <= 0 || o.SweepPeriod > o.TTL/4 {
		o.SweepPeriod = o.TTL / 4
	}
	if o.BackChannelCap <= 0 {
		o.BackChannelCap = defaultBackChannelCap
	}
	return o
}

type natEntry struct {
	key    string
	source net.Addr
	child  netctx.UDPConn
	back   chan Packet
	cancel context.CancelFunc
}

// table is the NAT table. Entry lifetime -- both the idle-TTL eviction
// and the touch-on-every-packet refresh -- is delegated to
// github.com/patrickmn/go-cache. OnEvicted closes the evicted entry's
// child socket and cancels its drain/writer goroutines, so the
// library's janitor goroutine replaces a hand-rolled sweep loop.
type table struct {
	mu sync.Mutex // guards creation so two goroutines never race getOrCreate for the same key
	c  *cache.Cache
}

func newTable(ttl, sweepPeriod time.Duration) *table {
	t := &table{c: cache.New(ttl, sweepPeriod)}
	t.c.OnEvicted(func(key string, v interface{}) {
		if e, ok := v.(*natEntry); ok {
			log.D("bridge: forward_udp: evicting idle nat entry %s", e.key)
			e.close()
		}
	})
	return t
}

func (t *table) touch(key string, e *natEntry) {
	t.c.SetDefault(key, e)
}

// ForwardUDP is the UDP NAT loop. For every inbound
// packet it looks up (or creates) a child socket keyed by source
// address, relays the payload via forwardNet, and spawns one drain
// goroutine per new entry that feeds replies back into source. A
// sweeper evicts idle entries on a fixed period. Returns the first
// error source.Recv returns, closing every live entry's child socket.
// Cancelling ctx stops each entry's writer goroutine but does not
// interrupt a blocked source.Recv, so the loop itself ends only once
// source fails.
func ForwardUDP(ctx context.Context, source Source, forwardNet *netctx.Net, opt Options) error {
	opt = opt.withDefaults()
	t := newTable(opt.TTL, opt.SweepPeriod)
	defer t.closeAll()

	for {
		pkt, err := source.Recv()
		if err != nil {
			return err
		}
		entry, err := t.getOrCreate(ctx, pkt.From, forwardNet, source, opt)
		if err != nil {
			log.W("bridge: forward_udp: new child socket for %s: %v", pkt.From, err)
			continue
		}
		if _, err := entry.child.SendTo(pkt.Data, pkt.To); err != nil {
			log.D("bridge: forward_udp: send to %s via %s: %v", pkt.To, pkt.From, err)
		}
		t.touch(entry.key, entry)
	}
}

func (t *table) getOrCreate(ctx context.Context, from net.Addr, forwardNet *netctx.Net, source Source, opt Options) (*natEntry, error) {
	key := from.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	if v, ok := t.c.Get(key); ok {
		return v.(*natEntry), nil
	}

	child, err := forwardNet.UDPBind(netctx.New(), anyAddr())
	if err != nil {
		return nil, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	entry := &natEntry{
		key:    key,
		source: from,
		child:  child,
		back:   make(chan Packet, opt.BackChannelCap),
		cancel: cancel,
	}

	t.c.SetDefault(key, entry)

	go entry.drain(childCtx, from)
	go entry.writeBack(childCtx, source)

	log.I("bridge: forward_udp: new nat entry for %s", key)
	return entry, nil
}

// drain reads from the child socket and feeds the back-channel with
// (from=original_dst, to=source_from). Overflow
// drops the packet silently (UDP semantics); it never blocks on a full
// channel.
func (e *natEntry) drain(ctx context.Context, sourceFrom net.Addr) {
	buf := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n, replyFrom, err := e.child.RecvFrom(buf)
		if err != nil {
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		to, toErr := netaddr.FromNetAddr(sourceFrom)
		if toErr != nil {
			continue
		}
		pkt := Packet{From: replyFrom, To: to, Data: data}
		select {
		case e.back <- pkt:
		default:
			log.D("bridge: forward_udp: back-channel full for %s, dropping", e.key)
		}
	}
}

// writeBack is the single writer draining this entry's back-channel
// into source, preserving per-(from,to) ordering since exactly one
// drain task and one writer exist per entry.
func (e *natEntry) writeBack(ctx context.Context, source Source) {
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-e.back:
			if !ok {
				return
			}
			if err := source.Send(pkt); err != nil {
				return
			}
		}
	}
}

func (e *natEntry) close() {
	e.cancel()
	e.child.Close()
}

// closeAll closes every live entry's child socket directly -- go-cache's
// OnEvicted only fires on expiry or Delete, not on Flush, so the final
// drain has to walk Items() itself when ForwardUDP returns.
func (t *table) closeAll() {
	t.mu.Lock()
	items := t.c.Items()
	t.c.Flush()
	t.mu.Unlock()
	for _, item := range items {
		if e, ok := item.Object.(*natEntry); ok {
			e.close()
		}
	}
}

func anyAddr() netaddr.Address {
	a, _ := netaddr.Parse("0.0.0.0:0")
	return a
}
