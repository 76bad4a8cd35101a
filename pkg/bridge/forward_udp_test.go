// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// fakeUDPConn is a child socket handed out by a fake forward Net: every
// SendTo is recorded, and RecvFrom blocks on a channel the test feeds
// to simulate a reply arriving from the upstream target.
type fakeUDPConn struct {
	id    int
	local net.Addr

	mu   sync.Mutex
	sent []sentPacket

	recv   chan replyPacket
	closed bool
}

type sentPacket struct {
	data []byte
	to   netaddr.Address
}

type replyPacket struct {
	data []byte
	from net.Addr
}

func (c *fakeUDPConn) SendTo(buf []byte, to netaddr.Address) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]byte(nil), buf...)
	c.sent = append(c.sent, sentPacket{data: cp, to: to})
	return len(buf), nil
}

func (c *fakeUDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	r, ok := <-c.recv
	if !ok {
		return 0, nil, io.EOF
	}
	n := copy(buf, r.data)
	return n, r.from, nil
}

func (c *fakeUDPConn) LocalAddr() (net.Addr, error) { return c.local, nil }

func (c *fakeUDPConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		close(c.recv)
		c.closed = true
	}
	return nil
}

func (c *fakeUDPConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// fakeForwardNet hands out a fresh fakeUDPConn per UDPBind call and
// records every one it creates, so a test can assert how many child
// sockets a ForwardUDP run actually opened.
type fakeForwardNet struct {
	mu       sync.Mutex
	children []*fakeUDPConn
}

func newFakeForwardNet() (*netctx.Net, *fakeForwardNet) {
	f := &fakeForwardNet{}
	n := netctx.NewNet("fake-forward", netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		c := &fakeUDPConn{
			id:    len(f.children),
			local: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 20000 + len(f.children)},
			recv:  make(chan replyPacket, 4),
		}
		f.children = append(f.children, c)
		return c, nil
	}))
	return n, f
}

func (f *fakeForwardNet) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.children)
}

func (f *fakeForwardNet) child(i int) *fakeUDPConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.children[i]
}

// fakeSource is a bridge.Source driven entirely by the test: In feeds
// inbound packets as if received from a real client socket, and every
// call to Send is recorded for assertion.
type fakeSource struct {
	in chan Packet

	mu   sync.Mutex
	sent []Packet
}

func newFakeSource() *fakeSource {
	return &fakeSource{in: make(chan Packet, 8)}
}

func (s *fakeSource) Recv() (Packet, error) {
	p, ok := <-s.in
	if !ok {
		return Packet{}, io.EOF
	}
	return p, nil
}

func (s *fakeSource) Send(p Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, p)
	return nil
}

func (s *fakeSource) sentSnapshot() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Packet, len(s.sent))
	copy(out, s.sent)
	return out
}

func mustAddr(t *testing.T, s string) netaddr.Address {
	t.Helper()
	a, err := netaddr.Parse(s)
	require.NoError(t, err)
	return a
}

// TestForwardUDPTwoSourcesGetDistinctChildSockets: two distinct source
// addresses sending to the same destination each get their own child
// socket, and a reply is routed back to the source that caused its
// child to be created.
func TestForwardUDPTwoSourcesGetDistinctChildSockets(t *testing.T) {
	forwardNet, fake := newFakeForwardNet()
	source := newFakeSource()

	dest := mustAddr(t, "93.184.216.34:80")
	src1 := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 5001}
	src2 := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 5002}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ForwardUDP(ctx, source, forwardNet, Options{TTL: time.Second, SweepPeriod: 250 * time.Millisecond})

	source.in <- Packet{From: src1, To: dest, Data: []byte("from-1")}
	require.Eventually(t, func() bool { return fake.count() >= 1 }, time.Second, 5*time.Millisecond)

	source.in <- Packet{From: src2, To: dest, Data: []byte("from-2")}
	require.Eventually(t, func() bool { return fake.count() >= 2 }, time.Second, 5*time.Millisecond)

	// Same source again must reuse the first child, not spawn a third.
	source.in <- Packet{From: src1, To: dest, Data: []byte("from-1-again")}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, fake.count())

	child1, child2 := fake.child(0), fake.child(1)
	require.Eventually(t, func() bool { return child1.sentCount() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, child2.sentCount())

	// A reply arriving on child2 must be routed back tagged with src2,
	// never src1.
	child2.recv <- replyPacket{data: []byte("reply-2"), from: &net.UDPAddr{IP: net.ParseIP("93.184.216.34"), Port: 80}}
	require.Eventually(t, func() bool {
		for _, p := range source.sentSnapshot() {
			if string(p.Data) == "reply-2" {
				return p.To.String() == src2.String()
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

// TestForwardUDPEvictsIdleEntries: an entry with no traffic for longer
// than TTL is evicted, closing its child socket.
func TestForwardUDPEvictsIdleEntries(t *testing.T) {
	forwardNet, fake := newFakeForwardNet()
	source := newFakeSource()

	dest := mustAddr(t, "93.184.216.34:80")
	src := &net.UDPAddr{IP: net.ParseIP("10.0.0.3"), Port: 6003}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ForwardUDP(ctx, source, forwardNet, Options{TTL: 100 * time.Millisecond, SweepPeriod: 25 * time.Millisecond})

	source.in <- Packet{From: src, To: dest, Data: []byte("hi")}
	require.Eventually(t, func() bool { return fake.count() == 1 }, time.Second, 5*time.Millisecond)

	child := fake.child(0)
	require.Eventually(t, func() bool {
		child.mu.Lock()
		defer child.mu.Unlock()
		return child.closed
	}, 2*time.Second, 10*time.Millisecond)
}
