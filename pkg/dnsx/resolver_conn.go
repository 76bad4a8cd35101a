// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package dnsx

import (
	"net"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
)

const answerQueueCap = 32

type resolverAnswer struct {
	data []byte
	from net.Addr
}

// resolverConn is the UDPConn a Resolver's udp_bind hands back: every
// SendTo is treated as a DNS query addressed to the resolver itself
// (the to argument is used only as the from address on the
// synthesized reply, mirroring a real server's reply-from-its-own-
// bound-address behavior); RecvFrom drains queued answers in order.
type resolverConn struct {
	r       *Resolver
	answers chan resolverAnswer
	closed  chan struct{}
}

func newResolverConn(r *Resolver) *resolverConn {
	return &resolverConn{r: r, answers: make(chan resolverAnswer, answerQueueCap), closed: make(chan struct{})}
}

func (c *resolverConn) SendTo(buf []byte, to netaddr.Address) (int, error) {
	answer, err := c.r.Answer(buf)
	if err != nil {
		log.D("dnsx: resolver answer for %s: %v", to, err)
		return len(buf), nil
	}
	from, err := to.ToUDPAddr()
	if err != nil {
		from = &net.UDPAddr{}
	}
	select {
	case c.answers <- resolverAnswer{data: answer, from: from}:
	case <-c.closed:
	default:
		log.D("dnsx: resolver answer queue full, dropping")
	}
	return len(buf), nil
}

func (c *resolverConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	select {
	case a := <-c.answers:
		n := copy(buf, a.data)
		return n, a.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *resolverConn) LocalAddr() (net.Addr, error) {
	return &net.UDPAddr{IP: net.IPv4zero, Port: 0}, nil
}

func (c *resolverConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	return nil
}
