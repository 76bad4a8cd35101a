// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package bridge implements the two bidirectional bridge primitives:
// ConnectTCP (full-duplex half-close copy) and ForwardUDP (UDP NAT
// with source-keyed back-channels and TTL eviction).
package bridge

import (
	"context"
	"io"
	"sync"

	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/pkg/netctx"
)

// Reporter receives byte counters from a bridged connection, feeding
// the event bus. Both methods may be called concurrently from the two
// copy goroutines. A nil Reporter is valid and reports nothing.
type Reporter interface {
	Inbound(n int64)
	Outbound(n int64)
}

const copyBufSize = 32 * 1024

// ConnectTCP runs two copy goroutines, a->b and b->a, in parallel. Each
// stops on EOF of its read side and then half-closes the write side of
// the peer. The call returns only once both directions have finished;
// if one side errors mid-copy that direction ends, but the other keeps
// draining until its own EOF or error. Cancelling ctx
// aborts both directions and releases buffers; bytes already in flight
// are not lost -- only unread, unwritten bytes may be dropped on
// cancellation, same as closing a socket mid-copy.
func ConnectTCP(ctx context.Context, a, b netctx.TCPConn, rep Reporter) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
			b.Close()
		case <-done:
		}
	}()
	defer close(done)

	var wg sync.WaitGroup
	var aToB, bToA error
	wg.Add(2)

	go func() {
		defer wg.Done()
		n, err := copyHalf(a, b)
		if rep != nil {
			rep.Outbound(n)
		}
		aToB = err
	}()
	go func() {
		defer wg.Done()
		n, err := copyHalf(b, a)
		if rep != nil {
			rep.Inbound(n)
		}
		bToA = err
	}()
	wg.Wait()

	if aToB != nil {
		return aToB
	}
	return bToA
}

// copyHalf copies src->dst until EOF or error, then half-closes dst's
// write side so the peer observes EOF too.
func copyHalf(src, dst netctx.TCPConn) (int64, error) {
	n, err := io.CopyBuffer(writerOnly{dst}, readerOnly{src}, make([]byte, copyBufSize))
	if cwErr := dst.CloseWrite(); cwErr != nil {
		log.D("bridge: connect_tcp: close-write: %v", cwErr)
	}
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

// readerOnly/writerOnly strip the Closer methods off netctx.TCPConn so
// io.CopyBuffer can't accidentally full-close either side mid-bridge;
// only CloseWrite (invoked explicitly above) may half-close.
type readerOnly struct{ r io.Reader }

func (r readerOnly) Read(p []byte) (int, error) { return r.r.Read(p) }

type writerOnly struct{ w io.Writer }

func (w writerOnly) Write(p []byte) (int, error) { return w.w.Write(p) }
