// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package ctrl

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/celzero/rabbitdigger/internal/log"
)

// wireEvent is the JSON shape an Event is sent as over the UI
// websocket; Ctx is deliberately omitted (it isn't serializable and a
// UI only needs the wire-visible fields).
type wireEvent struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Addr string `json:"addr,omitempty"`
	N    int64  `json:"n,omitempty"`
	Peer string `json:"peer,omitempty"`
}

func toWire(ev Event) wireEvent {
	w := wireEvent{Kind: ev.Kind.String(), ID: ev.ID.String(), Addr: ev.Addr, N: ev.N}
	if ev.UDPAddr.IsValid() {
		w.Peer = ev.UDPAddr.String()
	}
	return w
}

// WSHandler returns an http.Handler that upgrades each request to a
// websocket and streams every bus Event as JSON until the client
// disconnects or the request context is cancelled.
func (b *Bus) WSHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.D("ctrl: websocket accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ch, cancel := b.Subscribe(128)
		defer cancel()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				wctx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
				err := wsjson.Write(wctx, conn, toWire(ev))
				cancelWrite()
				if err != nil {
					log.D("ctrl: websocket write: %v", err)
					return
				}
			}
		}
	})
}

// marshalEvent is used by tests to assert on the wire shape without
// standing up a real websocket round-trip.
func marshalEvent(ev Event) ([]byte, error) {
	return json.Marshal(toWire(ev))
}
