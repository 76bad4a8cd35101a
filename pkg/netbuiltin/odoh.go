// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package netbuiltin

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/netip"

	odoh "github.com/cloudflare/odoh-go"
	"github.com/miekg/dns"

	"github.com/celzero/rabbitdigger/internal/rderr"
	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
)

// ODoHConfig is a second lookup_host-only resolver Net alongside
// dnscrypt: it speaks Oblivious DNS-over-HTTPS
// through a target's published ODoHConfig, proxied via the target
// URL, with the HTTP transport itself carried over the inner Net's
// tcp_connect the same way the mixed/http Nets are.
type ODoHConfig struct {
	Net          netgraph.NetRef `json:"net"`
	TargetConfig string          `json:"target_config"` // hex-encoded ObliviousDoHConfig
	ProxyURL     string          `json:"proxy_url"`
	TargetURL    string          `json:"target_url"`
}

type odohFactory struct{}

func (odohFactory) NewConfig() any { return &ODoHConfig{} }

func (odohFactory) Build(name string, cfg any) (*netctx.Net, error) {
	c := cfg.(*ODoHConfig)
	inner := c.Net.Net()
	if inner == nil {
		return nil, rderr.Other("odoh %q: net ref not bound", name)
	}
	rawConfig, err := hex.DecodeString(c.TargetConfig)
	if err != nil {
		return nil, rderr.Other("odoh %q: target_config is not hex: %v", name, err)
	}
	targetConfig, err := odoh.UnmarshalObliviousDoHConfig(rawConfig)
	if err != nil {
		return nil, rderr.Other("odoh %q: bad target config: %v", name, err)
	}

	client := &http.Client{Transport: &http.Transport{DialContext: func(_ context.Context, network, addr string) (net.Conn, error) {
		a, err := netaddr.Parse(addr)
		if err != nil {
			return nil, err
		}
		conn, err := inner.TCPConnect(netctx.New(), a)
		if err != nil {
			return nil, err
		}
		return netConnAdapter{conn}, nil
	}}}

	resolve := func(domain string) ([]netip.Addr, error) {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(domain), dns.TypeA)
		packed, err := msg.Pack()
		if err != nil {
			return nil, rderr.IO(rderr.KindOther, "odoh: pack query", err)
		}
		odohMsg, queryContext, err := targetConfig.Contents.EncryptQuery(odoh.CreateObliviousDNSQuery(packed, 0))
		if err != nil {
			return nil, rderr.IO(rderr.KindOther, "odoh: encrypt query", err)
		}

		body := odohMsg.Marshal()
		url := c.ProxyURL
		if url == "" {
			url = c.TargetURL
		}
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, rderr.IO(rderr.KindOther, "odoh: build request", err)
		}
		req.Header.Set("Content-Type", "application/oblivious-dns-message")
		resp, err := client.Do(req)
		if err != nil {
			return nil, rderr.IO(rderr.KindOther, "odoh: http request", err)
		}
		defer resp.Body.Close()
		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, rderr.IO(rderr.KindOther, "odoh: read response", err)
		}
		respMsg, err := odoh.UnmarshalDNSMessage(respBody)
		if err != nil {
			return nil, rderr.IO(rderr.KindInvalidData, "odoh: unmarshal response", err)
		}
		answer, err := queryContext.OpenAnswer(respMsg)
		if err != nil {
			return nil, rderr.IO(rderr.KindInvalidData, "odoh: open answer", err)
		}
		answerMsg := new(dns.Msg)
		if err := answerMsg.Unpack(answer); err != nil {
			return nil, rderr.IO(rderr.KindInvalidData, "odoh: unpack answer", err)
		}
		var ips []netip.Addr
		for _, rr := range answerMsg.Answer {
			if a, ok := rr.(*dns.A); ok {
				if ip, ok := netip.AddrFromSlice(a.A.To4()); ok {
					ips = append(ips, ip)
				}
			}
		}
		return ips, nil
	}

	return netctx.NewNet(name,
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			domain, port, ok := addr.Domain()
			if !ok {
				return nil, rderr.Other("odoh %q: lookup_host on non-domain address", name)
			}
			ips, err := resolve(domain)
			if err != nil {
				return nil, err
			}
			out := make([]net.Addr, 0, len(ips))
			for _, ip := range ips {
				out = append(out, &net.TCPAddr{IP: ip.AsSlice(), Port: port})
			}
			return out, nil
		}),
	), nil
}

// registerODoH adds odoh to reg.
func registerODoH(reg *netgraph.Registry) {
	reg.AddNetFactory("odoh", odohFactory{})
}
