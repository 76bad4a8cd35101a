// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dnsx holds the two DNS-aware Nets: a passive reverse-lookup
// sniffer that learns ip->domain associations from answers crossing
// its UDP sockets, and an active resolver that answers A/AAAA queries
// itself by calling lookup_host on an inner Net.
package dnsx

import (
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	sieve "github.com/opencoff/go-sieve"

	"github.com/celzero/rabbitdigger/pkg/netaddr"
	"github.com/celzero/rabbitdigger/pkg/netctx"
	"github.com/celzero/rabbitdigger/pkg/xdns"
)

const (
	defaultCacheCapacity = 128
	defaultCacheTTL      = 10 * time.Minute
	maxCNAMEHops         = 16
	dnsPort              = 53
)

type cacheEntry struct {
	domain  string
	expires time.Time
}

func (e cacheEntry) expired(now time.Time) bool { return now.After(e.expires) }

// reverseCache is a capacity-bounded, TTL-expiring map built on
// go-sieve's eviction cache. Eviction-by-size and eviction-by-age are
// two independent concerns, so expiry is checked lazily on Get rather
// than swept on a timer.
type reverseCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	cache *sieve.Sieve[string, cacheEntry]
}

func newReverseCache(capacity int, ttl time.Duration) *reverseCache {
	c := sieve.New[string, cacheEntry](capacity)
	return &reverseCache{ttl: ttl, cache: c}
}

func (c *reverseCache) put(key, domain string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(key, cacheEntry{domain: domain, expires: time.Now().Add(c.ttl)})
}

func (c *reverseCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache.Get(key)
	if !ok || e.expired(time.Now()) {
		return "", false
	}
	return e.domain, true
}

// SnifferConfig sizes the reverse-lookup caches.
type SnifferConfig struct {
	CacheCapacity int
	CacheTTL      time.Duration
}

func (c SnifferConfig) withDefaults() SnifferConfig {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = defaultCacheCapacity
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return c
}

// Sniffer wraps an inner Net, observing DNS traffic that passes
// through its UDP sockets to learn ip->domain associations, and
// injects a canonicalized domain into the Context of later numeric
// tcp_connect calls.
type Sniffer struct {
	name      string
	inner     *netctx.Net
	ipToOwner *reverseCache
	cnameBack *reverseCache
}

// NewSniffer builds a sniffer wrapping inner.
func NewSniffer(name string, inner *netctx.Net, cfg SnifferConfig) *Sniffer {
	cfg = cfg.withDefaults()
	return &Sniffer{
		name:      name,
		inner:     inner,
		ipToOwner: newReverseCache(cfg.CacheCapacity, cfg.CacheTTL),
		cnameBack: newReverseCache(cfg.CacheCapacity, cfg.CacheTTL),
	}
}

// observe parses buf as a DNS message and records any A/AAAA/CNAME
// answers it carries.
func (s *Sniffer) observe(buf []byte) {
	msg := xdns.AsMsg(buf)
	if msg == nil || len(msg.Answer) == 0 {
		return
	}
	for name, target := range xdns.CNAMERecords(msg) {
		s.cnameBack.put(target, name)
	}
	for _, answer := range msg.Answer {
		var ip string
		switch rec := answer.(type) {
		case *dns.A:
			ip = rec.A.String()
		case *dns.AAAA:
			ip = rec.AAAA.String()
		default:
			continue
		}
		if owner, err := xdns.NormalizeQName(answer.Header().Name); err == nil {
			s.ipToOwner.put(ip, owner)
		}
	}
}

func isDNSPort(addr netaddr.Address) bool {
	return addr.Port() == dnsPort
}

// canonicalize walks up to maxCNAMEHops from the cached owner name for
// ip back through the CNAME chain to the name originally queried.
// Purely in-memory; never blocks on I/O.
func (s *Sniffer) canonicalize(ip string) (string, bool) {
	domain, ok := s.ipToOwner.get(ip)
	if !ok {
		return "", false
	}
	for i := 0; i < maxCNAMEHops; i++ {
		prev, ok := s.cnameBack.get(domain)
		if !ok {
			break
		}
		domain = prev
	}
	return domain, true
}

// ToNet builds the Net wrapper: tcp_connect injects DestDomain on
// numeric targets it recognizes, everything else delegates straight
// through to the inner Net, and udp_bind's returned socket is itself
// wrapped to observe traffic.
func (s *Sniffer) ToNet() *netctx.Net {
	return netctx.NewNet(s.name,
		netctx.WithTCPConnect(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPConn, error) {
			if ip, ok := addr.IP(); ok {
				if domain, ok := s.canonicalize(ip.String()); ok && ctx != nil {
					ctx.SetDestDomain(netctx.DestDomain{Domain: domain, Port: addr.Port()})
				}
			}
			return s.inner.TCPConnect(ctx, addr)
		}),
		netctx.WithTCPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.TCPListener, error) {
			return s.inner.TCPBind(ctx, addr)
		}),
		netctx.WithUDPBind(func(ctx *netctx.Context, addr netaddr.Address) (netctx.UDPConn, error) {
			inner, err := s.inner.UDPBind(ctx, addr)
			if err != nil {
				return nil, err
			}
			return &sniffUDPConn{UDPConn: inner, sniffer: s}, nil
		}),
		netctx.WithLookupHost(func(addr netaddr.Address) ([]net.Addr, error) {
			return s.inner.LookupHost(addr)
		}),
	)
}

// sniffUDPConn observes every datagram addressed to, or received
// from, port 53; responses arriving via RecvFrom are observed the same
// way so a caller doesn't need to hand-deliver them to the sniffer.
type sniffUDPConn struct {
	netctx.UDPConn
	sniffer *Sniffer
}

func (c *sniffUDPConn) SendTo(buf []byte, to netaddr.Address) (int, error) {
	if isDNSPort(to) {
		c.sniffer.observe(buf)
	}
	return c.UDPConn.SendTo(buf, to)
}

func (c *sniffUDPConn) RecvFrom(buf []byte) (int, net.Addr, error) {
	n, from, err := c.UDPConn.RecvFrom(buf)
	if err == nil {
		if fromAddr, aerr := netaddr.FromNetAddr(from); aerr == nil && isDNSPort(fromAddr) {
			c.sniffer.observe(buf[:n])
		}
	}
	return n, from, err
}
