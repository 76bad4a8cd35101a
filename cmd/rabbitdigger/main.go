// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Command rabbitdigger is the thin main that wires a config file to a
// running engine: load -> registry -> graph build -> start every
// Server -> wait for a shutdown signal -> stop every Server. All of
// the actual engine logic lives in pkg/netgraph and its collaborators;
// this file only does process-lifecycle plumbing.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/celzero/rabbitdigger/internal/config"
	"github.com/celzero/rabbitdigger/internal/log"
	"github.com/celzero/rabbitdigger/internal/tunstub"
	"github.com/celzero/rabbitdigger/pkg/ctrl"
	"github.com/celzero/rabbitdigger/pkg/dnsx"
	"github.com/celzero/rabbitdigger/pkg/mixed"
	"github.com/celzero/rabbitdigger/pkg/netbuiltin"
	"github.com/celzero/rabbitdigger/pkg/netgraph"
	"github.com/celzero/rabbitdigger/pkg/rpcmux"
	"github.com/celzero/rabbitdigger/pkg/rule"
	"github.com/celzero/rabbitdigger/pkg/socks5"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the net/server config document")
	logLevel := flag.String("log-level", "info", "one of verbose, verbose2, debug, info, warn, error, none")
	ctrlAddr := flag.String("ctrl-addr", "", "if set, serve the controller event-bus websocket on this address, e.g. 127.0.0.1:9999")
	flag.Parse()

	log.SetLevel(parseLevel(*logLevel))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.E("rabbitdigger: load config: %v", err)
		os.Exit(1)
	}

	reg := newRegistry()

	nets, servers, err := netgraph.Build(reg, cfg.Net, cfg.Server)
	if err != nil {
		log.E("rabbitdigger: build graph: %v", err)
		os.Exit(1)
	}
	log.I("rabbitdigger: built %d net(s), %d server(s)", len(nets), len(servers))

	bus := ctrl.NewBus()
	defer bus.Close()
	ctrl.SetDefault(bus)

	var wsServer *http.Server
	if *ctrlAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/events", bus.WSHandler())
		wsServer = &http.Server{Addr: *ctrlAddr, Handler: mux}
		go func() {
			log.I("rabbitdigger: controller feed listening on %s", *ctrlAddr)
			if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.E("rabbitdigger: controller feed: %v", err)
			}
		}()
	}

	started := make([]netgraph.Server, 0, len(servers))
	for name, srv := range servers {
		if err := srv.Start(); err != nil {
			log.E("rabbitdigger: start server %q: %v", name, err)
			stopAll(started)
			os.Exit(1)
		}
		log.I("rabbitdigger: started server %q", name)
		started = append(started, srv)
	}

	waitForSignal()

	log.I("rabbitdigger: shutting down")
	if wsServer != nil {
		wsServer.Close()
	}
	stopAll(started)
}

// newRegistry seeds a fresh Registry with every Net/Server factory
// this project ships: the graph-kernel built-ins (alias/combine/
// select), the always-available leaf Nets, the rule router, the DNS
// sniffer/resolver, both ingress protocols, the RPC mux, and the tun
// stub.
func newRegistry() *netgraph.Registry {
	reg := netgraph.NewRegistry()
	netgraph.RegisterBuiltins(reg)
	netbuiltin.Register(reg)
	rule.Register(reg)
	dnsx.Register(reg)
	socks5.Register(reg)
	mixed.Register(reg)
	rpcmux.Register(reg)
	tunstub.Register(reg)
	return reg
}

func stopAll(servers []netgraph.Server) {
	for _, srv := range servers {
		if err := srv.Stop(); err != nil {
			log.W("rabbitdigger: stop server: %v", err)
		}
	}
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

func parseLevel(s string) log.LogLevel {
	switch s {
	case "verbose":
		return log.VERBOSE
	case "verbose2":
		return log.VERBOSE2
	case "debug":
		return log.DEBUG
	case "info":
		return log.INFO
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "none":
		return log.NONE
	default:
		fmt.Fprintf(os.Stderr, "rabbitdigger: unknown log level %q, defaulting to info\n", s)
		return log.INFO
	}
}
