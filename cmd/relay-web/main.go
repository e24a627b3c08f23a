package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"Pulse-Relay/internal/core/network"
	"Pulse-Relay/internal/metrics"
	"Pulse-Relay/internal/relay"
	"Pulse-Relay/internal/relayapi"
)

func main() {
	addr := flag.String("addr", ":8090", "http listen address")
	staticDir := flag.String("static", "web", "directory served at /")
	nodeID := flag.String("node-id", "", "relay node id (defaults to mesh peer id or hostname)")
	logLevel := flag.String("log-level", "info", "debug, info, warn or error")
	p2p := flag.Bool("p2p", false, "join the relay mesh over libp2p")
	p2pListen := flag.String("p2p-listen", "", "comma-separated mesh listen multiaddrs")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap peer multiaddrs")
	enableMDNS := flag.Bool("mdns", true, "discover mesh peers via mdns")
	identityKey := flag.String("identity-key", "", "path to a persisted mesh identity key")
	flag.Parse()

	logger := buildLogger(*logLevel)

	var bus network.PubSub
	var peers relayapi.PeerInfo
	var meshID string
	if *p2p {
		p, err := network.NewLibp2pPubSub(context.Background(), network.Libp2pOptions{
			ListenAddrs:     splitList(*p2pListen),
			Bootstrap:       splitList(*bootstrap),
			Rendezvous:      "pulse-relay",
			EnableMDNS:      *enableMDNS,
			IdentityKeyFile: *identityKey,
		}, logger)
		if err != nil {
			log.Fatalf("start mesh transport: %v", err)
		}
		defer p.Close()
		bus = p
		peers = p
		meshID = p.PeerID()
	}

	id := *nodeID
	if id == "" {
		id = meshID
	}
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "pulse-relay"
		}
		id = host
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hub := relay.NewHub(id, relay.NewRegistry(), bus, logger, m)
	if err := hub.Start(); err != nil {
		log.Fatalf("start hub: %v", err)
	}
	defer hub.Stop()

	api := relayapi.NewServer(hub, logger, m, peers)
	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", http.FileServer(http.Dir(*staticDir)))

	logger.Info("pulse-relay listening", "addr", *addr, "node", id, "mesh", *p2p)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(level string) *slog.Logger {
	l := slog.LevelInfo
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
