// main.go - relayproxy daemon entry point.
// Copyright (C) 2024  the relayproxy authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// main.go - relayproxy daemon.
//
// relayproxy exposes an HTTP origin through a set of Nostr relays: incoming
// requests arrive as layered gift-wrapped events and outgoing responses are
// gift-wrapped back to the requester, chunked to fit relay size limits.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	oplog "gopkg.in/op/go-logging.v1"

	"github.com/nostrbridge/relayproxy/internal/config"
	"github.com/nostrbridge/relayproxy/internal/dedup"
	"github.com/nostrbridge/relayproxy/internal/httpclient"
	"github.com/nostrbridge/relayproxy/internal/identity"
	"github.com/nostrbridge/relayproxy/internal/logging"
	"github.com/nostrbridge/relayproxy/internal/metrics"
	"github.com/nostrbridge/relayproxy/internal/pipeline"
	"github.com/nostrbridge/relayproxy/internal/publisher"
	"github.com/nostrbridge/relayproxy/internal/reassembly"
	"github.com/nostrbridge/relayproxy/internal/relay/wsrelay"
	"github.com/nostrbridge/relayproxy/internal/routegate"
	"github.com/nostrbridge/relayproxy/internal/transform"
	"github.com/nostrbridge/relayproxy/internal/xcrypto"
)

type rootConfig struct {
	ConfigFile string
}

func newRootCommand() *cobra.Command {
	var cfg rootConfig

	cmd := &cobra.Command{
		Use:   "relayproxy",
		Short: "Exposes an HTTP origin over a Nostr relay network",
		Example: `  # Start with the default configuration path
  relayproxy

  # Start with an explicit configuration file
  relayproxy --config /etc/relayproxy/relayproxy.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "relayproxy.toml",
		"path to the relayproxy configuration file (TOML format)")

	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func run(rc rootConfig) error {
	cfg, err := config.LoadFile(rc.ConfigFile)
	if err != nil {
		return fmt.Errorf("relayproxy: %w", err)
	}

	logBackend, err := logging.New(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("relayproxy: %w", err)
	}
	defer logBackend.Close()
	log := logBackend.GetLogger("relayproxy")

	ourSecret, err := xcrypto.SecretFromHex(cfg.SecretKeyHex)
	if err != nil {
		return fmt.Errorf("relayproxy: secretKey: %w", err)
	}
	ourPublic, err := xcrypto.PublicOf(ourSecret)
	if err != nil {
		return fmt.Errorf("relayproxy: derive pubkey: %w", err)
	}

	wrapStore, requestStore, err := buildDedupStores(cfg)
	if err != nil {
		return err
	}
	wraps := dedup.NewWrapSet(wrapStore)
	requests := dedup.NewRequestSet(requestStore, time.Now())

	buffer := reassembly.New(func(id string) {
		log.Debugf("reassembly: request %s expired", id)
	})

	gate := routegate.New(cfg.AllowedRoutes)

	client, err := httpclient.New(cfg.Destination, cfg.Timeout())
	if err != nil {
		return fmt.Errorf("relayproxy: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var xform transform.Transformer
	if cfg.WasmTransformerPath != "" {
		wt, err := transform.NewWasmTransformer(ctx, cfg.WasmTransformerPath)
		if err != nil {
			return fmt.Errorf("relayproxy: %w", err)
		}
		defer wt.Close(ctx)
		xform = wt
	}

	var idStore *identity.Store
	if cfg.IdentityStorePath != "" {
		idStore, err = identity.OpenStore(cfg.IdentityStorePath)
		if err != nil {
			return fmt.Errorf("relayproxy: %w", err)
		}
		defer idStore.Close()
		if lastNP, lastAt, ok := idStore.Last(ourPublic); ok {
			log.Noticef("identity: last advertised as %s at %s", lastNP, lastAt.Format(time.RFC3339))
		}
	}

	reg := prometheus.NewRegistry()
	mset := metrics.New(reg)
	if cfg.MetricsListenAddr != "" {
		go serveMetrics(cfg.MetricsListenAddr, reg, log)
	}

	pool := wsrelay.New(log)

	pub := &publisher.Publisher{
		OurSecret: ourSecret,
		OurPublic: ourPublic,
		Pool:      pool,
		Relays:    cfg.Relays,
		OnPublishError: func(relayURL string, err error) {
			log.Warningf("publish: %s: %v", relayURL, err)
		},
	}

	// nprofile is filled in below, once warm-up has established which
	// configured relays actually connected. Run has already installed the
	// subscription by then, so HandleWrap may read it concurrently with
	// that store; an atomic.Value keeps the read and the write race-free.
	var nprofile atomic.Value
	nprofile.Store("")

	handler := &pipeline.Handler{
		OurSecret:    ourSecret,
		OurPublic:    ourPublic,
		Wraps:        wraps,
		Requests:     requests,
		Reassembly:   buffer,
		Gate:         gate,
		HTTP:         client,
		Transformer:  xform,
		Publisher:    pub,
		Metrics:      mset,
		Log:          log,
		Destination:  cfg.Destination,
		SecretKeyHex: cfg.SecretKeyHex,
		NProfile:     func() string { return nprofile.Load().(string) },
	}

	orch := &pipeline.Orchestrator{
		Handler: handler,
		Pool:    pool,
		Relays:  cfg.Relays,
		Log:     log,
	}

	if err := orch.Run(ctx); err != nil {
		return fmt.Errorf("relayproxy: %w", err)
	}
	log.Notice("relayproxy: running")

	// Advertise only relays warm-up actually connected to, not the
	// configured list: warmUp returns as soon as one relay connects, so
	// the rest are probed here to find out which of them are up too.
	connectedRelays := make([]string, 0, len(cfg.Relays))
	for _, r := range cfg.Relays {
		rel, err := pool.EnsureRelay(ctx, r)
		if err == nil && rel != nil && rel.Connected {
			connectedRelays = append(connectedRelays, r)
		}
	}
	np, err := identity.Compute(ourPublic, connectedRelays, cfg.NProfileMaxRelays)
	if err != nil {
		log.Warningf("identity: compute nprofile: %v", err)
	} else {
		nprofile.Store(np)
		log.Noticef("identity: nprofile=%s", np)
		if idStore != nil {
			if err := idStore.Save(ourPublic, np, time.Now()); err != nil {
				log.Warningf("identity: persist nprofile: %v", err)
			}
		}
	}

	go runCompactionLoop(ctx, wraps, requests, log)

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)
	<-haltCh

	log.Notice("relayproxy: shutting down")
	cancel()
	orch.Halt(os.Exit)
	return nil
}

// buildDedupStores returns independent stores for the wrap-id and
// request-id dedup sets. When backed by Redis they share a client but use
// distinct sorted-set keys so the two id spaces never collide.
func buildDedupStores(cfg *config.Config) (dedup.Store, dedup.Store, error) {
	switch cfg.Dedup.Backend {
	case config.DedupBackendRedis:
		opts, err := redis.ParseURL(cfg.Dedup.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("relayproxy: dedup.redisURL: %w", err)
		}
		client := redis.NewClient(opts)
		wrap := dedup.NewRedisStore(client, cfg.Dedup.RedisKey+":wraps")
		request := dedup.NewRedisStore(client, cfg.Dedup.RedisKey+":requests")
		return wrap, request, nil
	default:
		return dedup.NewMemoryStore(), dedup.NewMemoryStore(), nil
	}
}

func runCompactionLoop(ctx context.Context, wraps *dedup.WrapSet, requests *dedup.RequestSet, log *oplog.Logger) {
	wrapTicker := time.NewTicker(dedup.WrapCompactInterval)
	requestTicker := time.NewTicker(dedup.RequestCompactInterval)
	defer wrapTicker.Stop()
	defer requestTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-wrapTicker.C:
			if err := wraps.Compact(ctx, now); err != nil {
				log.Warningf("dedup: wrap compaction: %v", err)
			}
		case now := <-requestTicker.C:
			if err := requests.Compact(ctx, now); err != nil {
				log.Warningf("dedup: request compaction: %v", err)
			}
		}
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log *oplog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warningf("metrics: listen %s: %v", addr, err)
	}
}
