// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/evoluhq/evolu-sub002/internal/config"
	"github.com/evoluhq/evolu-sub002/internal/reconcile"
	"github.com/evoluhq/evolu-sub002/internal/relay"
	"github.com/evoluhq/evolu-sub002/internal/relay/transport"
	"github.com/evoluhq/evolu-sub002/pkg/log"
	natsclient "github.com/evoluhq/evolu-sub002/pkg/nats"
	"github.com/evoluhq/evolu-sub002/pkg/runtimeEnv"
	"github.com/evoluhq/evolu-sub002/pkg/skiplist"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/gops/agent"
	"github.com/google/uuid"
	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	var flagConfigFile string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Overwrite the global config options by those specified in `config.json`")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			log.Fatalf("gops/agent.Listen failed: %s", err.Error())
		}
	}

	if err := config.Init(flagConfigFile); err != nil {
		log.Fatalf("loading config failed: %s", err.Error())
	}

	store, err := skiplist.Open(config.Keys.DB, skiplist.DefaultConfig(), nil)
	if err != nil {
		log.Fatalf("opening skiplist store failed: %s", err.Error())
	}

	driver := reconcile.NewDriver(store, config.Keys.RangesMaxSize)

	registry := prometheus.NewRegistry()
	metrics := relay.NewMetrics(registry)

	ingest, err := relay.NewIngestService(store, driver, config.Keys.MaxStoredBytesPerOwner, config.Keys.OwnerMutexCacheSize, metrics)
	if err != nil {
		log.Fatalf("creating ingest service failed: %s", err.Error())
	}

	subs := relay.NewSubscriberRegistry(metrics)

	var natsClient *natsclient.Client
	if config.Keys.Nats.Address != "" {
		natsClient, err = natsclient.NewClient(&config.Keys.Nats)
		if err != nil {
			log.Warnf("NATS connection failed, running without cross-instance fanout: %v", err)
		}
	}
	fanout := relay.NewFanout(natsClient, subs, uuid.NewString())
	if err := fanout.Start(); err != nil {
		log.Fatalf("starting NATS fanout failed: %s", err.Error())
	}

	srv := transport.NewServer(ingest, subs, fanout, nil, metrics)

	mux := http.NewServeMux()
	mux.Handle("/owner/", srv.Router())
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	handler := handlers.CustomLoggingHandler(io.Discard, mux, func(_ io.Writer, params handlers.LogFormatterParams) {
		log.Infof("%s %s (%d, %dms)",
			params.Request.Method, params.URL.RequestURI(),
			params.StatusCode, time.Since(params.TimeStamp).Milliseconds())
	})

	httpServer := &http.Server{
		Addr:         config.Keys.Addr,
		Handler:      handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))(handler),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		log.Fatalf("creating scheduler failed: %s", err.Error())
	}
	interval, err := time.ParseDuration(config.Keys.MaintenanceInterval)
	if err != nil {
		log.Fatalf("parsing maintenance-interval failed: %s", err.Error())
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(ingest.LogStats),
	); err != nil {
		log.Fatalf("scheduling maintenance job failed: %s", err.Error())
	}
	scheduler.Start()

	if err := runtimeEnv.DropPrivileges(config.Keys.User, config.Keys.Group); err != nil {
		log.Fatalf("error while changing user: %s", err.Error())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("evolu-relay listening at %s", config.Keys.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-sigs
		runtimeEnv.SystemdNotifiy(false, "shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)

		scheduler.Shutdown()
		if natsClient != nil {
			natsClient.Close()
		}
		store.Close()
	}()

	runtimeEnv.SystemdNotifiy(true, "running")
	wg.Wait()
	log.Info("evolu-relay: graceful shutdown complete")
}
