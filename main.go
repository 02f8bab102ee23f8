// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ttbt-io/cricketscorer/backend"
	"github.com/ttbt-io/cricketscorer/config"
)

// main starts the web server and registers the API handlers.
func main() {
	if err := config.LoadDotEnv(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := backend.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	backend.SetLogger(logger)
	log := logger.Sugar()

	var mainTLSCert *tls.Certificate
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			log.Fatalw("Failed to load TLS cert/key", "error", err)
		}
		mainTLSCert = &cert
	}

	store, masterKey, err := backend.OpenStorage(cfg.DataDir, cfg.MasterKey)
	if err != nil {
		log.Fatalw("Failed to open storage", "error", err)
	}

	var events backend.EventPublisher
	if cfg.NATSURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		p, err := backend.NewNATSPublisher(ctx, cfg.NATSURL)
		cancel()
		if err != nil {
			log.Fatalw("Failed to connect to NATS", "url", cfg.NATSURL, "error", err)
		}
		events = p
		log.Infow("Publishing match events", "url", cfg.NATSURL)
	}

	server, err := backend.StartServer(backend.Options{
		Addr:                  cfg.Addr,
		DataDir:               cfg.DataDir,
		Storage:               store,
		MasterKey:             masterKey,
		Cert:                  mainTLSCert,
		Events:                events,
		UseMockAuth:           cfg.UseMockAuth,
		Debug:                 cfg.Debug,
		RaftEnabled:           cfg.Raft,
		RaftBind:              cfg.RaftBind,
		RaftAdvertise:         cfg.RaftAdvertise,
		RaftSecret:            cfg.RaftSecret,
		RaftJoin:              cfg.RaftJoin,
		RaftBootstrap:         cfg.RaftBootstrap,
		HTTPAdvertise:         cfg.HTTPAdvertise,
		UseProductionTimeouts: true,
		AuthCookieName:        cfg.AuthCookieName,
		AuthJWKSURL:           cfg.AuthJWKSURL,
		BootstrapAdmin:        cfg.BootstrapAdmin,
		CORSOrigins:           cfg.CORSOrigins,
		BallRate:              cfg.BallRate,
		BallBurst:             cfg.BallBurst,
	})
	if err != nil {
		log.Fatalw("Failed to start server", "error", err)
	}

	// Wait for interrupt signal
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Errorw("Shutdown error", "error", err)
	} else {
		log.Info("Gracefully stopped.")
	}
}
