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

// Command screenshots starts a throwaway server, scores a short demo
// innings in a remote Chrome and saves a screenshot of every screen.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/chromedp/chromedp"
	"github.com/ttbt-io/cricketscorer/backend"
	"github.com/ttbt-io/cricketscorer/tools/e2ehelpers"
)

var (
	chromeURL = flag.String("chrome-url", "", "The url of the remote debugging port")
	outputDir = flag.String("output-dir", "/screenshots", "Directory to save screenshots")
	hostName  = flag.String("host", "localhost", "Host name the browser uses to reach the server")
)

var demoInnings = []e2ehelpers.Ball{
	{Runs: 1},
	{Runs: 4},
	{Runs: 0},
	{Runs: 1, ExtraType: "wide"},
	{Runs: 6},
	{Runs: 2},
	{Runs: 0, IsWicket: true, WicketType: "caught"},
	{Runs: 1, ExtraType: "leg-bye"},
	{Runs: 4},
	{Runs: 0, ExtraType: "no-ball"},
	{Runs: 3},
}

func main() {
	flag.Parse()
	if *chromeURL == "" {
		log.Fatal("--chrome-url must be set")
	}

	baseURL, shutdown := startServer()
	defer shutdown()
	log.Printf("Server started at %s", baseURL)

	ctx, cancel := chromedp.NewRemoteAllocator(context.Background(), *chromeURL)
	defer cancel()
	ctx, cancel = chromedp.NewContext(ctx, chromedp.WithLogf(log.Printf))
	defer cancel()
	ctx, cancel = context.WithTimeout(ctx, 55*time.Second)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.EmulateViewport(1280, 900)); err != nil {
		log.Fatalf("Failed to set viewport: %v", err)
	}
	shot := func(name string) {
		if err := chromedp.Run(ctx, e2ehelpers.DisableCSSAnimations()); err != nil {
			log.Printf("DisableCSSAnimations: %v", err)
		}
		if err := e2ehelpers.CaptureScreenshot(ctx, filepath.Join(*outputDir, name)); err != nil {
			log.Fatal(err)
		}
	}

	if err := e2ehelpers.LoginAs(ctx, baseURL, "demo@example.com"); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	if err := chromedp.Run(ctx, chromedp.WaitVisible(`form.setup`, chromedp.ByQuery)); err != nil {
		log.Fatalf("Setup screen not shown: %v", err)
	}
	shot("setup.png")

	err := e2ehelpers.SetupMatch(ctx, baseURL, e2ehelpers.MatchForm{
		Format:     "T20",
		Venue:      "Harbourside Ground",
		Date:       "2025-06-14",
		Time:       "13:00",
		HomeTeam:   "harbour-hawks",
		AwayTeam:   "valley-vipers",
		TossWinner: "home",
		TossChoice: "bat",
	})
	if err != nil {
		log.Fatalf("Match setup failed: %v", err)
	}
	for i, b := range demoInnings {
		if err := e2ehelpers.RecordBall(ctx, b); err != nil {
			log.Fatalf("Ball %d failed: %v", i+1, err)
		}
	}
	shot("scoring.png")

	if err := e2ehelpers.OpenDashboard(ctx); err != nil {
		log.Fatalf("Dashboard failed: %v", err)
	}
	shot("dashboard.png")
}

func startServer() (string, func()) {
	dataDir, err := os.MkdirTemp("", "screenshots-*")
	if err != nil {
		log.Fatal(err)
	}
	s := storage.New(dataDir, nil)
	ts := backend.NewTeamStore(dataDir, s, nil)
	if _, err := ts.SeedTeams(); err != nil {
		log.Fatal(err)
	}
	ms := backend.NewMatchStore(dataDir, s, nil)

	l, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		log.Fatal(err)
	}
	_, port, _ := net.SplitHostPort(l.Addr().String())

	server, err := backend.StartServer(backend.Options{
		Listener:    l,
		DataDir:     dataDir,
		Storage:     s,
		MatchStore:  ms,
		TeamStore:   ts,
		Registry:    backend.NewRegistry(ms, ts, nil),
		UseMockAuth: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	return fmt.Sprintf("http://%s:%s", *hostName, port), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		os.RemoveAll(dataDir)
	}
}
