package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

// runSaturate opens many sockets to a single group, cycling through its
// members, then holds them while watching for drops. Sockets refused with
// 1013 show the server's connection cap.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "Server base URL")
	connections := fs.Int("connections", 1000, "Number of sockets to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after ramp-up")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous dials")
	metricsURL := fs.String("metrics-url", "", "Prometheus endpoint to scrape (empty disables)")
	var (
		l  layout
		af authFlags
	)
	l.register(fs)
	af.register(fs)
	fs.Parse(args)
	af.check()

	groupID := l.groupID(0)
	fmt.Printf("Saturate test: %d sockets to group %s on %s (ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, groupID, *url, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, *metricsURL, collector)

	targets := make([]target, *connections)
	for i := range targets {
		targets[i] = target{groupID: groupID, userID: l.memberID(0, i%l.members)}
	}

	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := connectAll(ctx, targets, rampOpts{
		url:         *url,
		ramp:        *rampUp,
		concurrency: *concurrency,
		minter:      client.NewMinter(af.secret, af.issuer, *rampUp+*hold+time.Minute),
	}, collector, "ramp")

	if !interrupted {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d sockets for %s...\n", len(clients), *hold)
		holdAll(ctx, clients, *hold)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

// holdAll waits for d, printing how many sockets are still alive.
func holdAll(ctx context.Context, clients []*client.Client, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during hold phase.")
			return
		case <-timer.C:
			fmt.Println("\nHold period complete.")
			return
		case <-status.C:
			alive := 0
			codes := map[int]int{}
			for _, c := range clients {
				if c.Alive() {
					alive++
				} else if ce := c.CloseStatus(); ce != nil {
					codes[ce.Code]++
				}
			}
			fmt.Printf("  [hold] alive: %d/%d  closed by server: %v\n", alive, len(clients), codes)
		}
	}
}
