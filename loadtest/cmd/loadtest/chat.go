package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand/v2"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

// runChat connects every member of every load group, then has each member
// post at a fixed interval for the chat duration. Every new_message a
// socket receives is timed against the send stamp in its client id, which
// measures persist plus fan-out latency per recipient.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080", "Server base URL")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	chatDuration := fs.Duration("duration", 30*time.Second, "How long members chat")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per member")
	msgSize := fs.Int("msg-size", 128, "Message content size in bytes")
	typing := fs.Bool("typing", true, "Send start_typing before each message")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous dials")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus endpoint to scrape (empty disables)")
	var (
		l  layout
		af authFlags
	)
	l.register(fs)
	af.register(fs)
	fs.Parse(args)
	af.check()
	if *msgInterval <= 0 {
		*msgInterval = time.Second
	}

	total := l.groups * l.members
	fmt.Printf("Chat test: %d groups x %d members (%d sockets) on %s (ramp=%s, duration=%s, interval=%s, msg-size=%d)\n",
		l.groups, l.members, total, *url, *rampUp, *chatDuration, *msgInterval, *msgSize)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := startScraper(ctx, *metricsURL, collector)

	var received atomic.Int64
	onMessage := func(raw json.RawMessage) {
		var f struct {
			Message struct {
				ClientID string `json:"client_id"`
			} `json:"message"`
		}
		if err := json.Unmarshal(raw, &f); err != nil {
			collector.AddError()
			return
		}
		if sent, ok := client.SentAt(f.Message.ClientID); ok {
			collector.AddDelivery(time.Since(sent))
		}
		received.Add(1)
	}

	targets := make([]target, 0, total)
	for g := 0; g < l.groups; g++ {
		for m := 0; m < l.members; m++ {
			targets = append(targets, target{groupID: l.groupID(g), userID: l.memberID(g, m)})
		}
	}

	fmt.Println("\n--- Phase 1: Connect all members ---")
	clients, interrupted := connectAll(ctx, targets, rampOpts{
		url:         *url,
		ramp:        *rampUp,
		concurrency: *concurrency,
		minter:      client.NewMinter(af.secret, af.issuer, *rampUp+*chatDuration+time.Minute),
		setup: func(c *client.Client) {
			c.On(client.TypeNewMessage, onMessage)
			c.On(client.TypeRateLimited, func(json.RawMessage) { collector.AddRateLimited() })
		},
	}, collector, "connect")

	if interrupted || len(clients) == 0 {
		fmt.Println("Nothing to chat with, skipping phase 2.")
	} else {
		fmt.Printf("\n--- Phase 2: Chat for %s ---\n", *chatDuration)
		chat(ctx, clients, *chatDuration, *msgInterval, *msgSize, *typing, collector, &received)
	}

	fmt.Println("\n--- Cleanup ---")
	closeAll(clients)
	if scraper != nil {
		scraper.Stop()
	}
	collector.Report()
}

func chat(ctx context.Context, clients []*client.Client, d, interval time.Duration, size int, typing bool,
	collector *stats.Collector, received *atomic.Int64) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	content := strings.Repeat("x", size)

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			// Spread members across the interval so groups do not burst.
			select {
			case <-ctx.Done():
				return
			case <-time.After(rand.N(interval)):
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				if typing {
					_ = c.SetTyping(true)
				}
				if err := c.SendMessage(content); err != nil {
					collector.AddError()
					return
				}
				collector.AddSent()

				select {
				case <-ctx.Done():
					return
				case <-c.Done():
					return
				case <-ticker.C:
				}
			}
		}(c)
	}

	status := time.NewTicker(5 * time.Second)
	defer status.Stop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			// Let in-flight fan-out land before reporting.
			time.Sleep(500 * time.Millisecond)
			fmt.Printf("Chat phase complete: %d deliveries\n", received.Load())
			return
		case <-status.C:
			alive := 0
			for _, c := range clients {
				if c.Alive() {
					alive++
				}
			}
			fmt.Printf("  [chat] alive: %d/%d  deliveries: %d  errors: %d\n",
				alive, len(clients), received.Load(), collector.ErrorCount())
		}
	}
}
