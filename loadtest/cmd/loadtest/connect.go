package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/whisper/groupchat/loadtest/client"
	"github.com/whisper/groupchat/loadtest/stats"
)

// target is one socket to open.
type target struct {
	groupID string
	userID  string
}

// rampOpts controls connectAll.
type rampOpts struct {
	url         string
	ramp        time.Duration
	concurrency int
	minter      *client.Minter
	// setup registers handlers before the session opens.
	setup func(*client.Client)
}

// connectAll opens every target, spreading launches over the ramp and
// bounding in-flight dials by concurrency. It returns the clients that
// reached session_opened and reports whether ctx ended first.
func connectAll(ctx context.Context, targets []target, o rampOpts, collector *stats.Collector, label string) ([]*client.Client, bool) {
	if o.concurrency <= 0 {
		o.concurrency = 1
	}
	var (
		mu      sync.Mutex
		clients = make([]*client.Client, 0, len(targets))
		wg      sync.WaitGroup
		sem     = make(chan struct{}, o.concurrency)
	)

	if len(targets) == 0 {
		return nil, false
	}
	interval := o.ramp / time.Duration(len(targets))
	if interval <= 0 {
		interval = time.Millisecond
	}

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				n := collector.ConnectionCount()
				rate := float64(n-lastCount) / now.Sub(lastTime).Seconds()
				fmt.Printf("  [%s] open: %d/%d  rejected: %d  errors: %d  rate: %.1f conn/s\n",
					label, n, len(targets), collector.RejectedCount(), collector.ErrorCount(), rate)
				lastCount = n
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	interrupted := false
launch:
	for _, tg := range targets {
		select {
		case <-ctx.Done():
			interrupted = true
			break launch
		case <-ticker.C:
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(tg target) {
			defer wg.Done()
			defer func() { <-sem }()

			connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			token, err := o.minter.Token(tg.userID)
			if err != nil {
				collector.AddError()
				return
			}
			c, err := client.Dial(connCtx, o.url, tg.groupID, tg.userID, token)
			if err != nil {
				collector.AddError()
				return
			}
			if o.setup != nil {
				o.setup(c)
			}
			if err := c.WaitOpen(connCtx); err != nil {
				var ce *client.CloseError
				if errors.As(err, &ce) {
					collector.AddRejected(ce.Code)
				} else {
					collector.AddError()
				}
				_ = c.Close()
				return
			}
			collector.AddConnect(c.GetMetrics().ConnectLatency)

			mu.Lock()
			clients = append(clients, c)
			mu.Unlock()
		}(tg)
	}

	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\n%s complete: %d/%d open in %s (%d rejected, %d errors)\n",
		label, len(clients), len(targets), time.Since(start).Round(time.Millisecond),
		collector.RejectedCount(), collector.ErrorCount())
	return clients, interrupted
}

func closeAll(clients []*client.Client) {
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		_ = c.Close()
	}
}

// startScraper attaches a metrics scraper when url is set.
func startScraper(ctx context.Context, url string, collector *stats.Collector) *stats.Scraper {
	if url == "" {
		return nil
	}
	s := stats.NewScraper(url, 2*time.Second)
	collector.SetScraper(s)
	s.Start(ctx)
	return s
}
