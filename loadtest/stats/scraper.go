package stats

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// tracked lists the server series shown in the report. Labelled series are
// summed across label sets.
var tracked = []struct {
	label  string
	metric string
}{
	{"Connections", "groupchat_connections_active"},
	{"Active Groups", "groupchat_groups_active"},
	{"Messages", "groupchat_messages_total"},
	{"Events Out", "groupchat_events_published_total"},
	{"Send Failures", "groupchat_delivery_failures_total"},
	{"Rejected", "groupchat_connections_rejected_total"},
	{"Reports", "groupchat_reports_filed_total"},
}

// averaged lists histograms reported as the mean over the run.
var averaged = []struct {
	label  string
	metric string
	unit   string
}{
	{"Command Latency", "groupchat_command_latency_seconds", "s"},
	{"Fan-out Size", "groupchat_fanout_size", ""},
}

// sample is one scrape: metric name to value.
type sample struct {
	at     time.Time
	values map[string]float64
}

// Scraper polls the server's /metrics endpoint during a run.
type Scraper struct {
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	samples []sample

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScraper returns a scraper for url polling every interval.
func NewScraper(url string, interval time.Duration) *Scraper {
	return &Scraper{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		done:     make(chan struct{}),
	}
}

// Start scrapes once now, then every interval until Stop or ctx ends. A
// final scrape is taken on the way out.
func (s *Scraper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.record()
	go func() {
		defer close(s.done)
		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				s.record()
				return
			case <-t.C:
				s.record()
			}
		}
	}()
}

// Stop ends the scrape loop and waits for it.
func (s *Scraper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// record keeps a successful scrape. The server may not be up yet, so
// failures are ignored.
func (s *Scraper) record() {
	smp, err := s.fetch()
	if err != nil {
		return
	}
	s.mu.Lock()
	s.samples = append(s.samples, smp)
	s.mu.Unlock()
}

func (s *Scraper) fetch() (sample, error) {
	resp, err := s.client.Get(s.url)
	if err != nil {
		return sample{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return sample{}, fmt.Errorf("scrape %s: %s", s.url, resp.Status)
	}
	return parseExposition(resp.Body)
}

// parseExposition reads the Prometheus text format, summing series that
// share a name.
func parseExposition(r io.Reader) (sample, error) {
	smp := sample{at: time.Now(), values: make(map[string]float64)}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || line[0] == '#' {
			continue
		}
		if name, v, ok := parseMetricLine(line); ok {
			smp.values[name] += v
		}
	}
	return smp, sc.Err()
}

// parseMetricLine splits `name{labels} value [timestamp]` into the bare name
// and value.
func parseMetricLine(line string) (string, float64, bool) {
	name, rest := line, ""
	if i := strings.IndexAny(line, "{ "); i >= 0 {
		name, rest = line[:i], line[i:]
	}
	if strings.HasPrefix(rest, "{") {
		_, after, ok := strings.Cut(rest, "}")
		if !ok {
			return "", 0, false
		}
		rest = after
	}
	fields := strings.Fields(rest)
	if name == "" || len(fields) == 0 {
		return "", 0, false
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return "", 0, false
	}
	return name, v, true
}

// Report prints the server-side summary to stdout.
func (s *Scraper) Report() { s.WriteReport(os.Stdout) }

// WriteReport prints initial, final, delta and peak for every tracked
// series, then histogram averages over the run.
func (s *Scraper) WriteReport(w io.Writer) {
	s.mu.Lock()
	samples := append([]sample(nil), s.samples...)
	s.mu.Unlock()

	if len(samples) == 0 {
		fmt.Fprintln(w, "\n--- Server Metrics (no data collected) ---")
		return
	}
	first, last := samples[0], samples[len(samples)-1]

	fmt.Fprintln(w, "\n--- Server Metrics (Prometheus) ---")
	fmt.Fprintf(w, "  Scrape count:  %d snapshots over %s\n\n",
		len(samples), last.at.Sub(first.at).Round(time.Second))

	fmt.Fprintf(w, "  %-16s %10s %10s %10s %10s\n", "Metric", "Initial", "Final", "Delta", "Peak")
	for _, m := range tracked {
		a, b := first.values[m.metric], last.values[m.metric]
		peak := a
		for _, smp := range samples {
			peak = max(peak, smp.values[m.metric])
		}
		fmt.Fprintf(w, "  %-16s %10.0f %10.0f %10.0f %10.0f\n", m.label, a, b, b-a, peak)
	}

	fmt.Fprintln(w)
	for _, h := range averaged {
		n := last.values[h.metric+"_count"] - first.values[h.metric+"_count"]
		if n <= 0 {
			fmt.Fprintf(w, "  %-16s avg: N/A  (no observations)\n", h.label)
			continue
		}
		sum := last.values[h.metric+"_sum"] - first.values[h.metric+"_sum"]
		fmt.Fprintf(w, "  %-16s avg: %.4f%s  (%.0f observations)\n", h.label, sum/n, h.unit, n)
	}
}
