package stats

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseMetricLine(t *testing.T) {
	tests := []struct {
		line  string
		name  string
		value float64
		ok    bool
	}{
		{"groupchat_connections_active 42", "groupchat_connections_active", 42, true},
		{`groupchat_messages_total{type="sent"} 7`, "groupchat_messages_total", 7, true},
		{`groupchat_command_latency_seconds_sum{type="send_message"} 0.25`, "groupchat_command_latency_seconds_sum", 0.25, true},
		{`broken{type="x" 1`, "", 0, false},
		{"lonely", "", 0, false},
		{"bad_value abc", "", 0, false},
	}
	for _, tt := range tests {
		name, value, ok := parseMetricLine(tt.line)
		if ok != tt.ok || name != tt.name || value != tt.value {
			t.Errorf("parseMetricLine(%q) = %q, %v, %v; want %q, %v, %v",
				tt.line, name, value, ok, tt.name, tt.value, tt.ok)
		}
	}
}

func TestScraper_SumsLabelledSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`# HELP groupchat_messages_total Chat messages processed
# TYPE groupchat_messages_total counter
groupchat_messages_total{type="sent"} 10
groupchat_messages_total{type="blocked"} 2
groupchat_connections_active 5
groupchat_groups_active 2
`))
	}))
	defer srv.Close()

	smp, err := NewScraper(srv.URL, time.Second).fetch()
	if err != nil {
		t.Fatalf("fetch() error: %v", err)
	}
	if got := smp.values["groupchat_messages_total"]; got != 12 {
		t.Errorf("messages = %v, want 12", got)
	}
	if c, g := smp.values["groupchat_connections_active"], smp.values["groupchat_groups_active"]; c != 5 || g != 2 {
		t.Errorf("connections, groups = %v, %v; want 5, 2", c, g)
	}
}

func TestScraper_WriteReport(t *testing.T) {
	first, err := parseExposition(strings.NewReader(`groupchat_connections_active 1
groupchat_command_latency_seconds_sum 1
groupchat_command_latency_seconds_count 10
`))
	if err != nil {
		t.Fatal(err)
	}
	last, err := parseExposition(strings.NewReader(`groupchat_connections_active 4
groupchat_command_latency_seconds_sum 3
groupchat_command_latency_seconds_count 30
`))
	if err != nil {
		t.Fatal(err)
	}
	s := NewScraper("", time.Second)
	s.samples = []sample{first, last}

	var buf bytes.Buffer
	s.WriteReport(&buf)
	out := buf.String()
	for _, want := range []string{
		"2 snapshots",
		fmt.Sprintf("  %-16s %10.0f %10.0f %10.0f %10.0f", "Connections", 1.0, 4.0, 3.0, 4.0),
		"avg: 0.1000s  (20 observations)",
		fmt.Sprintf("  %-16s avg: N/A", "Fan-out Size"),
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestSummarize(t *testing.T) {
	var ds []time.Duration
	for i := 100; i >= 1; i-- {
		ds = append(ds, time.Duration(i)*time.Millisecond)
	}
	p := Summarize(ds)
	if p.N != 100 {
		t.Fatalf("N = %d", p.N)
	}
	if p.P50 != 51*time.Millisecond {
		t.Errorf("P50 = %v, want 51ms", p.P50)
	}
	if p.P95 != 95*time.Millisecond || p.P99 != 99*time.Millisecond {
		t.Errorf("P95, P99 = %v, %v; want 95ms, 99ms", p.P95, p.P99)
	}
	if p.Max != 100*time.Millisecond {
		t.Errorf("Max = %v", p.Max)
	}
	if p.Avg != 50500*time.Microsecond {
		t.Errorf("Avg = %v, want 50.5ms", p.Avg)
	}

	if got := Summarize(nil); got.N != 0 {
		t.Errorf("Summarize(nil) = %+v", got)
	}
}

func TestCollector_Rejected(t *testing.T) {
	c := NewCollector()
	c.AddRejected(1013)
	c.AddRejected(1013)
	c.AddRejected(4003)
	if got := c.RejectedCount(); got != 3 {
		t.Errorf("RejectedCount() = %d, want 3", got)
	}
}
