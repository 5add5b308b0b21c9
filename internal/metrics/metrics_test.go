package metrics

import (
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"walt-sched/internal/sim"
	"walt-sched/internal/walt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestWindowClosedSetsGauges(t *testing.T) {
	m := New()
	m.WindowClosed(sim.WindowSample{CPU: 3, Cluster: 1, Util: 400, PL: 120, FreqKHz: 1800000, NrRunning: 2})
	m.WindowClosed(sim.WindowSample{CPU: 3, Cluster: 1, Util: 300, FreqKHz: 1200000, NrRunning: 1})

	if got := testutil.ToFloat64(m.cpuUtil.WithLabelValues("3")); got != 300 {
		t.Fatalf("util = %v, want the last sample", got)
	}
	if got := testutil.ToFloat64(m.windowsTotal.WithLabelValues("3")); got != 2 {
		t.Fatalf("rollovers = %v", got)
	}
	if got := testutil.ToFloat64(m.clusterFreq.WithLabelValues("1")); got != 1200000 {
		t.Fatalf("cluster freq = %v", got)
	}
}

func TestPlacementAndBugCounters(t *testing.T) {
	m := New()
	m.Placed(sim.PlacementSample{Policy: "default", Fastpath: "prev_cpu"})
	m.Placed(sim.PlacementSample{Policy: "default", Fastpath: "prev_cpu"})
	m.Placed(sim.PlacementSample{Fallback: true})
	m.Bug(walt.KindNegativeSum, false)
	m.Bug(walt.KindClockBackward, true)
	m.SoftCorrection()

	if got := testutil.ToFloat64(m.placementsTotal.WithLabelValues("default", "prev_cpu")); got != 2 {
		t.Fatalf("placements = %v", got)
	}
	if got := testutil.ToFloat64(m.fallbacksTotal); got != 1 {
		t.Fatalf("fallbacks = %v", got)
	}
	if got := testutil.ToFloat64(m.bugsTotal.WithLabelValues("clock_backward", "true")); got != 1 {
		t.Fatalf("fatal bugs = %v", got)
	}
	if got := testutil.ToFloat64(m.softCorrectionsTotal); got != 1 {
		t.Fatalf("soft corrections = %v", got)
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := New().Register(reg); err == nil {
		t.Fatalf("duplicate registration accepted")
	}
}

func TestServerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	m.SoftCorrection()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(ln.Addr().String(), reg)
	dying := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln, dying) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "walt_soft_corrections_total 1") {
		t.Fatalf("metrics output missing the counter:\n%s", body)
	}

	close(dying)
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}
