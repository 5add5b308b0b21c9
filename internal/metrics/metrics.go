// Package metrics exports the load tracking state of a run to
// prometheus: per-CPU and per-cluster gauges fed by window rollovers,
// placement counters and the accounting bug counters.
package metrics

import (
	"strconv"
	"sync"

	"walt-sched/internal/sim"
	"walt-sched/internal/walt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric labels
const (
	LabelCPU      = "cpu"
	LabelCluster  = "cluster"
	LabelPolicy   = "policy"
	LabelFastpath = "fastpath"
	LabelKind     = "kind"
	LabelFatal    = "fatal"
)

// Metrics implements sim.Listener and walt.Observer.
type Metrics struct {
	// Per-CPU window state
	cpuUtil            *prometheus.GaugeVec
	cpuPredictedLoad   *prometheus.GaugeVec
	cpuPrevRunnableSum *prometheus.GaugeVec
	cpuNrRunning       *prometheus.GaugeVec
	cpuBigTasks        *prometheus.GaugeVec
	windowsTotal       *prometheus.CounterVec

	// Per-cluster state
	clusterFreq *prometheus.GaugeVec

	// Placement
	placementsTotal *prometheus.CounterVec
	fallbacksTotal  prometheus.Counter

	// Accounting health
	bugsTotal            *prometheus.CounterVec
	softCorrectionsTotal prometheus.Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// New creates the metrics without registering them.
func New() *Metrics {
	return &Metrics{
		cpuUtil: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walt_cpu_util",
				Help: "Frequency input of the CPU at the last window rollover, capacity units",
			},
			[]string{LabelCPU},
		),
		cpuPredictedLoad: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walt_cpu_predicted_load",
				Help: "Summed predicted demand of the runnable tasks, capacity units",
			},
			[]string{LabelCPU},
		),
		cpuPrevRunnableSum: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walt_cpu_prev_runnable_sum_ns",
				Help: "Busy time of the CPU in the previous window",
			},
			[]string{LabelCPU},
		),
		cpuNrRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walt_cpu_nr_running",
				Help: "Runnable tasks on the CPU",
			},
			[]string{LabelCPU},
		),
		cpuBigTasks: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walt_cpu_big_tasks",
				Help: "Runnable tasks that do not fit the CPU",
			},
			[]string{LabelCPU},
		),
		windowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walt_window_rollovers_total",
				Help: "Window rollovers reported to the governor",
			},
			[]string{LabelCPU},
		),
		clusterFreq: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "walt_cluster_freq_khz",
				Help: "Current frequency of the cluster",
			},
			[]string{LabelCluster},
		),
		placementsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walt_placements_total",
				Help: "Wakeup placements by index policy and fast path",
			},
			[]string{LabelPolicy, LabelFastpath},
		),
		fallbacksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "walt_placement_fallbacks_total",
				Help: "Wakeups that kept the previous CPU for lack of a placement",
			},
		),
		bugsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walt_accounting_bugs_total",
				Help: "Accounting invariant violations by kind",
			},
			[]string{LabelKind, LabelFatal},
		),
		softCorrectionsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "walt_soft_corrections_total",
				Help: "Negative aggregates clamped to zero",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.cpuUtil,
		m.cpuPredictedLoad,
		m.cpuPrevRunnableSum,
		m.cpuNrRunning,
		m.cpuBigTasks,
		m.windowsTotal,
		m.clusterFreq,
		m.placementsTotal,
		m.fallbacksTotal,
		m.bugsTotal,
		m.softCorrectionsTotal,
	}
}

// Register adds every metric to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Default returns the metrics registered with the default registry.
func Default() (*Metrics, error) {
	defaultMetricsOnce.Do(func() {
		m := New()
		if defaultMetricsErr = m.Register(prometheus.DefaultRegisterer); defaultMetricsErr == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics, defaultMetricsErr
}

// WindowClosed implements sim.Listener.
func (m *Metrics) WindowClosed(s sim.WindowSample) {
	cpu := strconv.Itoa(s.CPU)
	m.cpuUtil.WithLabelValues(cpu).Set(float64(s.Util))
	m.cpuPredictedLoad.WithLabelValues(cpu).Set(float64(s.PL))
	m.cpuPrevRunnableSum.WithLabelValues(cpu).Set(float64(s.PrevRunnableSum))
	m.cpuNrRunning.WithLabelValues(cpu).Set(float64(s.NrRunning))
	m.cpuBigTasks.WithLabelValues(cpu).Set(float64(s.NrBigTasks))
	m.windowsTotal.WithLabelValues(cpu).Inc()
	m.clusterFreq.WithLabelValues(strconv.Itoa(s.Cluster)).Set(float64(s.FreqKHz))
}

// Placed implements sim.Listener.
func (m *Metrics) Placed(p sim.PlacementSample) {
	if p.Fallback {
		m.fallbacksTotal.Inc()
		return
	}
	m.placementsTotal.WithLabelValues(p.Policy, p.Fastpath).Inc()
}

// Bug implements walt.Observer.
func (m *Metrics) Bug(kind walt.FatalKind, fatal bool) {
	m.bugsTotal.WithLabelValues(kind.String(), strconv.FormatBool(fatal)).Inc()
}

// SoftCorrection implements walt.Observer.
func (m *Metrics) SoftCorrection() {
	m.softCorrectionsTotal.Inc()
}
