package utils

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	MetricScansTotal         = "lynxscan_scans_total"
	MetricScanDuration       = "lynxscan_scan_duration_seconds"
	MetricScannerDuration    = "lynxscan_scanner_duration_seconds"
	MetricScannerFailures    = "lynxscan_scanner_failures_total"
	MetricProbesTotal        = "lynxscan_probes_total"
	MetricQuotaRejections    = "lynxscan_quota_rejections_total"
	MetricScansInFlight      = "lynxscan_scans_in_flight"
	MetricSummarizerDuration = "lynxscan_summarizer_duration_seconds"
)

type MetricsCollector struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
	mu         sync.RWMutex
}

func NewMetricsCollector(enableRuntimeMetrics bool) *MetricsCollector {
	reg := prometheus.NewRegistry()

	if enableRuntimeMetrics {
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		_ = reg.Register(collectors.NewGoCollector())
	}

	return &MetricsCollector{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// NewScanMetrics returns a collector with every scan metric registered.
func NewScanMetrics(enableRuntimeMetrics bool) (*MetricsCollector, error) {
	m := NewMetricsCollector(enableRuntimeMetrics)
	scanBuckets := []float64{1, 5, 10, 20, 30, 45, 60, 75, 90}
	regs := []error{
		m.RegisterCounter(MetricScansTotal, "Scans by final state.", "state"),
		m.RegisterHistogram(MetricScanDuration, "End-to-end scan duration.", scanBuckets, "state"),
		m.RegisterHistogram(MetricScannerDuration, "Per-scanner duration.", scanBuckets, "scanner"),
		m.RegisterCounter(MetricScannerFailures, "Scanner runs that returned an error.", "scanner"),
		m.RegisterCounter(MetricProbesTotal, "TCP probes by outcome.", "reachable"),
		m.RegisterCounter(MetricQuotaRejections, "Scans rejected by the daily quota."),
		m.RegisterGauge(MetricScansInFlight, "Scans currently running."),
		m.RegisterHistogram(MetricSummarizerDuration, "Summarization call duration.", nil, "outcome"),
	}
	for _, err := range regs {
		if err != nil {
			return nil, fmt.Errorf("registering scan metrics: %w", err)
		}
	}
	return m, nil
}

func (m *MetricsCollector) RegisterCounter(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.counters[name]; ok {
		return nil
	}
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.counters[name] = are.ExistingCollector.(*prometheus.CounterVec)
			return nil
		}
		return err
	}
	m.counters[name] = cv
	return nil
}

func (m *MetricsCollector) RegisterGauge(name, help string, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.gauges[name]; ok {
		return nil
	}
	gv := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labelNames)
	if err := m.registry.Register(gv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.gauges[name] = are.ExistingCollector.(*prometheus.GaugeVec)
			return nil
		}
		return err
	}
	m.gauges[name] = gv
	return nil
}

func (m *MetricsCollector) RegisterHistogram(name, help string, buckets []float64, labelNames ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.histograms[name]; ok {
		return nil
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labelNames)
	if err := m.registry.Register(hv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.histograms[name] = are.ExistingCollector.(*prometheus.HistogramVec)
			return nil
		}
		return err
	}
	m.histograms[name] = hv
	return nil
}

// A nil collector is valid and drops every observation.

func (m *MetricsCollector) IncCounter(name string, delta float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	cv := m.counters[name]
	m.mu.RUnlock()
	if cv != nil {
		cv.With(labels).Add(delta)
	}
}

func (m *MetricsCollector) AddGauge(name string, delta float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	gv := m.gauges[name]
	m.mu.RUnlock()
	if gv != nil {
		gv.With(labels).Add(delta)
	}
}

func (m *MetricsCollector) ObserveHistogram(name string, value float64, labels prometheus.Labels) {
	if m == nil {
		return
	}
	m.mu.RLock()
	hv := m.histograms[name]
	m.mu.RUnlock()
	if hv != nil {
		hv.With(labels).Observe(value)
	}
}

func (m *MetricsCollector) ObserveDuration(name string, since time.Time, labels prometheus.Labels) {
	m.ObserveHistogram(name, time.Since(since).Seconds(), labels)
}

func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *MetricsCollector) GetRegistry() *prometheus.Registry {
	return m.registry
}
