// Package monitoring collects in-process counters, gauges and histograms
// and reports service health.
package monitoring

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType represents different types of metrics.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric represents a single metric measurement.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MetricsCollector collects and manages application metrics.
type MetricsCollector struct {
	metrics    map[string]*Metric
	counters   map[string]*int64
	gauges     map[string]*uint64 // float64 bits
	histograms map[string]*Histogram
	mutex      sync.RWMutex
	prefix     string
}

// Histogram tracks distribution of values.
type Histogram struct {
	bounds  []float64
	buckets []int64
	count   int64
	sum     float64
	mutex   sync.RWMutex
}

// DefaultHistogramBuckets are upper bounds in seconds.
var DefaultHistogramBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetricsCollector creates a new metrics collector. Every metric name is
// prefixed with prefix and an underscore unless prefix is empty.
func NewMetricsCollector(prefix string) *MetricsCollector {
	return &MetricsCollector{
		metrics:    make(map[string]*Metric),
		counters:   make(map[string]*int64),
		gauges:     make(map[string]*uint64),
		histograms: make(map[string]*Histogram),
		prefix:     prefix,
	}
}

// Counter increments a counter metric.
func (mc *MetricsCollector) Counter(name string, labels map[string]string) {
	mc.CounterAdd(name, 1, labels)
}

// CounterAdd adds a value to a counter metric. Negative values are ignored.
func (mc *MetricsCollector) CounterAdd(name string, value int64, labels map[string]string) {
	if value < 0 {
		return
	}
	counter := mc.counter(name, labels)
	if counter != nil {
		atomic.AddInt64(counter, value)
	}
}

func (mc *MetricsCollector) counter(name string, labels map[string]string) *int64 {
	fullName := mc.getFullName(name)
	key := mc.getKey(fullName, labels)

	mc.mutex.RLock()
	counter, exists := mc.counters[key]
	mc.mutex.RUnlock()
	if exists {
		return counter
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if counter, exists := mc.counters[key]; exists {
		return counter
	}
	counter = new(int64)
	mc.counters[key] = counter
	mc.metrics[key] = &Metric{
		Name:   fullName,
		Type:   MetricTypeCounter,
		Labels: copyLabels(labels),
	}
	return counter
}

// Gauge sets a gauge metric value.
func (mc *MetricsCollector) Gauge(name string, value float64, labels map[string]string) {
	gauge := mc.gauge(name, labels)
	if gauge != nil {
		atomic.StoreUint64(gauge, math.Float64bits(value))
	}
}

// GaugeAdd adds delta to a gauge metric.
func (mc *MetricsCollector) GaugeAdd(name string, delta float64, labels map[string]string) {
	gauge := mc.gauge(name, labels)
	if gauge == nil {
		return
	}
	for {
		old := atomic.LoadUint64(gauge)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(gauge, old, next) {
			return
		}
	}
}

func (mc *MetricsCollector) gauge(name string, labels map[string]string) *uint64 {
	fullName := mc.getFullName(name)
	key := mc.getKey(fullName, labels)

	mc.mutex.RLock()
	gauge, exists := mc.gauges[key]
	mc.mutex.RUnlock()
	if exists {
		return gauge
	}

	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if gauge, exists := mc.gauges[key]; exists {
		return gauge
	}
	gauge = new(uint64)
	mc.gauges[key] = gauge
	mc.metrics[key] = &Metric{
		Name:   fullName,
		Type:   MetricTypeGauge,
		Labels: copyLabels(labels),
	}
	return gauge
}

// Histogram observes a value in a histogram.
func (mc *MetricsCollector) Histogram(name string, value float64, labels map[string]string) {
	fullName := mc.getFullName(name)
	key := mc.getKey(fullName, labels)

	mc.mutex.Lock()
	hist, exists := mc.histograms[key]
	if !exists {
		hist = NewHistogram(DefaultHistogramBuckets)
		mc.histograms[key] = hist
		mc.metrics[key] = &Metric{
			Name:   fullName,
			Type:   MetricTypeHistogram,
			Labels: copyLabels(labels),
		}
	}
	mc.mutex.Unlock()

	hist.Observe(value)
}

// Timer measures operation duration. The returned function records the
// elapsed time in a histogram named name_duration_seconds.
func (mc *MetricsCollector) Timer(name string, labels map[string]string) func() {
	start := time.Now()

	return func() {
		mc.Histogram(name+"_duration_seconds", time.Since(start).Seconds(), labels)
	}
}

// Value returns the current value of a counter or gauge, and false if it
// was never recorded.
func (mc *MetricsCollector) Value(name string, labels map[string]string) (float64, bool) {
	key := mc.getKey(mc.getFullName(name), labels)

	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	if counter, ok := mc.counters[key]; ok {
		return float64(atomic.LoadInt64(counter)), true
	}
	if gauge, ok := mc.gauges[key]; ok {
		return math.Float64frombits(atomic.LoadUint64(gauge)), true
	}
	return 0, false
}

// GatherMetrics collects all current metrics sorted by name and labels.
func (mc *MetricsCollector) GatherMetrics() []Metric {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	now := time.Now()
	allMetrics := make([]Metric, 0, len(mc.metrics))

	for key, counter := range mc.counters {
		metricCopy := *mc.metrics[key]
		metricCopy.Value = float64(atomic.LoadInt64(counter))
		metricCopy.Timestamp = now
		allMetrics = append(allMetrics, metricCopy)
	}

	for key, gauge := range mc.gauges {
		metricCopy := *mc.metrics[key]
		metricCopy.Value = math.Float64frombits(atomic.LoadUint64(gauge))
		metricCopy.Timestamp = now
		allMetrics = append(allMetrics, metricCopy)
	}

	for key, hist := range mc.histograms {
		metric := mc.metrics[key]
		hist.mutex.RLock()
		for i, bound := range hist.bounds {
			metricCopy := *metric
			metricCopy.Name += "_bucket"
			metricCopy.Value = float64(hist.buckets[i])
			metricCopy.Timestamp = now
			metricCopy.Labels = copyLabels(metric.Labels)
			metricCopy.Labels["le"] = strconv.FormatFloat(bound, 'f', -1, 64)
			allMetrics = append(allMetrics, metricCopy)
		}

		metricCopy := *metric
		metricCopy.Name += "_count"
		metricCopy.Value = float64(hist.count)
		metricCopy.Timestamp = now
		allMetrics = append(allMetrics, metricCopy)

		metricCopy = *metric
		metricCopy.Name += "_sum"
		metricCopy.Value = hist.sum
		metricCopy.Timestamp = now
		allMetrics = append(allMetrics, metricCopy)
		hist.mutex.RUnlock()
	}

	sort.Slice(allMetrics, func(i, j int) bool {
		if allMetrics[i].Name != allMetrics[j].Name {
			return allMetrics[i].Name < allMetrics[j].Name
		}
		return labelString(allMetrics[i].Labels) < labelString(allMetrics[j].Labels)
	})

	return allMetrics
}

// getFullName returns the full metric name with prefix.
func (mc *MetricsCollector) getFullName(name string) string {
	if mc.prefix == "" {
		return name
	}

	return mc.prefix + "_" + name
}

// getKey generates a unique key for a metric with labels.
func (mc *MetricsCollector) getKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	return name + "{" + labelString(labels) + "}"
}

func labelString(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	return b.String()
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// NewHistogram creates a new histogram with the given upper bounds.
func NewHistogram(buckets []float64) *Histogram {
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)

	return &Histogram{
		bounds:  bounds,
		buckets: make([]int64, len(bounds)),
	}
}

// Observe adds an observation to the histogram.
func (h *Histogram) Observe(value float64) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.count++
	h.sum += value

	for i, bound := range h.bounds {
		if value <= bound {
			h.buckets[i]++
		}
	}
}

