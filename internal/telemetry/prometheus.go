package telemetry

import (
	"context"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collector serves OTel instruments read through a manual reader as
// Prometheus metrics. It is unchecked: instruments are created lazily by the
// engine, workflows and HTTP middleware, so nothing is described up front.
type collector struct {
	reader *sdkmetric.ManualReader
}

func newCollector(reader *sdkmetric.ManualReader) *collector {
	return &collector{reader: reader}
}

func (c *collector) Describe(chan<- *prometheus.Desc) {}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	var rm metricdata.ResourceMetrics
	if err := c.reader.Collect(context.Background(), &rm); err != nil {
		ch <- prometheus.NewInvalidMetric(prometheus.NewDesc("stepwise_otel_collect_error", "OTel metric collection failed.", nil, nil), err)
		return
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			export(ch, m)
		}
	}
}

// sample is one converted data point.
type sample struct {
	attrs   attribute.Set
	value   float64
	count   uint64
	buckets map[float64]uint64
}

func export(ch chan<- prometheus.Metric, m metricdata.Metrics) {
	switch d := m.Data.(type) {
	case metricdata.Sum[int64]:
		emit(ch, m, sumType(d.IsMonotonic), numberSamples(d.DataPoints))
	case metricdata.Sum[float64]:
		emit(ch, m, sumType(d.IsMonotonic), numberSamples(d.DataPoints))
	case metricdata.Gauge[int64]:
		emit(ch, m, prometheus.GaugeValue, numberSamples(d.DataPoints))
	case metricdata.Gauge[float64]:
		emit(ch, m, prometheus.GaugeValue, numberSamples(d.DataPoints))
	case metricdata.Histogram[int64]:
		emitHistograms(ch, m, histogramSamples(d.DataPoints))
	case metricdata.Histogram[float64]:
		emitHistograms(ch, m, histogramSamples(d.DataPoints))
	}
}

func sumType(monotonic bool) prometheus.ValueType {
	if monotonic {
		return prometheus.CounterValue
	}
	return prometheus.GaugeValue
}

func numberSamples[N int64 | float64](dps []metricdata.DataPoint[N]) []sample {
	out := make([]sample, 0, len(dps))
	for _, dp := range dps {
		out = append(out, sample{attrs: dp.Attributes, value: float64(dp.Value)})
	}
	return out
}

func histogramSamples[N int64 | float64](dps []metricdata.HistogramDataPoint[N]) []sample {
	out := make([]sample, 0, len(dps))
	for _, dp := range dps {
		s := sample{attrs: dp.Attributes, value: float64(dp.Sum), count: dp.Count, buckets: make(map[float64]uint64, len(dp.Bounds))}
		var cum uint64
		for i, bound := range dp.Bounds {
			if i < len(dp.BucketCounts) {
				cum += dp.BucketCounts[i]
			}
			s.buckets[bound] = cum
		}
		out = append(out, s)
	}
	return out
}

func emit(ch chan<- prometheus.Metric, m metricdata.Metrics, vt prometheus.ValueType, samples []sample) {
	name := metricName(m.Name, m.Unit, vt == prometheus.CounterValue)
	keys := labelKeys(samples)
	desc := prometheus.NewDesc(name, help(m), labelNames(keys), nil)
	for _, s := range samples {
		pm, err := prometheus.NewConstMetric(desc, vt, s.value, labelValues(s.attrs, keys)...)
		if err != nil {
			pm = prometheus.NewInvalidMetric(desc, err)
		}
		ch <- pm
	}
}

func emitHistograms(ch chan<- prometheus.Metric, m metricdata.Metrics, samples []sample) {
	name := metricName(m.Name, m.Unit, false)
	keys := labelKeys(samples)
	desc := prometheus.NewDesc(name, help(m), labelNames(keys), nil)
	for _, s := range samples {
		pm, err := prometheus.NewConstHistogram(desc, s.count, s.value, s.buckets, labelValues(s.attrs, keys)...)
		if err != nil {
			pm = prometheus.NewInvalidMetric(desc, err)
		}
		ch <- pm
	}
}

func help(m metricdata.Metrics) string {
	if m.Description != "" {
		return m.Description
	}
	return m.Name
}

// unitSuffixes maps UCUM units to Prometheus base-unit suffixes. Annotations
// such as {step} carry no suffix.
var unitSuffixes = map[string]string{
	"ms": "milliseconds",
	"s":  "seconds",
	"By": "bytes",
}

// metricName turns an OTel instrument name such as stepwise.engine.phase.duration
// into stepwise_engine_phase_duration_milliseconds.
func metricName(name, unit string, counter bool) string {
	n := sanitize(name)
	if suffix, ok := unitSuffixes[unit]; ok && !strings.HasSuffix(n, "_"+suffix) {
		n += "_" + suffix
	}
	if counter && !strings.HasSuffix(n, "_total") {
		n += "_total"
	}
	return n
}

// sanitize maps every character outside [a-zA-Z0-9_] to '_' and prefixes a
// leading digit.
func sanitize(s string) string {
	var b strings.Builder
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// labelKeys is the sorted union of attribute keys across samples. A data
// point lacking a key gets an empty label value, keeping label names
// consistent within a metric family.
func labelKeys(samples []sample) []attribute.Key {
	seen := make(map[attribute.Key]bool)
	var keys []attribute.Key
	for _, s := range samples {
		for _, kv := range s.attrs.ToSlice() {
			if !seen[kv.Key] {
				seen[kv.Key] = true
				keys = append(keys, kv.Key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func labelNames(keys []attribute.Key) []string {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = sanitize(string(k))
	}
	return names
}

func labelValues(set attribute.Set, keys []attribute.Key) []string {
	vals := make([]string, len(keys))
	for i, k := range keys {
		if v, ok := set.Value(k); ok {
			vals[i] = v.Emit()
		}
	}
	return vals
}
