package monitor

import (
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	monkit "github.com/spacemonkeygo/monkit/v3"
)

// MonkitAdapter exposes monkit task stats as prometheus gauges.
type MonkitAdapter struct {
	registry *monkit.Registry
}

func NewMonkitAdapter(registry *monkit.Registry) *MonkitAdapter {
	return &MonkitAdapter{registry: registry}
}

// Describe is a no-op: the metric set is dynamic.
func (a *MonkitAdapter) Describe(ch chan<- *prometheus.Desc) {}

// Collect converts the current monkit stats snapshot to prometheus metrics.
func (a *MonkitAdapter) Collect(ch chan<- prometheus.Metric) {
	collectedMetrics := make(map[string]prometheus.Metric)

	a.registry.Stats(func(key monkit.SeriesKey, field string, value float64) {
		if a.shouldSkipField(field) {
			return
		}

		labelNames := make([]string, 0, len(key.Tags.All())+1)
		labelValues := make([]string, 0, len(key.Tags.All())+1)

		if key.Tags != nil {
			tags := key.Tags.All()
			tagKeys := make([]string, 0, len(tags))
			for k := range tags {
				tagKeys = append(tagKeys, k)
			}
			sort.Strings(tagKeys)

			for _, k := range tagKeys {
				labelNames = append(labelNames, k)
				labelValues = append(labelValues, tags[k])
			}
		}

		if field != "" && a.isEssentialField(field) {
			labelNames = append(labelNames, "field")
			labelValues = append(labelValues, field)
		}

		desc := prometheus.NewDesc(
			key.Measurement,
			key.Measurement,
			labelNames,
			nil,
		)

		metric := prometheus.MustNewConstMetric(
			desc,
			prometheus.GaugeValue,
			value,
			labelValues...,
		)

		metricID := a.generateMetricID(key.Measurement, labelNames, labelValues)
		collectedMetrics[metricID] = metric
	})

	for _, metric := range collectedMetrics {
		ch <- metric
	}
}

// shouldSkipField drops the per-percentile stats that explode cardinality.
func (a *MonkitAdapter) shouldSkipField(field string) bool {
	skipFields := map[string]bool{
		"r10":    true,
		"r50":    true,
		"r90":    true,
		"r99":    true,
		"ravg":   true,
		"rmin":   true,
		"rmax":   true,
		"recent": true,
		"high":   true,
		"low":    true,
	}
	return skipFields[field]
}

func (a *MonkitAdapter) isEssentialField(field string) bool {
	essentialFields := map[string]bool{
		"count":     true,
		"sum":       true,
		"value":     true,
		"current":   true,
		"errors":    true,
		"successes": true,
		"failures":  true,
		"total":     true,
	}
	return essentialFields[field]
}

func (a *MonkitAdapter) generateMetricID(measurement string, names, values []string) string {
	var id strings.Builder
	id.WriteString(measurement)

	for i, name := range names {
		if i < len(values) {
			id.WriteString("_")
			id.WriteString(name)
			id.WriteString("=")
			id.WriteString(values[i])
		}
	}
	return id.String()
}
