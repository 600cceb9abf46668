// Package metrics provides Prometheus metric collection for Grasplet SIMs.
package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/op/go-logging"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grasplet-dashboard/exporter/grasplet"
	"github.com/grasplet-dashboard/exporter/poller"
	"github.com/grasplet-dashboard/exporter/sensor"
)

const namespace = "grasplet"

var log = logging.MustGetLogger("metrics")

// Collector implements prometheus.Collector over the cached snapshots of
// every registered entry. It never calls the Grasplet API itself.
type Collector struct {
	registry *poller.Registry
	mu       sync.Mutex

	// Per-SIM sensor values, keyed by sensor field key
	valueDescs map[string]*prometheus.Desc
	infoDesc   *prometheus.Desc

	// Per-entry update metrics
	updateSuccessDesc *prometheus.Desc
	authFailedDesc    *prometheus.Desc
	lastSuccessDesc   *prometheus.Desc
	simCountDesc      *prometheus.Desc

	// Collect metrics
	collectDurationDesc *prometheus.Desc
}

// NewCollector creates a new Collector reading from registry.
func NewCollector(registry *poller.Registry) *Collector {
	simLabels := []string{"entry", "sim_id", "sim_name"}
	entryLabels := []string{"entry"}

	c := &Collector{
		registry:   registry,
		valueDescs: make(map[string]*prometheus.Desc),

		infoDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "sim", "info"),
			"SIM attributes as labels, always 1",
			append(simLabels, "iccid", "status", "plan_name", "availability_zone"),
			nil,
		),

		updateSuccessDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "update_success"),
			"Whether the last refresh of the account succeeded",
			entryLabels,
			nil,
		),
		authFailedDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "authentication_failed"),
			"Whether the account credentials were rejected and need to be re-entered",
			entryLabels,
			nil,
		),
		lastSuccessDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "last_update_timestamp_seconds"),
			"Unix time of the last successful refresh",
			entryLabels,
			nil,
		),
		simCountDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "sims"),
			"Number of SIMs in the last snapshot",
			entryLabels,
			nil,
		),

		collectDurationDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "collect_duration_seconds"),
			"Duration of the last collection in seconds",
			nil,
			nil,
		),
	}

	for _, f := range sensor.Fields {
		if name, ok := metricName(f); ok {
			c.valueDescs[f.Key] = prometheus.NewDesc(name, f.Name+" of the SIM plan", simLabels, nil)
		}
	}

	return c
}

// metricName returns the metric for fields that have a numeric value.
func metricName(f sensor.Field) (string, bool) {
	switch {
	case f.DeviceClass == sensor.DeviceClassTimestamp:
		return prometheus.BuildFQName(namespace, "sim", f.Key+"_timestamp_seconds"), true
	case !f.Numeric():
		return "", false
	case f.Unit == sensor.UnitPercent:
		return prometheus.BuildFQName(namespace, "sim", strings.TrimSuffix(f.Key, "_percentage")+"_percent"), true
	default:
		return prometheus.BuildFQName(namespace, "sim", f.Key+"_gigabytes"), true
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, f := range sensor.Fields {
		if desc, ok := c.valueDescs[f.Key]; ok {
			ch <- desc
		}
	}
	ch <- c.infoDesc
	ch <- c.updateSuccessDesc
	ch <- c.authFailedDesc
	ch <- c.lastSuccessDesc
	ch <- c.simCountDesc
	ch <- c.collectDurationDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		ch <- prometheus.MustNewConstMetric(c.collectDurationDesc, prometheus.GaugeValue, v)
	}))
	defer timer.ObserveDuration()

	for _, r := range c.registry.Runners() {
		c.collectRunner(ch, r)
	}
}

func (c *Collector) collectRunner(ch chan<- prometheus.Metric, r *poller.Runner) {
	status := r.Status()
	entry := status.EntryID

	ch <- prometheus.MustNewConstMetric(c.updateSuccessDesc, prometheus.GaugeValue, boolValue(status.Available), entry)
	ch <- prometheus.MustNewConstMetric(c.authFailedDesc, prometheus.GaugeValue, boolValue(status.AuthFailed), entry)

	sims, fetched := r.Snapshot()
	if !fetched {
		return
	}

	ch <- prometheus.MustNewConstMetric(c.lastSuccessDesc, prometheus.GaugeValue, float64(status.LastSuccess.Unix()), entry)
	ch <- prometheus.MustNewConstMetric(c.simCountDesc, prometheus.GaugeValue, float64(len(sims)), entry)

	seen := make(map[grasplet.SIMID]bool, len(sims))
	for _, sim := range sims {
		if seen[sim.ID] {
			log.Warningf("Skipping duplicate SIM %s in entry %s", sim.ID, entry)
			continue
		}
		seen[sim.ID] = true
		c.collectSIM(ch, entry, sim)
	}
}

func (c *Collector) collectSIM(ch chan<- prometheus.Metric, entry string, sim grasplet.SIM) {
	labels := []string{entry, string(sim.ID), sim.DisplayName()}

	for _, f := range sensor.Fields {
		desc, ok := c.valueDescs[f.Key]
		if !ok {
			continue
		}
		v, known := f.Extract(sim)
		if !known {
			continue
		}
		switch val := v.(type) {
		case float64:
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, val, labels...)
		case time.Time:
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(val.Unix()), labels...)
		}
	}

	info := append(labels,
		text(sim, "iccid"),
		text(sim, "status"),
		text(sim, "plan_name"),
		text(sim, "availability_zone"),
	)
	ch <- prometheus.MustNewConstMetric(c.infoDesc, prometheus.GaugeValue, 1, info...)
}

func text(sim grasplet.SIM, key string) string {
	f, ok := sensor.FieldByKey(key)
	if !ok {
		return ""
	}
	if v, known := f.Extract(sim); known {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
