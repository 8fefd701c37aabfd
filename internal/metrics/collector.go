package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/snarg/sonosevents/internal/model"
)

// EngineStats gives the collector read access to the subscription manager's
// live counts without importing the manager package directly.
type EngineStats interface {
	SpeakerCount() int
	SubscriptionCount() int
}

// GroupLister gives the collector read access to the state cache's group
// list.
type GroupLister interface {
	Groups() []model.Group
}

// Collector implements prometheus.Collector to read live gauges at scrape
// time, rather than maintaining them as counters updated on every mutation.
type Collector struct {
	stats  EngineStats
	groups GroupLister

	activeSubscriptions *prometheus.Desc
	activeSpeakers      *prometheus.Desc
	activeGroups        *prometheus.Desc
}

// NewCollector creates a collector over the engine's live subscription
// manager and state cache. Either may be nil, in which case the
// corresponding gauge reports 0.
func NewCollector(stats EngineStats, groups GroupLister) *Collector {
	return &Collector{
		stats:  stats,
		groups: groups,
		activeSubscriptions: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_subscriptions"),
			"Current number of active UPnP subscriptions.",
			nil, nil,
		),
		activeSpeakers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_speakers"),
			"Current number of tracked speakers.",
			nil, nil,
		),
		activeGroups: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "active_groups"),
			"Current number of playback groups.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeSubscriptions
	ch <- c.activeSpeakers
	ch <- c.activeGroups
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.stats != nil {
		ch <- prometheus.MustNewConstMetric(c.activeSubscriptions, prometheus.GaugeValue, float64(c.stats.SubscriptionCount()))
		ch <- prometheus.MustNewConstMetric(c.activeSpeakers, prometheus.GaugeValue, float64(c.stats.SpeakerCount()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeSubscriptions, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.activeSpeakers, prometheus.GaugeValue, 0)
	}

	if c.groups != nil {
		ch <- prometheus.MustNewConstMetric(c.activeGroups, prometheus.GaugeValue, float64(len(c.groups.Groups())))
	} else {
		ch <- prometheus.MustNewConstMetric(c.activeGroups, prometheus.GaugeValue, 0)
	}
}
