// Package metrics exposes delivery progress as Prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/signalmesh/internal/delivery"
)

// DeliveryCollector implements delivery.Monitor over Prometheus counters.
type DeliveryCollector struct {
	delivered   *prometheus.CounterVec
	ignored     *prometheus.CounterVec
	errored     *prometheus.CounterVec
	interrupted *prometheus.CounterVec
	pages       *prometheus.CounterVec
}

// NewDeliveryCollector builds the collector and registers its metrics with
// the registerer. Pass prometheus.DefaultRegisterer for the process default.
func NewDeliveryCollector(reg prometheus.Registerer) (*DeliveryCollector, error) {
	c := &DeliveryCollector{
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_delivery_messages_delivered_total",
			Help: "Total number of inbox messages dispatched successfully",
		}, []string{"shard"}),
		ignored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_delivery_messages_ignored_total",
			Help: "Total number of inbox messages skipped as duplicates or by design",
		}, []string{"shard"}),
		errored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_delivery_messages_errored_total",
			Help: "Total number of inbox messages whose dispatch failed",
		}, []string{"shard"}),
		interrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_delivery_messages_interrupted_total",
			Help: "Total number of inbox messages left behind a failing batch",
		}, []string{"shard"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalmesh_delivery_pages_total",
			Help: "Total number of processed inbox pages",
		}, []string{"shard"}),
	}
	for _, collector := range []prometheus.Collector{
		c.delivered, c.ignored, c.errored, c.interrupted, c.pages,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// PageDelivered implements delivery.Monitor.
func (c *DeliveryCollector) PageDelivered(shard delivery.ShardIndex, stats delivery.PageStats) {
	label := strconv.Itoa(shard.Index)
	c.pages.WithLabelValues(label).Inc()
	c.delivered.WithLabelValues(label).Add(float64(stats.Delivered))
	c.ignored.WithLabelValues(label).Add(float64(stats.Ignored))
	c.errored.WithLabelValues(label).Add(float64(stats.Errored))
	c.interrupted.WithLabelValues(label).Add(float64(stats.Interrupted))
}
