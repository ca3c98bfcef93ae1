package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/louisbranch/signalmesh/internal/delivery"
)

func TestDeliveryCollectorCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewDeliveryCollector(reg)
	if err != nil {
		t.Fatalf("new collector: %v", err)
	}

	shard := delivery.ShardIndex{Index: 2, OfTotal: 4}
	c.PageDelivered(shard, delivery.PageStats{Delivered: 3, Ignored: 1})
	c.PageDelivered(shard, delivery.PageStats{Delivered: 2, Errored: 1, Interrupted: 4})

	if got := testutil.ToFloat64(c.delivered.WithLabelValues("2")); got != 5 {
		t.Fatalf("expected 5 delivered, got %v", got)
	}
	if got := testutil.ToFloat64(c.ignored.WithLabelValues("2")); got != 1 {
		t.Fatalf("expected 1 ignored, got %v", got)
	}
	if got := testutil.ToFloat64(c.interrupted.WithLabelValues("2")); got != 4 {
		t.Fatalf("expected 4 interrupted, got %v", got)
	}
	if got := testutil.ToFloat64(c.pages.WithLabelValues("2")); got != 2 {
		t.Fatalf("expected 2 pages, got %v", got)
	}
}

func TestDeliveryCollectorDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewDeliveryCollector(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewDeliveryCollector(reg); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}
