package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMustRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	MustRegister(reg)

	// Touch every collector so Gather returns them all.
	RecordDelivery("sent", "chat", 50*time.Millisecond)
	RecordRetry("http_5xx")
	RecordQueued("followup", 3)
	RecordEviction()
	UpdatePoolSize(2)
	RecordJobRun("schedule", "ok", time.Second)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("Gather() returned no metric families")
	}

	want := map[string]bool{
		"dripline_deliveries_total":         false,
		"dripline_delivery_latency_seconds": false,
		"dripline_retries_total":            false,
		"dripline_items_queued_total":       false,
		"dripline_pool_evictions_total":     false,
		"dripline_pool_size":                false,
		"dripline_job_runs_total":           false,
		"dripline_job_duration_seconds":     false,
	}
	for _, fam := range families {
		if _, ok := want[fam.GetName()]; ok {
			want[fam.GetName()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("metric %s not gathered", name)
		}
	}
}

func TestRecordDelivery(t *testing.T) {
	before := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("sent", "push"))
	RecordDelivery("sent", "push", 10*time.Millisecond)
	after := testutil.ToFloat64(DeliveriesTotal.WithLabelValues("sent", "push"))
	if after != before+1 {
		t.Errorf("deliveries counter = %v, want %v", after, before+1)
	}
}

func TestRecordQueuedAddsN(t *testing.T) {
	before := testutil.ToFloat64(ItemsQueuedTotal.WithLabelValues("reminder"))
	RecordQueued("reminder", 5)
	after := testutil.ToFloat64(ItemsQueuedTotal.WithLabelValues("reminder"))
	if after != before+5 {
		t.Errorf("queued counter = %v, want %v", after, before+5)
	}
}

func TestUpdatePoolSize(t *testing.T) {
	UpdatePoolSize(7)
	if got := testutil.ToFloat64(PoolSize); got != 7 {
		t.Errorf("pool size gauge = %v, want 7", got)
	}
}
