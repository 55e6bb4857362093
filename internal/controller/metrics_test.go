package controller

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegistered(t *testing.T) {
	requestsTotal.WithLabelValues("succeeded")
	redirectsTotal.WithLabelValues("follow")
	requestDuration.WithLabelValues("succeeded").Observe(0.01)

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"netbridge_requests_total",
		"netbridge_response_bytes_total",
		"netbridge_redirects_total",
		"netbridge_observer_panics_total",
		"netbridge_request_duration_seconds",
	}

	found := make(map[string]*dto.MetricFamily)
	for _, fam := range families {
		found[fam.GetName()] = fam
	}
	for _, name := range expected {
		if found[name] == nil {
			t.Errorf("metric %q not registered", name)
		}
	}
	if fam := found["netbridge_requests_total"]; fam != nil && fam.GetType() != dto.MetricType_COUNTER {
		t.Errorf("netbridge_requests_total type = %v, want COUNTER", fam.GetType())
	}
}
