package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/netbridge/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
	if stats.BytesHuman != "0 B" {
		t.Errorf("bytes_received_human = %q, want %q", stats.BytesHuman, "0 B")
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for range 3 {
		if _, err := srv.engine.Do(ctx, model.RequestParams{URL: helloURL}); err != nil {
			t.Fatalf("Do: %v", err)
		}
	}
	if _, err := srv.engine.Do(ctx, model.RequestParams{URL: "https://unknown.invalid/"}); err == nil {
		t.Fatal("Do on unscripted url succeeded")
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusSucceeded] != 3 || stats.ByStatus[model.StatusFailed] != 1 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.ByMethod["GET"] != 4 {
		t.Errorf("by_method = %v", stats.ByMethod)
	}
	if stats.BytesReceived != 15 {
		t.Errorf("bytes_received = %d, want 15", stats.BytesReceived)
	}
	if stats.Executor.Executed == 0 {
		t.Error("executor stats not reported")
	}
	if stats.InFlight != 0 {
		t.Errorf("inflight = %d, want 0", stats.InFlight)
	}
}
