package opsdb

import (
	"context"
	"testing"
	"time"
)

func TestQueryNameGrouping(t *testing.T) {
	t.Parallel()

	cases := []struct{ query, want string }{
		{`SELECT id FROM ingest_runs WHERE id = ?`, "select ingest_runs"},
		{`INSERT INTO heartbeats (ingestor_id) VALUES (?)`, "insert heartbeats"},
		{`UPDATE ingest_runs SET status = ? WHERE id = ?`, "update ingest_runs"},
		{`DELETE FROM heartbeats WHERE ingestor_id = ?`, "delete heartbeats"},
		{`PRAGMA journal_mode`, "pragma"},
		{``, "unknown"},
	}
	for _, tc := range cases {
		if got := queryName(tc.query); got != tc.want {
			t.Fatalf("queryName(%q) = %q, want %q", tc.query, got, tc.want)
		}
	}
}

func TestLatencyTrackerSnapshot(t *testing.T) {
	t.Parallel()

	tracker := newQueryLatencyTracker()
	for i := 1; i <= 10; i++ {
		tracker.observe("select ingest_runs", time.Duration(i)*time.Millisecond)
	}
	tracker.observe("insert heartbeats", 100*time.Millisecond)

	stats := tracker.snapshot()
	if len(stats) != 2 {
		t.Fatalf("expected 2 query groups, got %d", len(stats))
	}
	// worst P95 sorts first
	if stats[0].Name != "insert heartbeats" {
		t.Fatalf("expected slowest query first, got %+v", stats)
	}
	runs := stats[1]
	if runs.Count != 10 || runs.Max != 10*time.Millisecond {
		t.Fatalf("unexpected run stats: %+v", runs)
	}
	if runs.P50 > runs.P95 || runs.P95 > runs.Max {
		t.Fatalf("percentiles out of order: %+v", runs)
	}

	var nilTracker *queryLatencyTracker
	nilTracker.observe("x", time.Millisecond)
	if nilTracker.snapshot() != nil {
		t.Fatal("nil tracker must be inert")
	}
}

func TestScopeRecordsSessionLatency(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{1: sqliteTestDSN(t, "latency.db")})
	provisionTenant(t, scope, 1)

	if _, err := store.CreateIngestRun(ctx, 1, 10, "api", ""); err != nil {
		t.Fatalf("create run: %v", err)
	}

	stats := scope.QueryLatencyStats()
	if len(stats) == 0 {
		t.Fatal("expected latency samples after a store operation")
	}
	seen := make(map[string]bool, len(stats))
	for _, stat := range stats {
		seen[stat.Name] = true
	}
	if !seen["insert ingest_runs"] {
		t.Fatalf("insert not sampled: %+v", stats)
	}
}
