package opsdb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func testLookup(tenants map[int64]string) TenantLookup {
	return func(_ context.Context, tenantID int64) (string, string, bool, error) {
		dsn, ok := tenants[tenantID]
		if !ok {
			return "", "", false, nil
		}
		return fmt.Sprintf("tenant-%d", tenantID), dsn, true, nil
	}
}

func newTestStore(t *testing.T, tenants map[int64]string) (*Store, *Scope) {
	t.Helper()

	router := NewRouter(discardLogger())
	t.Cleanup(func() { _ = router.DisposeAll() })

	scope := NewScope(NewRegistry(testLookup(tenants)), router)
	return NewStore(scope), scope
}

func provisionTenant(t *testing.T, scope *Scope, tenantID int64) {
	t.Helper()

	eng, err := scope.Engine(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("engine for tenant %d: %v", tenantID, err)
	}
	if err := NewProvisioner().EnsureSchema(context.Background(), eng); err != nil {
		t.Fatalf("ensure schema for tenant %d: %v", tenantID, err)
	}
}

// tickingClock hands out strictly increasing timestamps.
func tickingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func TestCreateAndListRecentRuns(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{1: sqliteTestDSN(t, "runs.db")})
	provisionTenant(t, scope, 1)
	store.now = tickingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	first, err := store.CreateIngestRun(ctx, 1, 10, "watcher", "ing-1")
	if err != nil {
		t.Fatalf("create first run: %v", err)
	}
	if first.Status != RunPending || first.ProjectID != 10 || first.ID == 0 {
		t.Fatalf("unexpected run summary: %+v", first)
	}
	if first.TriggeredBy != "watcher" {
		t.Fatalf("triggered_by not preserved: %+v", first)
	}

	second, err := store.CreateIngestRun(ctx, 1, 10, "", "")
	if err != nil {
		t.Fatalf("create second run: %v", err)
	}
	if second.TriggeredBy != "api" {
		t.Fatalf("empty triggered_by should default to api: %+v", second)
	}

	third, err := store.CreateIngestRun(ctx, 1, 20, "manual", "ing-2")
	if err != nil {
		t.Fatalf("create third run: %v", err)
	}

	all, err := store.ListRecentRuns(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(all))
	}
	if all[0].ID != third.ID || all[1].ID != second.ID || all[2].ID != first.ID {
		t.Fatalf("runs not newest-first: %+v", all)
	}

	project10, err := store.ListRecentRuns(ctx, 1, 10, 0)
	if err != nil {
		t.Fatalf("list project runs: %v", err)
	}
	if len(project10) != 2 {
		t.Fatalf("expected 2 runs for project 10, got %d", len(project10))
	}
	for _, run := range project10 {
		if run.ProjectID != 10 {
			t.Fatalf("project filter leaked run: %+v", run)
		}
	}

	limited, err := store.ListRecentRuns(ctx, 1, 0, 1)
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 || limited[0].ID != third.ID {
		t.Fatalf("limit not applied newest-first: %+v", limited)
	}
}

func TestUpdateIngestRunLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{1: sqliteTestDSN(t, "lifecycle.db")})
	provisionTenant(t, scope, 1)
	store.now = tickingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	run, err := store.CreateIngestRun(ctx, 1, 10, "watcher", "ing-1")
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	running := "RUNNING"
	files := int64(42)
	updated, err := store.UpdateIngestRun(ctx, 1, run.ID, RunUpdate{Status: &running, FileCount: &files})
	if err != nil {
		t.Fatalf("update to running: %v", err)
	}
	if updated.Status != RunRunning || updated.FileCount != 42 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.FinishedAt != nil {
		t.Fatalf("finished_at set prematurely: %+v", updated)
	}

	completed := "COMPLETED"
	msg := "all files ingested"
	done, err := store.UpdateIngestRun(ctx, 1, run.ID, RunUpdate{Status: &completed, Message: &msg, Finished: true})
	if err != nil {
		t.Fatalf("update to completed: %v", err)
	}
	if done.Status != RunCompleted || done.FinishedAt == nil || done.Message != msg {
		t.Fatalf("terminal update not applied: %+v", done)
	}
	if done.FileCount != 42 {
		t.Fatalf("unspecified field overwritten: %+v", done)
	}

	failed := "FAILED"
	_, err = store.UpdateIngestRun(ctx, 1, run.ID, RunUpdate{Status: &failed})
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("terminal status must be immutable, got %v", err)
	}

	// lowercase input is normalized, unknown values rejected
	lower := "cancelled"
	if _, err := ParseRunStatus(lower); err != nil {
		t.Fatalf("lowercase status should parse: %v", err)
	}
	bogus := "EXPLODED"
	_, err = store.UpdateIngestRun(ctx, 1, run.ID, RunUpdate{Status: &bogus})
	if !errors.As(err, &valErr) {
		t.Fatalf("unknown status must be rejected, got %v", err)
	}

	negative := int64(-1)
	_, err = store.UpdateIngestRun(ctx, 1, run.ID, RunUpdate{ErrorCount: &negative})
	if !errors.As(err, &valErr) {
		t.Fatalf("negative counter must be rejected, got %v", err)
	}

	_, err = store.UpdateIngestRun(ctx, 1, run.ID+1000, RunUpdate{Finished: true})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("unknown run must be NotFoundError, got %v", err)
	}
}

func TestRunsInvisibleAcrossTenants(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{
		1: sqliteTestDSN(t, "tenant_a.db"),
		2: sqliteTestDSN(t, "tenant_b.db"),
	})
	provisionTenant(t, scope, 1)
	provisionTenant(t, scope, 2)

	runA, err := store.CreateIngestRun(ctx, 1, 10, "watcher", "ing-a")
	if err != nil {
		t.Fatalf("create run in tenant 1: %v", err)
	}

	// tenant 2's database has no such row; the id is structurally invisible
	_, err = store.UpdateIngestRun(ctx, 2, runA.ID, RunUpdate{Finished: true})
	var notFound *NotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("cross-tenant update must be NotFoundError, got %v", err)
	}
	if notFound.TenantID != 2 {
		t.Fatalf("error should name the queried tenant: %+v", notFound)
	}
}

func TestConcurrentTenantsStayIsolated(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{
		1: sqliteTestDSN(t, "iso_a.db"),
		2: sqliteTestDSN(t, "iso_b.db"),
	})
	provisionTenant(t, scope, 1)
	provisionTenant(t, scope, 2)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for tenant, project := range map[int64]int64{1: 100, 2: 200} {
		wg.Add(1)
		go func(tenant, project int64) {
			defer wg.Done()
			if _, err := store.CreateIngestRun(ctx, tenant, project, "api", ""); err != nil {
				errs <- err
			}
		}(tenant, project)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent create failed: %v", err)
	}

	runsA, err := store.ListRecentRuns(ctx, 1, 0, 0)
	if err != nil {
		t.Fatalf("list tenant 1: %v", err)
	}
	runsB, err := store.ListRecentRuns(ctx, 2, 0, 0)
	if err != nil {
		t.Fatalf("list tenant 2: %v", err)
	}
	if len(runsA) != 1 || runsA[0].ProjectID != 100 {
		t.Fatalf("tenant 1 sees wrong runs: %+v", runsA)
	}
	if len(runsB) != 1 || runsB[0].ProjectID != 200 {
		t.Fatalf("tenant 2 sees wrong runs: %+v", runsB)
	}
}

func TestRecordHeartbeatUpserts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{1: sqliteTestDSN(t, "hb.db")})
	provisionTenant(t, scope, 1)
	store.now = tickingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	hostname := "ingest-host-1"
	version := "1.4.0"
	first, err := store.RecordHeartbeat(ctx, 1, HeartbeatInput{
		IngestorID:   "ing-1",
		Hostname:     &hostname,
		WatchedPaths: []string{"/data/incoming"},
		Version:      &version,
	})
	if err != nil {
		t.Fatalf("first heartbeat: %v", err)
	}
	if first.Status != HeartbeatHealthy {
		t.Fatalf("empty status should default to HEALTHY: %+v", first)
	}

	second, err := store.RecordHeartbeat(ctx, 1, HeartbeatInput{
		IngestorID: "ing-1",
		Status:     "DEGRADED",
	})
	if err != nil {
		t.Fatalf("second heartbeat: %v", err)
	}
	if !second.LastSeenAt.After(first.LastSeenAt) {
		t.Fatalf("last_seen_at not refreshed: %v then %v", first.LastSeenAt, second.LastSeenAt)
	}
	if second.Status != HeartbeatDegraded {
		t.Fatalf("status not updated: %+v", second)
	}
	if second.Hostname != hostname || second.Version != version {
		t.Fatalf("unspecified fields must stay unchanged: %+v", second)
	}
	if len(second.WatchedPaths) != 1 || second.WatchedPaths[0] != "/data/incoming" {
		t.Fatalf("watched paths lost on update: %+v", second)
	}

	// exactly one row per ingestor_id
	eng, err := scope.Engine(ctx, 1)
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	var count int64
	if err := eng.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM heartbeats WHERE ingestor_id = 'ing-1'`).Scan(&count); err != nil {
		t.Fatalf("count heartbeats: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single upserted row, got %d", count)
	}

	_, err = store.RecordHeartbeat(ctx, 1, HeartbeatInput{IngestorID: "  "})
	var valErr *ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("blank ingestor_id must be rejected, got %v", err)
	}
}

func TestListHeartbeatsFiltersOffline(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, scope := newTestStore(t, map[int64]string{1: sqliteTestDSN(t, "hb_list.db")})
	provisionTenant(t, scope, 1)
	store.now = tickingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	for ingestor, status := range map[string]string{
		"ing-1": "HEALTHY",
		"ing-2": "OFFLINE",
		"ing-3": "DEGRADED",
	} {
		if _, err := store.RecordHeartbeat(ctx, 1, HeartbeatInput{IngestorID: ingestor, Status: status}); err != nil {
			t.Fatalf("record %s: %v", ingestor, err)
		}
	}

	visible, err := store.ListHeartbeats(ctx, 1, false)
	if err != nil {
		t.Fatalf("list heartbeats: %v", err)
	}
	if len(visible) != 2 {
		t.Fatalf("expected OFFLINE filtered out, got %+v", visible)
	}
	for _, hb := range visible {
		if hb.Status == HeartbeatOffline {
			t.Fatalf("offline heartbeat leaked: %+v", hb)
		}
	}

	all, err := store.ListHeartbeats(ctx, 1, true)
	if err != nil {
		t.Fatalf("list all heartbeats: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all heartbeats, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].LastSeenAt.After(all[i-1].LastSeenAt) {
			t.Fatalf("heartbeats not newest-first: %+v", all)
		}
	}
}

func TestUnconfiguredTenantIsConfigurationError(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, map[int64]string{5: ""})

	_, err := store.CreateIngestRun(ctx, 5, 10, "api", "")
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	var connErr *ConnectivityError
	if errors.As(err, &connErr) {
		t.Fatalf("unconfigured tenant must never look like a connectivity failure: %v", err)
	}
}

func TestUninitializedStoreNamesRemediation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, _ := newTestStore(t, map[int64]string{3: sqliteTestDSN(t, "raw.db")})
	// schema deliberately not provisioned

	_, err := store.CreateIngestRun(ctx, 3, 10, "api", "")
	var schemaErr *SchemaNotInitializedError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("expected SchemaNotInitializedError, got %v", err)
	}
	if want := "mf opsdb init --tenant 3"; !strings.Contains(err.Error(), want) {
		t.Fatalf("error must name the remediation command %q: %v", want, err)
	}
}
