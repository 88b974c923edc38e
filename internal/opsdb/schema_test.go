package opsdb

import (
	"context"
	"slices"
	"testing"
)

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	t.Parallel()

	router := NewRouter(discardLogger())
	t.Cleanup(func() { _ = router.DisposeAll() })

	ctx := context.Background()
	eng, err := router.Get(ctx, sqliteTestDSN(t, "schema.db"))
	if err != nil {
		t.Fatalf("get engine: %v", err)
	}

	prov := NewProvisioner()
	if err := prov.EnsureSchema(ctx, eng); err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	first, err := prov.ListTables(ctx, eng)
	if err != nil {
		t.Fatalf("list tables: %v", err)
	}

	if err := prov.EnsureSchema(ctx, eng); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	second, err := prov.ListTables(ctx, eng)
	if err != nil {
		t.Fatalf("list tables again: %v", err)
	}

	if !slices.Equal(first, second) {
		t.Fatalf("table set changed between runs: %v vs %v", first, second)
	}
	for _, want := range []string{TableIngestRuns, TableHeartbeats} {
		if !slices.Contains(first, want) {
			t.Fatalf("missing table %s in %v", want, first)
		}
	}

	ok, err := prov.Initialized(ctx, eng)
	if err != nil {
		t.Fatalf("initialized: %v", err)
	}
	if !ok {
		t.Fatal("expected schema to report initialized")
	}

	counts, err := prov.RowCounts(ctx, eng, []string{TableIngestRuns, TableHeartbeats})
	if err != nil {
		t.Fatalf("row counts: %v", err)
	}
	if counts[TableIngestRuns] != 0 || counts[TableHeartbeats] != 0 {
		t.Fatalf("fresh schema should be empty: %v", counts)
	}
}

func TestInitializedFalseOnEmptyDatabase(t *testing.T) {
	t.Parallel()

	router := NewRouter(discardLogger())
	t.Cleanup(func() { _ = router.DisposeAll() })

	ctx := context.Background()
	eng, err := router.Get(ctx, sqliteTestDSN(t, "empty.db"))
	if err != nil {
		t.Fatalf("get engine: %v", err)
	}

	ok, err := NewProvisioner().Initialized(ctx, eng)
	if err != nil {
		t.Fatalf("initialized: %v", err)
	}
	if ok {
		t.Fatal("empty database must not report initialized")
	}
}
