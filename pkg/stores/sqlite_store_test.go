package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSaveAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &RunRecord{
		ID:          "run-1",
		Status:      "partial",
		StartedAt:   time.Now().Add(-time.Minute),
		CompletedAt: time.Now(),
		SummaryJSON: `{"total":3,"applied":2,"failed":1}`,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != "partial" || got.SummaryJSON != run.SummaryJSON {
		t.Errorf("GetRun = %+v", got)
	}

	// Upsert updates the status in place.
	run.Status = "succeeded"
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun upsert: %v", err)
	}
	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun after upsert: %v", err)
	}
	if got.Status != "succeeded" {
		t.Errorf("status after upsert = %q", got.Status)
	}
}

func TestGetRunNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, err = store.LatestRun(context.Background())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty LatestRun, got %v", err)
	}
}

func TestSaveInstancesAndOutputs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := &RunRecord{ID: "run-2", Status: "partial", StartedAt: time.Now(), CompletedAt: time.Now()}
	if err := store.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	instances := []*InstanceRecord{
		{RunID: "run-2", InstanceID: "net[0]", Type: "network", Status: "applied", Identity: "network-abc", OutputsJSON: `{"id":"network-abc"}`, Attempts: 1},
		{RunID: "run-2", InstanceID: "srv[0]", Type: "server", Status: "failed", Error: "provider exploded", Attempts: 3},
		{RunID: "run-2", InstanceID: "srv[1]", Type: "server", Status: "blocked", BlockedBy: "srv[0]"},
	}
	if err := store.SaveInstances(ctx, "run-2", instances); err != nil {
		t.Fatalf("SaveInstances: %v", err)
	}

	got, err := store.ListInstances(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("instances = %d, want 3", len(got))
	}
	if got[0].InstanceID != "net[0]" || got[2].BlockedBy != "srv[0]" {
		t.Errorf("instance rows wrong: %+v", got)
	}

	outputs := []*OutputRecord{
		{RunID: "run-2", Name: "net_id", ValueJSON: `"network-abc"`, Available: true},
		{RunID: "run-2", Name: "srv_ids", Available: false, Reason: "references an instance that was not applied"},
	}
	if err := store.SaveOutputs(ctx, "run-2", outputs); err != nil {
		t.Fatalf("SaveOutputs: %v", err)
	}
	gotOut, err := store.ListOutputs(ctx, "run-2")
	if err != nil {
		t.Fatalf("ListOutputs: %v", err)
	}
	if len(gotOut) != 2 {
		t.Fatalf("outputs = %d, want 2", len(gotOut))
	}
	if !gotOut[0].Available || gotOut[1].Reason == "" {
		t.Errorf("output rows wrong: %+v", gotOut)
	}
}

func TestListRunsOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		run := &RunRecord{ID: id, Status: "succeeded", StartedAt: base.Add(time.Duration(i) * time.Minute), CompletedAt: base.Add(time.Duration(i+1) * time.Minute)}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns order wrong: %+v", runs)
	}

	latest, err := store.LatestRun(ctx)
	if err != nil {
		t.Fatalf("LatestRun: %v", err)
	}
	if latest.ID != "c" {
		t.Errorf("LatestRun = %q, want c", latest.ID)
	}
}
