package storage

import (
	"testing"
)

func setupSyncStateRepo(t *testing.T) *SyncStateRepository {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db, err := NewPostgresDB(testContext(t), testPostgresConfig())
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
	}
	t.Cleanup(db.Close)

	ctx := testContext(t)
	if _, err := db.Pool().Exec(ctx, `TRUNCATE sync_state`); err != nil {
		t.Skipf("Skipping test - sync_state table not migrated: %v", err)
	}

	return NewSyncStateRepository(db)
}

func TestSyncStateRepository_GetUnknownSource(t *testing.T) {
	repo := setupSyncStateRepo(t)
	ctx := testContext(t)

	rec, err := repo.Get(ctx, "gmail")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec != nil {
		t.Errorf("Get() = %+v, want nil for unknown source", rec)
	}
}

func TestSyncStateRepository_AdvanceIsMonotonic(t *testing.T) {
	repo := setupSyncStateRepo(t)
	ctx := testContext(t)

	if err := repo.Advance(ctx, "gmail", 1005, 10); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	// lower id must not regress the watermark
	if err := repo.Advance(ctx, "gmail", 900, 3); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	rec, err := repo.Get(ctx, "gmail")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.LastHistoryID != 1005 {
		t.Errorf("LastHistoryID = %d, want 1005", rec.LastHistoryID)
	}
	if rec.TotalSynced != 13 {
		t.Errorf("TotalSynced = %d, want 13", rec.TotalSynced)
	}
}

func TestSyncStateRepository_ResetOverwrites(t *testing.T) {
	repo := setupSyncStateRepo(t)
	ctx := testContext(t)

	if err := repo.Advance(ctx, "gmail", 1005, 10); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := repo.Reset(ctx, "gmail", 100); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	rec, err := repo.Get(ctx, "gmail")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.LastHistoryID != 100 {
		t.Errorf("LastHistoryID = %d, want 100 after reset", rec.LastHistoryID)
	}
}

func TestSyncStateRepository_List(t *testing.T) {
	repo := setupSyncStateRepo(t)
	ctx := testContext(t)

	if err := repo.Advance(ctx, "gmail", 10, 1); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}
	if err := repo.Advance(ctx, "gmail-archive", 20, 2); err != nil {
		t.Fatalf("Advance() error = %v", err)
	}

	records, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("List() returned %d records, want 2", len(records))
	}
	if records[0].Source != "gmail" || records[1].Source != "gmail-archive" {
		t.Errorf("List() order = [%s, %s], want alphabetical", records[0].Source, records[1].Source)
	}
}
