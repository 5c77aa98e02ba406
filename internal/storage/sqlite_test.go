package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T, notifier *Notifier) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "swimr-test.db")
	s, err := NewSQLiteStore(path, notifier)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStore_CandidateUpsertByName(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	first := &Candidate{ID: "c1", Name: "Ada Lovelace", Score: 70, Recommendation: "maybe", CVText: "cv v1"}
	if err := s.UpsertCandidateByName(ctx, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	second := &Candidate{ID: "c2", Name: "Ada Lovelace", Score: 91, Recommendation: "yes", CVText: "cv v2"}
	if err := s.UpsertCandidateByName(ctx, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.ID != "c1" {
		t.Fatalf("upsert should resolve to the existing row id, got %q", second.ID)
	}

	got, err := s.GetCandidate(ctx, "c1")
	if err != nil {
		t.Fatalf("get candidate: %v", err)
	}
	if got.Score != 91 || got.Recommendation != "yes" || got.CVText != "cv v2" {
		t.Fatalf("upsert did not replace fields: %+v", got)
	}

	all, err := s.ListCandidates(ctx)
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(all))
	}
}

func TestSQLiteStore_FindAnalysisJobMostRecentUseful(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	key := JobKey{CandidateID: "cand", CVHash: "h1", ContextHash: "h2"}
	old := &AnalysisJob{
		ID: "j1", CandidateID: "cand", CVHash: "h1", ContextHash: "h2",
		Status: JobCompleted, CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	failed := &AnalysisJob{
		ID: "j2", CandidateID: "cand", CVHash: "h1", ContextHash: "h2",
		Status: JobFailed, CreatedAt: time.Now().UTC().Add(-30 * time.Minute),
	}
	fresh := &AnalysisJob{
		ID: "j3", CandidateID: "cand", CVHash: "h1", ContextHash: "h2",
		Status: JobProcessing, CreatedAt: time.Now().UTC(),
	}
	for _, j := range []*AnalysisJob{old, failed, fresh} {
		if err := s.InsertAnalysisJob(ctx, j); err != nil {
			t.Fatalf("insert %s: %v", j.ID, err)
		}
	}

	got, err := s.FindAnalysisJob(ctx, key)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "j3" {
		t.Fatalf("expected most recent useful job j3, got %s", got.ID)
	}

	// A role-scoped key must not match role-less jobs.
	role := "role-1"
	if _, err := s.FindAnalysisJob(ctx, JobKey{CandidateID: "cand", RoleID: &role, CVHash: "h1", ContextHash: "h2"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for role-scoped key, got %v", err)
	}
}

func TestSQLiteStore_FindAnalysisJobOrdersSubSecondTimestamps(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	// Timestamps whose fractional seconds render at different lengths under
	// a trimmed format (".5" vs ".51") must still sort chronologically.
	base := time.Date(2026, 8, 30, 10, 0, 0, 500_000_000, time.UTC)
	older := &AnalysisJob{
		ID: "j1", CandidateID: "cand", CVHash: "h1", ContextHash: "h2",
		Status: JobCompleted, CreatedAt: base,
	}
	newer := &AnalysisJob{
		ID: "j2", CandidateID: "cand", CVHash: "h1", ContextHash: "h2",
		Status: JobCompleted, CreatedAt: base.Add(10 * time.Millisecond),
	}
	for _, j := range []*AnalysisJob{older, newer} {
		if err := s.InsertAnalysisJob(ctx, j); err != nil {
			t.Fatalf("insert %s: %v", j.ID, err)
		}
	}

	got, err := s.FindAnalysisJob(ctx, JobKey{CandidateID: "cand", CVHash: "h1", ContextHash: "h2"})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != "j2" {
		t.Fatalf("expected the newer job j2, got %s", got.ID)
	}
	if !got.CreatedAt.Equal(newer.CreatedAt) {
		t.Fatalf("created_at did not round-trip: %v", got.CreatedAt)
	}
}

func TestSQLiteStore_UpdateJobPublishesRowEvent(t *testing.T) {
	notifier := NewNotifier()
	s := newTestStore(t, notifier)
	ctx := context.Background()

	job := &AnalysisJob{ID: "j1", CandidateID: "cand", CVHash: "a", ContextHash: "b", Status: JobProcessing}
	if err := s.InsertAnalysisJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}

	events := make(chan RowEvent, 1)
	unsub := notifier.Subscribe("analysis_jobs", "j1", EventUpdate, func(ev RowEvent) {
		events <- ev
	})
	defer unsub()

	msg := "model unavailable"
	if err := s.UpdateAnalysisJobStatus(ctx, "j1", JobFailed, nil, &msg); err != nil {
		t.Fatalf("update: %v", err)
	}

	select {
	case ev := <-events:
		row, ok := ev.Row.(*AnalysisJob)
		if !ok {
			t.Fatalf("event row has wrong type: %T", ev.Row)
		}
		if row.Status != JobFailed || row.Error == nil || *row.Error != msg {
			t.Fatalf("event carries stale row: %+v", row)
		}
	case <-time.After(time.Second):
		t.Fatal("row event never delivered")
	}
}

func TestSQLiteStore_DeleteAnalysisJobsByKey(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	job := &AnalysisJob{ID: "j1", CandidateID: "cand", CVHash: "a", ContextHash: "b", Status: JobCompleted}
	if err := s.InsertAnalysisJob(ctx, job); err != nil {
		t.Fatalf("insert: %v", err)
	}
	key := JobKey{CandidateID: "cand", CVHash: "a", ContextHash: "b"}
	if err := s.DeleteAnalysisJobs(ctx, key); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.FindAnalysisJob(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Fatalf("job should be gone, got %v", err)
	}
}

func TestSQLiteStore_RunSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := s.GetRunSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty slot, got %v", err)
	}
	if err := s.SetRunSnapshot(ctx, []byte(`{"id":"run-1"}`)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.SetRunSnapshot(ctx, []byte(`{"id":"run-2"}`)); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, err := s.GetRunSnapshot(ctx)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != `{"id":"run-2"}` {
		t.Fatalf("snapshot not overwritten: %s", got)
	}
	if err := s.DeleteRunSnapshot(ctx); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRunSnapshot(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStore_Roles(t *testing.T) {
	s := newTestStore(t, nil)
	ctx := context.Background()

	desc := "Backend Go engineer"
	if err := s.InsertRole(ctx, &Role{ID: "r1", Name: "Backend Engineer", Description: &desc}); err != nil {
		t.Fatalf("insert role: %v", err)
	}
	got, err := s.GetRole(ctx, "r1")
	if err != nil {
		t.Fatalf("get role: %v", err)
	}
	if got.Name != "Backend Engineer" || got.Description == nil || *got.Description != desc {
		t.Fatalf("role mismatch: %+v", got)
	}
	roles, err := s.ListRoles(ctx)
	if err != nil || len(roles) != 1 {
		t.Fatalf("list roles: %v %d", err, len(roles))
	}
}
