package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("row not found")

// ErrUpsertUnsupported is returned when the backend has no uniqueness
// constraint to upsert against; callers fall back to a plain insert.
var ErrUpsertUnsupported = errors.New("upsert not supported by this backend")

// Store is the persistent row store behind the ledger and the run
// coordinator: candidates, analysis_jobs and roles, plus a single-slot
// key-value table for the active run snapshot.
type Store interface {
	InsertCandidate(ctx context.Context, c *Candidate) error
	// UpsertCandidateByName inserts or replaces by candidate name. Backends
	// without a unique constraint on name return ErrUpsertUnsupported.
	UpsertCandidateByName(ctx context.Context, c *Candidate) error
	GetCandidate(ctx context.Context, id string) (*Candidate, error)
	ListCandidates(ctx context.Context) ([]Candidate, error)

	InsertAnalysisJob(ctx context.Context, j *AnalysisJob) error
	// FindAnalysisJob returns the most recently created job for the key whose
	// status is processing or completed, or ErrNotFound.
	FindAnalysisJob(ctx context.Context, key JobKey) (*AnalysisJob, error)
	GetAnalysisJob(ctx context.Context, id string) (*AnalysisJob, error)
	// UpdateAnalysisJobStatus transitions a job and publishes a row-update
	// event carrying the post-change row.
	UpdateAnalysisJobStatus(ctx context.Context, id string, status JobStatus, result []byte, errMsg *string) error
	DeleteAnalysisJobs(ctx context.Context, key JobKey) error

	InsertRole(ctx context.Context, r *Role) error
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id string) (*Role, error)

	// Run snapshot slot: one durable value, overwritten on every transition.
	SetRunSnapshot(ctx context.Context, payload []byte) error
	GetRunSnapshot(ctx context.Context) ([]byte, error)
	DeleteRunSnapshot(ctx context.Context) error

	Close() error
}
