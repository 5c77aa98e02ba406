package storage

import (
	"encoding/json"
	"time"
)

// Candidate is one analysed person persisted in the candidates table.
type Candidate struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Score          float64         `json:"score"`
	Recommendation string          `json:"recommendation"`
	CVText         string          `json:"cv_text"`
	Analysis       json.RawMessage `json:"analysis,omitempty"` // opaque scoring document
	RoleID         *string         `json:"role_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// JobStatus is the lifecycle state of a ledger entry.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether no further automatic transition occurs.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AnalysisJob is one ledger entry recording a remote analysis attempt,
// keyed logically by (candidate, role, cv fingerprint, context fingerprint).
type AnalysisJob struct {
	ID          string          `json:"id"`
	CandidateID string          `json:"candidate_id"`
	RoleID      *string         `json:"role_id,omitempty"`
	CVHash      string          `json:"cv_hash"`
	ContextHash string          `json:"context_hash"`
	JobContext  *string         `json:"job_context,omitempty"`
	Status      JobStatus       `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobKey is the logical dedup tuple for analysis jobs. A nil RoleID matches
// only jobs recorded without a role.
type JobKey struct {
	CandidateID string
	RoleID      *string
	CVHash      string
	ContextHash string
}

// Role is a minimal hiring role used to build analysis job context.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
