package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swimr-hq/swimr/internal/storage"
)

// SnapshotKV is the durable single-slot store behind run persistence.
type SnapshotKV interface {
	SetRunSnapshot(ctx context.Context, payload []byte) error
	GetRunSnapshot(ctx context.Context) ([]byte, error)
	DeleteRunSnapshot(ctx context.Context) error
}

// Snapshots persists the full run aggregate after every transition, so the
// durable state is always a consistent snapshot an observer can reload.
type Snapshots struct {
	kv SnapshotKV
}

func NewSnapshots(kv SnapshotKV) *Snapshots {
	return &Snapshots{kv: kv}
}

// Save overwrites the snapshot slot with the whole run document.
func (s *Snapshots) Save(ctx context.Context, r *Run) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run snapshot: %w", err)
	}
	return s.kv.SetRunSnapshot(ctx, payload)
}

// Load returns the persisted run, or nil when no snapshot exists.
func (s *Snapshots) Load(ctx context.Context) (*Run, error) {
	payload, err := s.kv.GetRunSnapshot(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Run
	if err := json.Unmarshal(payload, &r); err != nil {
		return nil, fmt.Errorf("unmarshal run snapshot: %w", err)
	}
	return &r, nil
}

// Clear removes the snapshot slot.
func (s *Snapshots) Clear(ctx context.Context) error {
	return s.kv.DeleteRunSnapshot(ctx)
}
