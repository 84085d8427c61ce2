package persistence

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"PerpRisk/internal/state"

	"github.com/google/uuid"
)

var ErrArchiveCorrupt = errors.New("archived snapshot checksum mismatch")

// SnapshotArchive stores published generations for warm start.
type SnapshotArchive struct {
	db *sql.DB
}

func NewSnapshotArchive(db *sql.DB) *SnapshotArchive {
	return &SnapshotArchive{db: db}
}

// ArchivedSnapshot is what SaveSnapshot wrote.
type ArchivedSnapshot struct {
	SnapshotID uuid.UUID
	Snapshot   *state.Snapshot
	SizeBytes  int
}

// SaveSnapshot persists snap as JSON with a SHA-256 checksum of the payload.
func (a *SnapshotArchive) SaveSnapshot(ctx context.Context, snap *state.Snapshot) (*ArchivedSnapshot, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	checksum := sha256.Sum256(data)
	snapshotID := uuid.New()

	_, err = a.db.ExecContext(ctx, `
		INSERT INTO risk.snapshots
			(snapshot_id, generation, slot, published_at, data, checksum, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snapshotID, int64(snap.Generation), int64(snap.Slot), snap.PublishedAt, string(data), checksum[:], len(data))
	if err != nil {
		return nil, fmt.Errorf("insert snapshot: %w", err)
	}

	return &ArchivedSnapshot{SnapshotID: snapshotID, Snapshot: snap, SizeBytes: len(data)}, nil
}

// LoadLatestSnapshot loads the archived snapshot with the highest slot.
// Returns nil, nil when the archive is empty (cold start).
func (a *SnapshotArchive) LoadLatestSnapshot(ctx context.Context) (*state.Snapshot, error) {
	row := a.db.QueryRowContext(ctx, `
		SELECT data, checksum FROM risk.snapshots
		ORDER BY slot DESC, created_at DESC
		LIMIT 1
	`)

	var data, checksum []byte
	if err := row.Scan(&data, &checksum); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	sum := sha256.Sum256(data)
	if !bytes.Equal(sum[:], checksum) {
		return nil, ErrArchiveCorrupt
	}

	snap := state.NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return snap, nil
}

// Prune keeps the newest keep snapshots and deletes the rest.
func (a *SnapshotArchive) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := a.db.ExecContext(ctx, `
		DELETE FROM risk.snapshots
		WHERE snapshot_id NOT IN (
			SELECT snapshot_id FROM risk.snapshots
			ORDER BY slot DESC, created_at DESC
			LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
