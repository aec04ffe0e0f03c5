package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// snapshotFormatVersion is bumped whenever the snapshot JSON changes shape.
const snapshotFormatVersion = 1

// SnapshotManager stores core snapshots and reads the operation log back
// for recovery. On warm restart the latest verified snapshot is restored
// and operations from snapshot.sequence+1 are replayed.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists snap (JSON-encoded) taken at sequence. It stays
// unverified until MarkVerified.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, sequence int64, stateHash [32]byte, snap any) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO event_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, uuid.New(), sequence, data, stateHash[:], snapshotFormatVersion, len(data), time.Now().UTC())
	return err
}

// LoadLatestSnapshot decodes the most recent verified snapshot into dst.
// It reports false when there is none (cold start).
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, dst any) (bool, error) {
	var (
		data    []byte
		version int
	)
	err := sm.db.QueryRowContext(ctx, `
		SELECT data, format_version FROM event_log.snapshots
		WHERE verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`).Scan(&data, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if version != snapshotFormatVersion {
		return false, fmt.Errorf("snapshot format %d, want %d", version, snapshotFormatVersion)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return true, nil
}

// MarkVerified marks a snapshot as verified after integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE event_log.snapshots SET verified = TRUE WHERE sequence = $1
	`, sequence)
	return err
}

// LoadOperationsFrom returns up to limit logged operations with sequence
// >= fromSequence, in order.
func (sm *SnapshotManager) LoadOperationsFrom(ctx context.Context, fromSequence int64, limit int) ([]OperationRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, operation_id, command_type, caller, privilege, block,
		       payload, state_hash, prev_hash
		FROM event_log.operations
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []OperationRow
	for rows.Next() {
		var (
			op        OperationRow
			privilege int16
			block     int64
		)
		if err := rows.Scan(
			&op.Sequence, &op.OperationID, &op.CommandType, &op.Caller, &privilege, &block,
			&op.Payload, &op.StateHash, &op.PrevHash,
		); err != nil {
			return nil, err
		}
		op.Privilege = protocol.Privilege(privilege)
		op.Block = uint64(block)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// GetLatestSequence returns the highest sequence in the operation log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM event_log.operations
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
