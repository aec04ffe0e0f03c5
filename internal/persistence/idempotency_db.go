package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// PostgresIdempotencyChecker is the second dedup tier behind the core's LRU:
// an operation id already in event_log.operations is a duplicate.
type PostgresIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsCommitted reports whether operationID is in the operation log.
// Operation ids are unique across command types.
func (pic *PostgresIdempotencyChecker) IsCommitted(operationID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pic.timeout)
	defer cancel()

	var stored string
	err := pic.db.QueryRowContext(ctx, `
		SELECT command_type
		FROM event_log.operations
		WHERE operation_id = $1
		LIMIT 1
	`, operationID).Scan(&stored)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentOperationIDs returns the ids of the last limit operations, oldest
// first, for warming the core's LRU after recovery.
func (pic *PostgresIdempotencyChecker) RecentOperationIDs(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := pic.db.QueryContext(ctx, `
		SELECT operation_id FROM (
			SELECT operation_id, sequence FROM event_log.operations
			ORDER BY sequence DESC
			LIMIT $1
		) recent ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
