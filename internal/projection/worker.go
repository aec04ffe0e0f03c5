package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"LendLedger/internal/core"
	"LendLedger/internal/observability"
	"LendLedger/internal/persistence"
	"LendLedger/internal/state"

	"github.com/rs/zerolog"
)

// PoolHistoryName is the projection_state key of the pool history.
const PoolHistoryName = "pool_history"

// Update is the part of a committed operation projections consume. The
// orchestrator bridges core outputs into it.
type Update struct {
	Sequence int64
	Delta    state.Delta
}

// ProjectionWorker updates projection tables from committed operations.
// Its input channel is fed non-blocking with drop, so it may skip
// sequences; RebuildProjections restores a complete series from the log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan Update
	history   *PoolHistoryProjection
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewProjectionWorker starts from the rate models of the live state, so
// rates can be computed for pools whose model did not change.
func NewProjectionWorker(db *sql.DB, inputChan <-chan Update, models []state.RateModel, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		history:   NewPoolHistoryProjection(models),
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case u, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			if u.Sequence <= pw.lastSeq {
				continue
			}

			if err := pw.apply(ctx, u); err != nil {
				// Projections are eventually consistent and can be rebuilt.
				pw.logger.Warn().Err(err).Int64("sequence", u.Sequence).Msg("projection update failed")
			}
			pw.lastSeq = u.Sequence
		}
	}
}

func (pw *ProjectionWorker) apply(ctx context.Context, u Update) error {
	start := time.Now()
	rows, err := pw.history.Apply(u.Sequence, u.Delta)
	if err != nil {
		return err
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertPoolHistory(ctx, tx, rows); err != nil {
		return fmt.Errorf("pool history: %w", err)
	}
	if err := setWatermark(ctx, tx, PoolHistoryName, u.Sequence); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(PoolHistoryName).Observe(time.Since(start).Seconds())
		pw.metrics.ProjectionLastSeq.WithLabelValues(PoolHistoryName).Set(float64(u.Sequence))
	}
	return nil
}

func insertPoolHistory(ctx context.Context, tx *sql.Tx, rows []PoolHistoryRow) error {
	if len(rows) == 0 {
		return nil
	}

	const cols = 12
	var b strings.Builder
	b.WriteString(`INSERT INTO projections.pool_history
		(asset, sequence, block, underlying_balance, total_borrows, total_reserves, total_shares,
		 exchange_rate, borrow_index, utilization, borrow_rate, supply_rate) VALUES `)
	args := make([]any, 0, len(rows)*cols)
	for i, r := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteString(")")
		args = append(args,
			int16(r.Asset), r.Sequence, int64(r.Block),
			r.UnderlyingBalance.String(), r.TotalBorrows.String(), r.TotalReserves.String(),
			r.TotalShares.String(), r.ExchangeRate.String(), r.BorrowIndex.String(),
			r.Utilization.String(), r.BorrowRate.String(), r.SupplyRate.String(),
		)
	}
	b.WriteString(" ON CONFLICT (asset, sequence) DO NOTHING")

	_, err := tx.ExecContext(ctx, b.String(), args...)
	return err
}

func setWatermark(ctx context.Context, tx *sql.Tx, name string, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.projection_state (projection_name, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection_name) DO UPDATE
			SET last_sequence = GREATEST(projections.projection_state.last_sequence, EXCLUDED.last_sequence),
			    updated_at = NOW()
	`, name, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

// Watermark returns the last sequence applied by the named projection.
func Watermark(ctx context.Context, db *sql.DB, name string) (int64, error) {
	var seq int64
	err := db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.projection_state WHERE projection_name = $1`, name,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// RebuildProjections truncates the projection tables and replays the whole
// operation log through a fresh core built from genesis, writing one row
// set per operation.
func RebuildProjections(ctx context.Context, db *sql.DB, genesis core.Genesis) error {
	logger := observability.NewLogger("projection")

	for _, stmt := range []string{
		`TRUNCATE projections.pool_history`,
		`DELETE FROM projections.projection_state WHERE projection_name = 'pool_history'`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	replayer, err := core.NewDeterministicCore(genesis, nil, nil, nil, nil)
	if err != nil {
		return fmt.Errorf("rebuild core: %w", err)
	}
	replayer.SetLogger(zerolog.Nop())
	history := NewPoolHistoryProjection(replayer.Export().RateModels)

	// Genesis pools form the first point of every series.
	if err := writeGenesisHistory(ctx, db, history, replayer.Export()); err != nil {
		return err
	}

	const pageSize = 1000
	ops := persistence.NewSnapshotManager(db)
	from := int64(1)
	var applied int64
	for {
		page, err := ops.LoadOperationsFrom(ctx, from, pageSize)
		if err != nil {
			return fmt.Errorf("load operations from %d: %w", from, err)
		}
		if len(page) == 0 {
			break
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		for _, op := range page {
			env, err := op.Envelope()
			if err != nil {
				tx.Rollback()
				return err
			}
			out, err := replayer.ReplayOutput(env, op.Sequence, op.Hash())
			if err != nil {
				tx.Rollback()
				return err
			}
			rows, err := history.Apply(op.Sequence, out.Delta)
			if err != nil {
				tx.Rollback()
				return err
			}
			if err := insertPoolHistory(ctx, tx, rows); err != nil {
				tx.Rollback()
				return fmt.Errorf("pool history seq %d: %w", op.Sequence, err)
			}
			applied = op.Sequence
		}
		if err := setWatermark(ctx, tx, PoolHistoryName, applied); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		from = page[len(page)-1].Sequence + 1
	}

	logger.Info().Int64("last_sequence", applied).Msg("projection rebuild complete")
	return nil
}

// writeGenesisHistory writes the genesis pools at sequence 0.
func writeGenesisHistory(ctx context.Context, db *sql.DB, history *PoolHistoryProjection, genesis state.Delta) error {
	rows, err := history.Apply(0, genesis)
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertPoolHistory(ctx, tx, rows); err != nil {
		return fmt.Errorf("genesis pool history: %w", err)
	}
	return tx.Commit()
}
