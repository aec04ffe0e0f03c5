package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"LendLedger/internal/command"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

// maxRowsPerInsert keeps a multi-row INSERT under the Postgres limit of
// 65535 bind parameters for the widest table.
const maxRowsPerInsert = 1000

// OperationRow represents a row in event_log.operations
type OperationRow struct {
	Sequence    int64
	OperationID uuid.UUID
	CommandType string
	Caller      uuid.UUID
	Privilege   protocol.Privilege
	Block       uint64
	Payload     []byte // JSON-encoded command
	StateHash   []byte
	PrevHash    []byte
}

// Envelope decodes the row back into the command it logged.
func (r OperationRow) Envelope() (command.Envelope, error) {
	cmd, err := command.Decode(command.Type(r.CommandType), r.Payload)
	if err != nil {
		return command.Envelope{}, fmt.Errorf("operation %d: %w", r.Sequence, err)
	}
	return command.Envelope{
		OperationID: r.OperationID,
		Origin:      protocol.Origin{Caller: r.Caller, Privilege: r.Privilege},
		Command:     cmd,
	}, nil
}

// Hash returns the logged state hash.
func (r OperationRow) Hash() [32]byte {
	var h [32]byte
	copy(h[:], r.StateHash)
	return h
}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence  int64
	Index     int
	EventType string
	Asset     protocol.Asset
	Payload   []byte
}

// OperationRowFromEnvelope flattens a committed envelope for storage.
func OperationRowFromEnvelope(env *event.EventEnvelope) OperationRow {
	return OperationRow{
		Sequence:    env.Sequence,
		OperationID: env.OperationID,
		CommandType: env.CommandType,
		Caller:      env.Caller,
		Privilege:   env.Privilege,
		Block:       env.Block,
		Payload:     env.Payload,
		StateHash:   env.StateHash[:],
		PrevHash:    env.PrevHash[:],
	}
}

// EventRowsFromEnvelope returns one row per event of env, in emission order.
func EventRowsFromEnvelope(env *event.EventEnvelope) []EventRow {
	rows := make([]EventRow, 0, len(env.Events))
	for _, rec := range env.Events {
		rows = append(rows, EventRow{
			Sequence:  env.Sequence,
			Index:     rec.Index,
			EventType: rec.Name,
			Asset:     rec.Asset,
			Payload:   rec.Payload,
		})
	}
	return rows
}

// StateWriter writes the operation log and the current state records.
// All writes go through the caller's transaction so an operation's log
// rows and its state delta land together.
type StateWriter struct{}

func NewStateWriter() *StateWriter {
	return &StateWriter{}
}

// WriteOperationBatch writes operations with multi-row INSERTs. A repeat of
// an already stored sequence or operation id is skipped.
func (w *StateWriter) WriteOperationBatch(ctx context.Context, tx *sql.Tx, ops []OperationRow) error {
	rows := make([][]any, 0, len(ops))
	for _, op := range ops {
		rows = append(rows, []any{
			op.Sequence, op.OperationID, op.CommandType, op.Caller, int16(op.Privilege),
			int64(op.Block), op.Payload, op.StateHash, op.PrevHash,
		})
	}
	return insertRows(ctx, tx,
		`INSERT INTO event_log.operations
		(sequence, operation_id, command_type, caller, privilege, block, payload, state_hash, prev_hash)
		VALUES `,
		rows,
		" ON CONFLICT DO NOTHING",
	)
}

// WriteEventBatch writes events to event_log.events.
func (w *StateWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{e.Sequence, e.Index, e.EventType, int16(e.Asset), e.Payload})
	}
	return insertRows(ctx, tx,
		`INSERT INTO event_log.events (sequence, event_index, event_type, asset, payload) VALUES `,
		rows,
		" ON CONFLICT (sequence, event_index) DO NOTHING",
	)
}

// UpsertDelta writes every record changed at sequence. Zero positions, MNT
// snapshots and rewards are deleted, mirroring state.Apply.
func (w *StateWriter) UpsertDelta(ctx context.Context, tx *sql.Tx, sequence int64, d state.Delta) error {
	for _, p := range d.Pools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.pools
				(asset, underlying_balance, total_borrows, total_reserves, total_shares,
				 exchange_rate, initial_exchange_rate, borrow_index, last_accrual_block, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (asset) DO UPDATE SET
				underlying_balance = $2, total_borrows = $3, total_reserves = $4, total_shares = $5,
				exchange_rate = $6, initial_exchange_rate = $7, borrow_index = $8,
				last_accrual_block = $9, updated_sequence = $10
		`, int16(p.Asset), num(p.UnderlyingBalance), num(p.TotalBorrows), num(p.TotalReserves),
			num(p.TotalShares), num(p.ExchangeRate), num(p.InitialExchangeRate), num(p.BorrowIndex),
			int64(p.LastAccrualBlock), sequence); err != nil {
			return fmt.Errorf("upsert pool %s: %w", p.Asset, err)
		}
	}

	for _, m := range d.RateModels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.rate_models
				(asset, base_rate, multiplier, jump_multiplier, kink, reserve_factor, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset) DO UPDATE SET
				base_rate = $2, multiplier = $3, jump_multiplier = $4, kink = $5,
				reserve_factor = $6, updated_sequence = $7
		`, int16(m.Asset), num(m.Model.BaseRate), num(m.Model.Multiplier), num(m.Model.JumpMultiplier),
			num(m.Model.Kink), num(m.Model.ReserveFactor), sequence); err != nil {
			return fmt.Errorf("upsert rate model %s: %w", m.Asset, err)
		}
	}

	for _, r := range d.RiskParams {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.risk_params
				(asset, collateral_factor, liquidation_threshold, liquidation_fee,
				 max_liquidation_attempts, min_partial_liquidation_sum, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset) DO UPDATE SET
				collateral_factor = $2, liquidation_threshold = $3, liquidation_fee = $4,
				max_liquidation_attempts = $5, min_partial_liquidation_sum = $6, updated_sequence = $7
		`, int16(r.Asset), num(r.CollateralFactor), num(r.LiquidationThreshold), num(r.LiquidationFee),
			int16(r.MaxLiquidationAttempts), num(r.MinPartialLiquidationSum), sequence); err != nil {
			return fmt.Errorf("upsert risk params %s: %w", r.Asset, err)
		}
	}

	for _, c := range d.Controller {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.controller_params (asset, paused_ops, borrow_cap, updated_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (asset) DO UPDATE SET paused_ops = $2, borrow_cap = $3, updated_sequence = $4
		`, int16(c.Asset), int16(c.PausedOps), num(c.BorrowCap), sequence); err != nil {
			return fmt.Errorf("upsert controller %s: %w", c.Asset, err)
		}
	}

	for _, lp := range d.LiquidationPools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.liquidation_pools
				(asset, balance, balance_ratio, deviation_threshold, balancing_period,
				 last_balanced_block, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset) DO UPDATE SET
				balance = $2, balance_ratio = $3, deviation_threshold = $4, balancing_period = $5,
				last_balanced_block = $6, updated_sequence = $7
		`, int16(lp.Asset), num(lp.Balance), num(lp.BalanceRatio), num(lp.DeviationThreshold),
			int64(lp.BalancingPeriod), int64(lp.LastBalancedBlock), sequence); err != nil {
			return fmt.Errorf("upsert liquidation pool %s: %w", lp.Asset, err)
		}
	}

	for _, m := range d.MntPools {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.mnt_pools
				(asset, speed, enabled, supply_index, borrow_index, last_update_block, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (asset) DO UPDATE SET
				speed = $2, enabled = $3, supply_index = $4, borrow_index = $5,
				last_update_block = $6, updated_sequence = $7
		`, int16(m.Asset), num(m.Speed), m.Enabled, num(m.SupplyIndex), num(m.BorrowIndex),
			int64(m.LastUpdateBlock), sequence); err != nil {
			return fmt.Errorf("upsert mnt pool %s: %w", m.Asset, err)
		}
	}

	for _, r := range d.Positions {
		if r.Position.IsZero() {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM lending.positions WHERE account = $1 AND asset = $2`,
				r.Account, int16(r.Asset)); err != nil {
				return fmt.Errorf("delete position %s/%s: %w", r.Account, r.Asset, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.positions
				(account, asset, supply_shares, borrow_principal, borrow_index_snapshot,
				 collateral_disabled, updated_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (account, asset) DO UPDATE SET
				supply_shares = $3, borrow_principal = $4, borrow_index_snapshot = $5,
				collateral_disabled = $6, updated_sequence = $7
		`, r.Account, int16(r.Asset), num(r.SupplyShares), num(r.BorrowPrincipal),
			num(r.BorrowIndexSnapshot), r.CollateralDisabled, sequence); err != nil {
			return fmt.Errorf("upsert position %s/%s: %w", r.Account, r.Asset, err)
		}
	}

	for _, r := range d.MntAccounts {
		if r.SupplyIndex.IsZero() && r.BorrowIndex.IsZero() {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM lending.mnt_accounts WHERE account = $1 AND asset = $2`,
				r.Account, int16(r.Asset)); err != nil {
				return fmt.Errorf("delete mnt account %s/%s: %w", r.Account, r.Asset, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.mnt_accounts (account, asset, supply_index, borrow_index, updated_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account, asset) DO UPDATE SET
				supply_index = $3, borrow_index = $4, updated_sequence = $5
		`, r.Account, int16(r.Asset), num(r.SupplyIndex), num(r.BorrowIndex), sequence); err != nil {
			return fmt.Errorf("upsert mnt account %s/%s: %w", r.Account, r.Asset, err)
		}
	}

	for _, r := range d.MntRewards {
		if r.MntReward.IsZero() {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM lending.mnt_rewards WHERE account = $1`, r.Account); err != nil {
				return fmt.Errorf("delete mnt reward %s: %w", r.Account, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lending.mnt_rewards (account, accrued, claimed, updated_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account) DO UPDATE SET accrued = $2, claimed = $3, updated_sequence = $4
		`, r.Account, num(r.Accrued), num(r.Claimed), sequence); err != nil {
			return fmt.Errorf("upsert mnt reward %s: %w", r.Account, err)
		}
	}

	return nil
}

// UpdateMeta moves the stored chain tip.
func (w *StateWriter) UpdateMeta(ctx context.Context, tx *sql.Tx, sequence int64, block uint64, stateHash []byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO lending.protocol_meta (id, sequence, block, state_hash, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET sequence = $1, block = $2, state_hash = $3, updated_at = NOW()
		WHERE lending.protocol_meta.sequence < $1
	`, sequence, int64(block), stateHash)
	return err
}

// insertRows builds multi-row INSERTs of at most maxRowsPerInsert rows.
func insertRows(ctx context.Context, tx *sql.Tx, prefix string, rows [][]any, suffix string) error {
	for start := 0; start < len(rows); start += maxRowsPerInsert {
		end := min(start+maxRowsPerInsert, len(rows))
		chunk := rows[start:end]

		values := make([]string, 0, len(chunk))
		args := make([]any, 0, len(chunk)*len(chunk[0]))
		for _, row := range chunk {
			placeholders := make([]string, len(row))
			for i := range row {
				placeholders[i] = fmt.Sprintf("$%d", len(args)+i+1)
			}
			values = append(values, "("+strings.Join(placeholders, ", ")+")")
			args = append(args, row...)
		}

		query := prefix + strings.Join(values, ", ") + suffix
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return err
		}
	}
	return nil
}

// num renders a Fixed for a NUMERIC(78,18) column.
func num(v fpmath.Fixed) string {
	return v.String()
}

// numeric scans a NUMERIC column into a Fixed.
type numeric struct {
	dst *fpmath.Fixed
}

func (n numeric) Scan(src any) error {
	var text string
	switch v := src.(type) {
	case []byte:
		text = string(v)
	case string:
		text = v
	default:
		return fmt.Errorf("numeric: unsupported source %T", src)
	}
	parsed, err := fpmath.Parse(text)
	if err != nil {
		return err
	}
	*n.dst = parsed
	return nil
}

// ScanFixed adapts dst for rows.Scan of a NUMERIC column.
func ScanFixed(dst *fpmath.Fixed) sql.Scanner {
	return numeric{dst: dst}
}
