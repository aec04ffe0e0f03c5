package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ErrNoDatabase is returned by history queries on a service built without
// a database.
var ErrNoDatabase = errors.New("query: history needs a database")

// View is the read side of the core.
type View interface {
	Pool(asset protocol.Asset) (*core.PoolView, error)
	Pools() ([]core.PoolView, error)
	Account(account protocol.AccountID) (*core.AccountView, error)
	ClaimableMnt(account protocol.AccountID) (fpmath.Fixed, error)
	Price(asset protocol.Asset) (fpmath.Fixed, error)
	Prices() map[protocol.Asset]fpmath.Fixed
	GetSequence() int64
	GetStateHash() [32]byte
	Block() uint64
	Settlement() protocol.Asset
}

// QueryService provides read-only access to protocol state. Current state
// comes from the core's in-memory view; history comes from the event log
// and projection tables. Responses carry as_of_sequence.
type QueryService struct {
	view      View
	db        *sql.DB
	startedAt time.Time
}

// NewQueryService builds the service. db may be nil, which disables the
// history queries.
func NewQueryService(view View, db *sql.DB) *QueryService {
	return &QueryService{view: view, db: db, startedAt: time.Now()}
}

// GetPool returns one pool accrued to the current block.
func (qs *QueryService) GetPool(ctx context.Context, asset protocol.Asset) (*PoolResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := qs.view.Pool(asset)
	if err != nil {
		return nil, err
	}
	return &PoolResponse{PoolView: *v, AsOfSequence: qs.view.GetSequence(), Block: qs.view.Block()}, nil
}

// ListPools returns every pool in asset order.
func (qs *QueryService) ListPools(ctx context.Context) ([]PoolResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	views, err := qs.view.Pools()
	if err != nil {
		return nil, err
	}
	seq, block := qs.view.GetSequence(), qs.view.Block()
	out := make([]PoolResponse, 0, len(views))
	for _, v := range views {
		out = append(out, PoolResponse{PoolView: v, AsOfSequence: seq, Block: block})
	}
	return out, nil
}

// GetAccount returns an account's positions, liquidity and rewards.
func (qs *QueryService) GetAccount(ctx context.Context, account uuid.UUID) (*AccountResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if account == uuid.Nil {
		return nil, fmt.Errorf("%w: account is required", protocol.ErrNotValidParameter)
	}
	v, err := qs.view.Account(account)
	if err != nil {
		return nil, err
	}
	resp := &AccountResponse{AccountView: *v, AsOfSequence: qs.view.GetSequence()}
	resp.deriveBalances()
	return resp, nil
}

// GetPrice returns the oracle price of an underlying asset.
func (qs *QueryService) GetPrice(ctx context.Context, asset protocol.Asset) (*PriceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	price, err := qs.view.Price(asset)
	if err != nil {
		return nil, err
	}
	return &PriceResponse{Asset: asset, Price: price, AsOfSequence: qs.view.GetSequence()}, nil
}

// ListPrices returns every known oracle price in asset order.
func (qs *QueryService) ListPrices(ctx context.Context) ([]PriceResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prices := qs.view.Prices()
	assets := make([]protocol.Asset, 0, len(prices))
	for a := range prices {
		assets = append(assets, a)
	}
	protocol.SortAssets(assets)

	seq := qs.view.GetSequence()
	out := make([]PriceResponse, 0, len(assets))
	for _, a := range assets {
		out = append(out, PriceResponse{Asset: a, Price: prices[a], AsOfSequence: seq})
	}
	return out, nil
}

// GetClaimableMnt returns the MNT the account would receive by claiming now.
func (qs *QueryService) GetClaimableMnt(ctx context.Context, account uuid.UUID) (*MntResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	claimable, err := qs.view.ClaimableMnt(account)
	if err != nil {
		return nil, err
	}
	return &MntResponse{Account: account, Claimable: claimable, AsOfSequence: qs.view.GetSequence()}, nil
}

// GetStatus reports the live chain tip and how far persistence and the
// projections have caught up.
func (qs *QueryService) GetStatus(ctx context.Context) (*StatusResponse, error) {
	hash := qs.view.GetStateHash()
	resp := &StatusResponse{
		Sequence:   qs.view.GetSequence(),
		Block:      qs.view.Block(),
		StateHash:  hex.EncodeToString(hash[:]),
		Settlement: qs.view.Settlement().String(),
		StartedAt:  qs.startedAt,
	}
	if qs.db == nil {
		return resp, nil
	}

	meta, ok, err := persistence.NewStateLoader(qs.db).LoadMeta(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		resp.PersistedSequence = meta.Sequence
	}
	if resp.ProjectionSequence, err = projection.Watermark(ctx, qs.db, projection.PoolHistoryName); err != nil {
		return nil, fmt.Errorf("projection watermark: %w", err)
	}
	return resp, nil
}

// ListEvents pages through the event log in sequence order, starting after
// f.AfterSequence.
func (qs *QueryService) ListEvents(ctx context.Context, f EventFilter) ([]EventResponse, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	query := `
		SELECT e.sequence, e.event_index, e.event_type, e.asset, e.payload,
		       o.operation_id, o.command_type, o.caller, o.block, o.committed_at
		FROM event_log.events e
		JOIN event_log.operations o ON o.sequence = e.sequence
		WHERE e.sequence > $1
	`
	args := []interface{}{f.AfterSequence}
	argIdx := 2

	if f.Asset != protocol.AssetNone {
		query += fmt.Sprintf(" AND e.asset = $%d", argIdx)
		args = append(args, int16(f.Asset))
		argIdx++
	}
	if f.EventType != "" {
		query += fmt.Sprintf(" AND e.event_type = $%d", argIdx)
		args = append(args, f.EventType)
		argIdx++
	}
	if f.Caller != uuid.Nil {
		query += fmt.Sprintf(" AND o.caller = $%d", argIdx)
		args = append(args, f.Caller)
		argIdx++
	}

	query += " ORDER BY e.sequence, e.event_index"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(f.Limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventResponse
	for rows.Next() {
		var (
			e       EventResponse
			asset   int16
			block   int64
			payload []byte
		)
		if err := rows.Scan(
			&e.Sequence, &e.Index, &e.EventType, &asset, &payload,
			&e.OperationID, &e.CommandType, &e.Caller, &block, &e.CommittedAt,
		); err != nil {
			return nil, err
		}
		e.Asset = protocol.Asset(asset)
		e.Payload = payload
		e.Block = uint64(block)
		events = append(events, e)
	}

	return events, rows.Err()
}

// GetPoolHistory returns the pool's time series from fromBlock on.
func (qs *QueryService) GetPoolHistory(ctx context.Context, asset protocol.Asset, fromBlock uint64, limit int) ([]PoolHistoryPoint, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, block, underlying_balance, total_borrows, total_reserves, total_shares,
		       exchange_rate, borrow_index, utilization, borrow_rate, supply_rate
		FROM projections.pool_history
		WHERE asset = $1 AND block >= $2
		ORDER BY sequence
		LIMIT $3
	`, int16(asset), int64(fromBlock), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []PoolHistoryPoint
	for rows.Next() {
		var (
			p     PoolHistoryPoint
			block int64
		)
		if err := rows.Scan(&p.Sequence, &block,
			persistence.ScanFixed(&p.UnderlyingBalance), persistence.ScanFixed(&p.TotalBorrows),
			persistence.ScanFixed(&p.TotalReserves), persistence.ScanFixed(&p.TotalShares),
			persistence.ScanFixed(&p.ExchangeRate), persistence.ScanFixed(&p.BorrowIndex),
			persistence.ScanFixed(&p.Utilization), persistence.ScanFixed(&p.BorrowRate),
			persistence.ScanFixed(&p.SupplyRate),
		); err != nil {
			return nil, err
		}
		p.Block = uint64(block)
		points = append(points, p)
	}
	return points, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of the operation log and that the
// persisted chain tip matches the live hash when both are at the same
// sequence.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT o1.sequence
		FROM event_log.operations o1
		JOIN event_log.operations o2 ON o2.sequence = o1.sequence - 1
		WHERE o1.prev_hash != o2.state_hash
		ORDER BY o1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	meta, ok, err := persistence.NewStateLoader(qs.db).LoadMeta(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		report.CheckedUpTo = meta.Sequence
		if meta.Sequence == qs.view.GetSequence() && meta.StateHash != qs.view.GetStateHash() {
			report.StateMismatch = true
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && !report.StateMismatch
	return report, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	default:
		return limit
	}
}
