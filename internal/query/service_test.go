package query_test

import (
	"context"
	"testing"
	"time"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/persistence"
	"LendLedger/internal/projection"
	"LendLedger/internal/protocol"
	"LendLedger/internal/query"
	"LendLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	core    *core.DeterministicCore
	outputs chan core.CoreOutput
	alice   uuid.UUID
	bob     uuid.UUID
	qs      *query.QueryService
	ctx     context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c, outputs := testutil.NewCore(t, testutil.FlatGenesis(protocol.DOT, protocol.USDT))
	f := &fixture{
		core:    c,
		outputs: outputs,
		alice:   uuid.New(),
		bob:     uuid.New(),
		qs:      query.NewQueryService(c, nil),
		ctx:     context.Background(),
	}
	testutil.MustSubmit(t, c, protocol.Signed(f.alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(1000)})
	testutil.MustSubmit(t, c, protocol.Signed(f.bob), &command.Deposit{Underlying: protocol.USDT, Amount: fpmath.FromInt(5000)})
	testutil.MustSubmit(t, c, protocol.Signed(f.alice), &command.Borrow{Underlying: protocol.USDT, Amount: fpmath.FromInt(25)})
	return f
}

func TestGetPool(t *testing.T) {
	f := newFixture(t)

	resp, err := f.qs.GetPool(f.ctx, protocol.USDT)
	require.NoError(t, err)
	assert.Equal(t, int64(3), resp.AsOfSequence)
	assert.Equal(t, fpmath.FromInt(25), resp.Pool.TotalBorrows)
	assert.Equal(t, fpmath.MustParse("0.005"), resp.Utilization)

	_, err = f.qs.GetPool(f.ctx, protocol.BTC)
	require.Error(t, err)
}

func TestListPools_AssetOrder(t *testing.T) {
	f := newFixture(t)

	pools, err := f.qs.ListPools(f.ctx)
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, protocol.DOT, pools[0].Pool.Asset)
	assert.Equal(t, protocol.USDT, pools[1].Pool.Asset)
}

func TestGetAccount_DerivesHeadroom(t *testing.T) {
	f := newFixture(t)

	resp, err := f.qs.GetAccount(f.ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, resp.Positions, 2)
	require.NotNil(t, resp.Liquidity)
	assert.True(t, resp.Solvent)
	assert.False(t, resp.Liquidatable)

	// 1000 DOT at price 1 and collateral factor 0.9, minus 25 USDT of debt.
	require.NotNil(t, resp.Headroom)
	assert.Equal(t, fpmath.FromInt(875), *resp.Headroom)
	assert.Nil(t, resp.Shortfall)
}

func TestGetAccount_RequiresAccount(t *testing.T) {
	f := newFixture(t)

	_, err := f.qs.GetAccount(f.ctx, uuid.Nil)
	require.ErrorIs(t, err, protocol.ErrNotValidParameter)
}

func TestGetPrice(t *testing.T) {
	f := newFixture(t)

	resp, err := f.qs.GetPrice(f.ctx, protocol.DOT)
	require.NoError(t, err)
	assert.Equal(t, fpmath.One, resp.Price)

	_, err = f.qs.GetPrice(f.ctx, protocol.BTC)
	require.ErrorIs(t, err, protocol.ErrPriceUnavailable)

	prices, err := f.qs.ListPrices(f.ctx)
	require.NoError(t, err)
	require.Len(t, prices, 2)
	assert.Equal(t, protocol.DOT, prices[0].Asset)
	assert.Equal(t, protocol.USDT, prices[1].Asset)
}

func TestGetClaimableMnt_NoSpeed(t *testing.T) {
	f := newFixture(t)

	resp, err := f.qs.GetClaimableMnt(f.ctx, f.alice)
	require.NoError(t, err)
	assert.Equal(t, f.alice, resp.Account)
	assert.Equal(t, int64(3), resp.AsOfSequence)
}

func TestGetStatus_WithoutDatabase(t *testing.T) {
	f := newFixture(t)

	status, err := f.qs.GetStatus(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.Sequence)
	assert.Equal(t, "USDT", status.Settlement)
	assert.Len(t, status.StateHash, 64)
	assert.Zero(t, status.PersistedSequence)
}

func TestHistoryQueries_NeedDatabase(t *testing.T) {
	f := newFixture(t)

	_, err := f.qs.ListEvents(f.ctx, query.EventFilter{})
	require.ErrorIs(t, err, query.ErrNoDatabase)
	_, err = f.qs.GetPoolHistory(f.ctx, protocol.USDT, 0, 10)
	require.ErrorIs(t, err, query.ErrNoDatabase)
	_, err = f.qs.VerifyIntegrity(f.ctx)
	require.ErrorIs(t, err, query.ErrNoDatabase)
}

func TestHistoryQueries_Integration(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	f := newFixture(t)
	var outs []core.CoreOutput
	for len(f.outputs) > 0 {
		outs = append(outs, <-f.outputs)
	}
	records := make(chan persistence.Record, len(outs))
	updates := make(chan projection.Update, len(outs))
	for _, o := range outs {
		records <- persistence.Record{Envelope: o.Envelope, Delta: o.Delta}
		updates <- projection.Update{Sequence: o.Envelope.Sequence, Delta: o.Delta}
	}
	close(records)
	close(updates)
	require.NoError(t, persistence.NewPersistenceWorker(db, records, 10, 10*time.Millisecond, nil).Run(f.ctx))
	require.NoError(t, projection.NewProjectionWorker(db, updates, f.core.Export().RateModels, nil).Run(f.ctx))

	qs := query.NewQueryService(f.core, db)

	events, err := qs.ListEvents(f.ctx, query.EventFilter{Caller: f.alice})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.Equal(t, f.alice, e.Caller)
	}

	usdt, err := qs.ListEvents(f.ctx, query.EventFilter{Asset: protocol.USDT, AfterSequence: 2})
	require.NoError(t, err)
	for _, e := range usdt {
		assert.Equal(t, int64(3), e.Sequence)
		assert.Equal(t, protocol.USDT, e.Asset)
	}

	history, err := qs.GetPoolHistory(f.ctx, protocol.USDT, 0, 0)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	last := history[len(history)-1]
	assert.Equal(t, fpmath.FromInt(25), last.TotalBorrows)
	assert.Equal(t, fpmath.MustParse("0.005"), last.Utilization)

	status, err := qs.GetStatus(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.PersistedSequence)
	assert.Equal(t, int64(3), status.ProjectionSequence)

	report, err := qs.VerifyIntegrity(f.ctx)
	require.NoError(t, err)
	assert.True(t, report.IsHealthy)
	assert.Equal(t, int64(3), report.CheckedUpTo)
}
