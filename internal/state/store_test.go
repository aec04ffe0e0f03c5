package state_test

import (
	"testing"

	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *state.State {
	t.Helper()
	s := state.NewState()
	tx := s.Begin()
	for _, a := range []protocol.Asset{protocol.DOT, protocol.ETH} {
		tx.PutPool(state.NewPool(a, fpmath.One, 0))
	}
	tx.Commit()
	return s
}

// ============================================================================
// Test: transactions
// ============================================================================

func TestTx_UncommittedWritesInvisible(t *testing.T) {
	s := seeded(t)
	tx := s.Begin()
	p, ok := tx.Pool(protocol.DOT)
	require.True(t, ok)
	p.UnderlyingBalance = fpmath.FromInt(100)
	tx.PutPool(p)

	got, _ := s.Begin().Pool(protocol.DOT)
	require.True(t, got.UnderlyingBalance.IsZero())

	d := tx.Commit()
	require.Len(t, d.Pools, 1)
	got, _ = s.Begin().Pool(protocol.DOT)
	require.True(t, got.UnderlyingBalance.Eq(fpmath.FromInt(100)))
}

func TestTx_NestedRollbackKeepsParent(t *testing.T) {
	s := seeded(t)
	account := uuid.New()

	tx := s.Begin()
	tx.PutPosition(account, protocol.DOT, state.Position{SupplyShares: fpmath.FromInt(5)})

	failed := tx.Begin()
	failed.PutPosition(account, protocol.ETH, state.Position{SupplyShares: fpmath.FromInt(7)})
	require.True(t, failed.Position(account, protocol.DOT).SupplyShares.Eq(fpmath.FromInt(5)))
	// dropped without commit

	ok := tx.Begin()
	ok.SetBlock(9)
	ok.PutMntReward(account, state.MntReward{Accrued: fpmath.One})
	ok.Commit()

	d := tx.Commit()
	require.Equal(t, uint64(9), d.Block)
	require.Len(t, d.Positions, 1)
	require.Equal(t, protocol.DOT, d.Positions[0].Asset)
	require.Len(t, d.MntRewards, 1)

	view := s.Begin()
	require.True(t, view.Position(account, protocol.ETH).IsZero())
	require.Equal(t, []protocol.Asset{protocol.DOT}, view.AccountAssets(account))
	require.Equal(t, uint64(9), s.Block())
}

func TestTx_DoubleCommitPanics(t *testing.T) {
	tx := seeded(t).Begin()
	tx.Commit()
	require.Panics(t, func() { tx.Commit() })
}

// ============================================================================
// Test: delta
// ============================================================================

func TestDelta_ZeroPositionPruned(t *testing.T) {
	s := seeded(t)
	account := uuid.New()

	tx := s.Begin()
	tx.PutPosition(account, protocol.DOT, state.Position{SupplyShares: fpmath.One})
	tx.Commit()
	require.Len(t, s.Export().Positions, 1)

	tx = s.Begin()
	tx.PutPosition(account, protocol.DOT, state.Position{})
	d := tx.Commit()
	require.Len(t, d.Positions, 1)
	require.True(t, d.Positions[0].Position.IsZero())
	require.Empty(t, s.Export().Positions)
}

func TestDelta_SortedAndDeterministic(t *testing.T) {
	build := func() state.Delta {
		s := state.NewState()
		tx := s.Begin()
		for _, a := range []protocol.Asset{protocol.USDT, protocol.DOT, protocol.BTC} {
			tx.PutPool(state.NewPool(a, fpmath.One, 0))
		}
		return tx.Commit()
	}
	d1, d2 := build(), build()
	require.Equal(t, []protocol.Asset{protocol.DOT, protocol.BTC, protocol.USDT},
		[]protocol.Asset{d1.Pools[0].Asset, d1.Pools[1].Asset, d1.Pools[2].Asset})
	require.Equal(t, d1.Digest(), d2.Digest())
	require.False(t, d1.IsEmpty())
	require.True(t, state.Delta{}.IsEmpty())
}

func TestState_ApplyExportRoundTrip(t *testing.T) {
	s := seeded(t)
	tx := s.Begin()
	tx.PutPosition(uuid.New(), protocol.ETH, state.Position{BorrowPrincipal: fpmath.FromInt(3), BorrowIndexSnapshot: fpmath.One})
	tx.SetBlock(42)
	tx.Commit()

	restored := state.NewState()
	restored.Apply(s.Export())
	require.Equal(t, s.Export(), restored.Export())
	require.Equal(t, uint64(42), restored.Block())
}

// ============================================================================
// Test: entities
// ============================================================================

func TestPosition_Debt(t *testing.T) {
	p := state.Position{BorrowPrincipal: fpmath.FromInt(100), BorrowIndexSnapshot: fpmath.One}
	debt, err := p.Debt(fpmath.MustParse("1.1"))
	require.NoError(t, err)
	require.True(t, debt.Eq(fpmath.FromInt(110)))

	debt, err = p.Debt(fpmath.One)
	require.NoError(t, err)
	require.True(t, debt.Eq(fpmath.FromInt(100)))
}

func TestControllerParams_PauseBits(t *testing.T) {
	c := state.ControllerParams{Asset: protocol.DOT}
	c = c.WithPaused(state.OperationBorrow, true)
	require.True(t, c.IsPaused(state.OperationBorrow))
	require.False(t, c.IsPaused(state.OperationDeposit))
	c = c.WithPaused(state.OperationBorrow, false)
	require.Zero(t, c.PausedOps)

	op, ok := state.ParseOperation("repay")
	require.True(t, ok)
	require.Equal(t, state.OperationRepay, op)
	_, ok = state.ParseOperation("transfer")
	require.False(t, ok)
}

func TestValidateRiskParams(t *testing.T) {
	good := state.RiskParams{
		Asset:                  protocol.DOT,
		CollateralFactor:       fpmath.MustParse("0.8"),
		LiquidationThreshold:   fpmath.MustParse("0.9"),
		LiquidationFee:         fpmath.MustParse("0.05"),
		MaxLiquidationAttempts: 3,
	}
	require.NoError(t, state.ValidateRiskParams(good))

	bad := good
	bad.LiquidationFee = fpmath.MustParse("1.5")
	require.ErrorIs(t, state.ValidateRiskParams(bad), protocol.ErrNotValidParameter)

	bad = good
	bad.MaxLiquidationAttempts = 0
	require.ErrorIs(t, state.ValidateRiskParams(bad), protocol.ErrNotValidParameter)
}

func TestLiquidationPool_BalancingDue(t *testing.T) {
	lp := state.LiquidationPool{BalancingPeriod: 10, LastBalancedBlock: 5}
	require.False(t, lp.BalancingDue(14))
	require.True(t, lp.BalancingDue(15))

	lp.BalancingPeriod = 0
	require.True(t, lp.BalancingDue(5))
}
