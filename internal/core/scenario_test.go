package core_test

import (
	"testing"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/observability"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

var (
	admin = protocol.Admin(uuid.New())
	ulp   = fpmath.MustParse("0.000000000000000001")
)

// flatGenesis prices every underlying at 1 and funds the exchange with
// 500,000 of each.
func flatGenesis(assets ...protocol.Asset) core.Genesis {
	g := core.DefaultGenesis()
	keep := g.Assets[:0]
	for _, a := range g.Assets {
		for _, want := range assets {
			if a.Asset == want {
				a.Price = fpmath.One
				a.DexReserve = fpmath.FromInt(500_000)
				keep = append(keep, a)
			}
		}
	}
	g.Assets = keep
	return g
}

func submitErr(c *core.DeterministicCore, origin protocol.Origin, cmd command.Command) error {
	_, err := c.Submit(envelope(origin, cmd))
	return err
}

func poolView(t *testing.T, c *core.DeterministicCore, asset protocol.Asset) *core.PoolView {
	t.Helper()
	v, err := c.Pool(asset)
	require.NoError(t, err)
	return v
}

// ============================================================================
// Properties
// ============================================================================

func TestExchangeRate_NonDecreasingAcrossAccrual(t *testing.T) {
	c, _, _ := newTestCore(t)
	alice, bob, carol := uuid.New(), uuid.New(), uuid.New()

	mustDeposit(t, c, alice, protocol.DOT, "1000")
	mustDeposit(t, c, bob, protocol.USDT, "1000000")
	mustSubmit(t, c, protocol.Signed(bob), &command.Borrow{Underlying: protocol.DOT, Amount: fpmath.FromInt(700)})

	last := poolView(t, c, protocol.DOT).Pool.ExchangeRate
	steps := []func(){
		func() { mustDeposit(t, c, carol, protocol.DOT, "123.456") },
		func() {
			mustSubmit(t, c, protocol.Signed(alice), &command.Withdraw{Underlying: protocol.DOT, Amount: fpmath.MustParse("99.99")})
		},
		func() { mustDeposit(t, c, carol, protocol.DOT, "0.000000000000000100") },
		func() { mustSubmit(t, c, protocol.Signed(carol), &command.Redeem{Underlying: protocol.DOT}) },
	}
	for i, step := range steps {
		advanceTo(t, c, uint64(100*(i+1)))
		step()
		rate := poolView(t, c, protocol.DOT).Pool.ExchangeRate
		require.Truef(t, rate.Gte(last), "step %d: rate fell from %s to %s", i, last, rate)
		last = rate
	}
	require.True(t, last.Gt(fpmath.One), "interest should have raised the rate")
}

func TestBorrow_SolvencyBoundary(t *testing.T) {
	c, _, _ := newTestCore(t)
	alice, bob := uuid.New(), uuid.New()
	mustDeposit(t, c, alice, protocol.DOT, "100") // 4000 at 40, 3600 borrowing power
	mustDeposit(t, c, bob, protocol.USDT, "10000")

	err := submitErr(c, protocol.Signed(alice), &command.Borrow{Underlying: protocol.USDT, Amount: fpmath.MustParse("3600.000000000000000001")})
	require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)

	mustSubmit(t, c, protocol.Signed(alice), &command.Borrow{Underlying: protocol.USDT, Amount: fpmath.FromInt(3600)})

	err = submitErr(c, protocol.Signed(alice), &command.Borrow{Underlying: protocol.USDT, Amount: ulp})
	require.ErrorIs(t, err, protocol.ErrInsufficientCollateral)

	view, err := c.Account(alice)
	require.NoError(t, err)
	require.True(t, view.Solvent)
	require.True(t, view.Liquidity.DebtValue.Eq(fpmath.FromInt(3600)))
}

func TestDepositRedeemAll_ReturnsAmount(t *testing.T) {
	g := core.DefaultGenesis()
	for i := range g.Assets {
		if g.Assets[i].Asset == protocol.ETH {
			g.Assets[i].InitialExchangeRate = fpmath.FromInt(2)
		}
	}
	c, persistCh, _ := newTestCoreWith(t, g, 1024)
	alice, bob := uuid.New(), uuid.New()
	mustDeposit(t, c, bob, protocol.ETH, "1000")

	for _, amount := range []string{"12.345678901234567891", "0.000000000000000003", "777"} {
		drainOutputs(persistCh)
		mustDeposit(t, c, alice, protocol.ETH, amount)
		mustSubmit(t, c, protocol.Signed(alice), &command.Redeem{Underlying: protocol.ETH})

		redeemed, ok := lastEvent(t, persistCh).(*event.Redeemed)
		require.True(t, ok)
		want := fpmath.MustParse(amount)
		require.True(t, fpmath.AbsDiff(redeemed.Amount, want).Lte(ulp),
			"deposited %s, redeemed %s", want, redeemed.Amount)
	}
}

func TestRebalance_NoSwapWhenRatioHeld(t *testing.T) {
	g := core.DefaultGenesis()
	for i := range g.Assets {
		switch g.Assets[i].Asset {
		case protocol.DOT:
			// 20% of 1000 DOT holdings, inside the 0.1 threshold.
			g.Assets[i].LiquidationPoolBalance = fpmath.FromInt(210)
		case protocol.USDT:
			g.Assets[i].LiquidationPoolBalance = fpmath.FromInt(1_000_000)
		}
	}
	c, persistCh, _ := newTestCoreWith(t, g, 1024)
	mustDeposit(t, c, uuid.New(), protocol.DOT, "1000")
	reserveBefore := c.Dex().Reserve(protocol.DOT)
	drainOutputs(persistCh)

	mustSubmit(t, c, admin, &command.RebalanceNow{Underlying: protocol.DOT})
	advanceTo(t, c, 1000)

	for _, o := range drainOutputs(persistCh) {
		for _, e := range o.Events {
			_, swapped := e.(*event.LiquidationPoolsBalanced)
			require.False(t, swapped, "unexpected swap in %s", o.Envelope.CommandType)
		}
	}
	require.True(t, c.Dex().Reserve(protocol.DOT).Eq(reserveBefore))
	require.True(t, poolView(t, c, protocol.DOT).LiquidationPool.Balance.Eq(fpmath.FromInt(210)))
}

func TestRebalance_OnBlockAdvanceSellsSurplus(t *testing.T) {
	g := core.DefaultGenesis()
	for i := range g.Assets {
		if g.Assets[i].Asset == protocol.DOT {
			g.Assets[i].LiquidationPoolBalance = fpmath.FromInt(500)
		}
	}
	c, persistCh, _ := newTestCoreWith(t, g, 1024)
	mustDeposit(t, c, uuid.New(), protocol.DOT, "1000")
	drainOutputs(persistCh)

	advanceTo(t, c, 600)

	var balanced *event.LiquidationPoolsBalanced
	for _, o := range drainOutputs(persistCh) {
		for _, e := range o.Events {
			if b, ok := e.(*event.LiquidationPoolsBalanced); ok && b.Asset == protocol.DOT {
				balanced = b
			}
		}
	}
	require.NotNil(t, balanced)
	require.Equal(t, protocol.USDT, balanced.To)
	require.True(t, balanced.Sold.Eq(fpmath.FromInt(300)))
	require.True(t, balanced.Bought.Eq(fpmath.FromInt(12_000)))

	pools, err := c.Pools()
	require.NoError(t, err)
	for _, p := range pools {
		switch p.Pool.Asset {
		case protocol.DOT:
			require.True(t, p.LiquidationPool.Balance.Eq(fpmath.FromInt(200)))
			require.Equal(t, uint64(600), p.LiquidationPool.LastBalancedBlock)
		case protocol.USDT:
			require.True(t, p.LiquidationPool.Balance.Eq(fpmath.FromInt(12_000)))
		}
	}
}

// ============================================================================
// Scenarios
// ============================================================================

func TestSetBalancingPeriod_Scenario(t *testing.T) {
	c, _, _ := newTestCore(t)

	mustSubmit(t, c, admin, &command.SetBalancingPeriod{Underlying: protocol.DOT, Blocks: 0})
	require.Equal(t, uint64(0), poolView(t, c, protocol.DOT).LiquidationPool.BalancingPeriod)

	mustSubmit(t, c, admin, &command.SetBalancingPeriod{Underlying: protocol.DOT, Blocks: 5_256_000})
	require.Equal(t, uint64(5_256_000), poolView(t, c, protocol.DOT).LiquidationPool.BalancingPeriod)

	err := submitErr(c, protocol.Signed(uuid.New()), &command.SetBalancingPeriod{Underlying: protocol.DOT, Blocks: 1})
	require.ErrorIs(t, err, protocol.ErrRequireAdmin)

	err = submitErr(c, admin, &command.SetBalancingPeriod{Underlying: protocol.MDOT, Blocks: 1})
	require.ErrorIs(t, err, protocol.ErrNotValidUnderlyingAssetID)
}

func TestLiquidity_Scenario(t *testing.T) {
	assets := []protocol.Asset{protocol.DOT, protocol.ETH, protocol.BTC, protocol.USDT}
	c, _, _ := newTestCoreWith(t, flatGenesis(assets...), 1024)
	alice := uuid.New()

	for _, a := range assets {
		mustDeposit(t, c, alice, a, "100")
	}

	err := submitErr(c, protocol.Signed(alice), &command.Deposit{Underlying: protocol.KSM, Amount: fpmath.FromInt(100)})
	require.ErrorIs(t, err, protocol.ErrPoolNotFound)

	err = submitErr(c, protocol.Signed(alice), &command.Withdraw{Underlying: protocol.DOT, Amount: fpmath.FromInt(101)})
	require.ErrorIs(t, err, protocol.ErrNotEnoughBalance)

	for _, a := range assets {
		mustSubmit(t, c, protocol.Signed(alice), &command.Withdraw{Underlying: a, Amount: fpmath.FromInt(50)})
	}
	for _, a := range assets {
		require.Truef(t, poolView(t, c, a).Pool.UnderlyingBalance.Eq(fpmath.FromInt(50)), "%s pool", a)
	}
}

func TestBalanceLiquidationPools_Scenario(t *testing.T) {
	g := flatGenesis(protocol.ETH, protocol.BTC, protocol.USDT)
	for i := range g.Assets {
		if g.Assets[i].Asset == protocol.ETH {
			g.Assets[i].LiquidationPoolBalance = fpmath.FromInt(1_000_000)
		}
	}
	c, persistCh, _ := newTestCoreWith(t, g, 1024)
	amount := fpmath.FromInt(50_000)

	mustSubmit(t, c, admin, &command.BalanceLiquidationPools{
		From: protocol.ETH, To: protocol.BTC, Amount: amount, MaxCounter: amount,
	})
	balanced, ok := lastEvent(t, persistCh).(*event.LiquidationPoolsBalanced)
	require.True(t, ok)
	require.True(t, balanced.Sold.Eq(amount))
	require.True(t, balanced.Bought.Eq(amount))
	require.True(t, c.Dex().Reserve(protocol.ETH).Eq(fpmath.FromInt(550_000)))
	require.True(t, c.Dex().Reserve(protocol.BTC).Eq(fpmath.FromInt(450_000)))
	require.True(t, poolView(t, c, protocol.BTC).LiquidationPool.Balance.Eq(amount))

	tooMuch := fpmath.FromInt(600_000)
	err := submitErr(c, admin, &command.BalanceLiquidationPools{
		From: protocol.ETH, To: protocol.BTC, Amount: tooMuch, MaxCounter: tooMuch,
	})
	require.ErrorIs(t, err, protocol.ErrInsufficientDexBalance)
	require.True(t, c.Dex().Reserve(protocol.ETH).Eq(fpmath.FromInt(550_000)))
	require.True(t, c.Dex().Reserve(protocol.BTC).Eq(fpmath.FromInt(450_000)))
	require.True(t, poolView(t, c, protocol.ETH).LiquidationPool.Balance.Eq(fpmath.FromInt(950_000)))
	require.True(t, poolView(t, c, protocol.BTC).LiquidationPool.Balance.Eq(amount))
}

// lastEvent returns the final event of the most recent committed operation.
func lastEvent(t *testing.T, ch chan core.CoreOutput) event.Event {
	t.Helper()
	outputs := drainOutputs(ch)
	require.NotEmpty(t, outputs)
	events := outputs[len(outputs)-1].Events
	require.NotEmpty(t, events)
	return events[len(events)-1]
}

func TestMulAdd_Scenario(t *testing.T) {
	v, err := fpmath.MulAdd(fpmath.FromInt(20), fpmath.FromInt(20), fpmath.MustParse("0.9"))
	require.NoError(t, err)
	require.True(t, v.Eq(fpmath.FromInt(38)))

	v, err = fpmath.MulAdd(fpmath.FromInt(120_000), fpmath.FromInt(85_000), fpmath.MustParse("0.87"))
	require.NoError(t, err)
	require.True(t, v.Eq(fpmath.FromInt(193_950)))

	_, err = fpmath.MulAdd(fpmath.MaxFixed, fpmath.One, fpmath.One)
	require.True(t, protocol.IsArithmetic(err))
}

// ============================================================================
// Rewards and metrics through the core
// ============================================================================

func TestMntRewards_ClaimThroughCore(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	alice := uuid.New()

	mustSubmit(t, c, admin, &command.EnableMntMinting{Underlying: protocol.DOT, Speed: fpmath.One})
	mustDeposit(t, c, alice, protocol.DOT, "100")
	advanceTo(t, c, 10)

	claimable, err := c.ClaimableMnt(alice)
	require.NoError(t, err)
	require.True(t, claimable.Eq(fpmath.FromInt(10)))

	mustSubmit(t, c, protocol.Signed(alice), &command.ClaimMnt{})
	claimed, ok := lastEvent(t, persistCh).(*event.MntClaimed)
	require.True(t, ok)
	require.True(t, claimed.Amount.Eq(fpmath.FromInt(10)))

	err = submitErr(c, protocol.Signed(alice), &command.ClaimMnt{})
	require.ErrorIs(t, err, protocol.ErrZeroAmount)
}

func TestMetrics_AppliedAndRejected(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetricsWith(reg)
	c, err := core.NewDeterministicCore(core.DefaultGenesis(), nil, nil, nil, metrics)
	require.NoError(t, err)
	alice := uuid.New()

	_, err = c.Submit(envelope(protocol.Signed(alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.One}))
	require.NoError(t, err)
	err = submitErr(c, protocol.Signed(alice), &command.Withdraw{Underlying: protocol.DOT, Amount: fpmath.FromInt(2)})
	require.ErrorIs(t, err, protocol.ErrNotEnoughBalance)

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.CoreOpsApplied.WithLabelValues("deposit")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.CoreOpsRejected.WithLabelValues("withdraw", "NotEnoughBalance")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.CoreSequence))
}

func TestPauseOperation_ThroughCore(t *testing.T) {
	c, _, _ := newTestCore(t)
	alice := uuid.New()

	mustSubmit(t, c, admin, &command.PauseOperation{Underlying: protocol.DOT, Operation: "deposit"})
	err := submitErr(c, protocol.Signed(alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.One})
	require.ErrorIs(t, err, protocol.ErrOperationPaused)

	err = submitErr(c, admin, &command.PauseOperation{Underlying: protocol.DOT, Operation: "transfer"})
	require.ErrorIs(t, err, protocol.ErrNotValidParameter)

	mustSubmit(t, c, admin, &command.ResumeOperation{Underlying: protocol.DOT, Operation: "deposit"})
	mustDeposit(t, c, alice, protocol.DOT, "1")
}

func TestSetRateParam_ThroughCore(t *testing.T) {
	c, _, _ := newTestCore(t)

	cmd, err := command.Decode(command.TypeSetKink, []byte(`{"asset":"DOT","value":"0.75"}`))
	require.NoError(t, err)
	mustSubmit(t, c, admin, cmd)
	require.True(t, poolView(t, c, protocol.DOT).RateModel.Kink.Eq(fpmath.MustParse("0.75")))

	cmd, err = command.Decode(command.TypeSetCollateralFactor, []byte(`{"asset":"DOT","value":"0.5"}`))
	require.NoError(t, err)
	mustSubmit(t, c, admin, cmd)
	require.True(t, poolView(t, c, protocol.DOT).RiskParams.CollateralFactor.Eq(fpmath.MustParse("0.5")))
}
