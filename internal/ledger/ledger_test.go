package ledger_test

import (
	"errors"
	"reflect"
	"testing"

	"LendLedger/internal/controller"
	"LendLedger/internal/event"
	"LendLedger/internal/interest"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"

	"github.com/google/uuid"
)

type alwaysSolvent struct{}

func (alwaysSolvent) RequireSolvent(*state.Tx, protocol.AccountID) error { return nil }

var testModel = interest.Model{
	BaseRate:       fpmath.Zero,
	Multiplier:     fpmath.MustParse("0.1"),
	JumpMultiplier: fpmath.MustParse("0.5"),
	Kink:           fpmath.MustParse("0.8"),
	ReserveFactor:  fpmath.MustParse("0.1"),
}

func setup(t *testing.T) (*state.State, *ledger.Ledger) {
	t.Helper()
	s := state.NewState()
	tx := s.Begin()
	for _, a := range []protocol.Asset{protocol.DOT, protocol.ETH} {
		tx.PutPool(state.NewPool(a, fpmath.One, 0))
		tx.PutRateModel(a, testModel)
		tx.PutControllerParams(state.ControllerParams{Asset: a})
	}
	tx.Commit()
	return s, ledger.New(controller.New(), alwaysSolvent{})
}

func pool(t *testing.T, s *state.State, asset protocol.Asset) state.Pool {
	t.Helper()
	p, ok := s.Begin().Pool(asset)
	if !ok {
		t.Fatalf("no %s pool", asset)
	}
	return p
}

// commit runs fn in a fresh transaction at block and commits only on success.
func commit(t *testing.T, s *state.State, block uint64, fn func(tx *state.Tx) error) error {
	t.Helper()
	tx := s.Begin()
	tx.SetBlock(block)
	if err := fn(tx); err != nil {
		return err
	}
	tx.Commit()
	return nil
}

func mustCommit(t *testing.T, s *state.State, block uint64, fn func(tx *state.Tx) error) {
	t.Helper()
	if err := commit(t, s, block, fn); err != nil {
		t.Fatalf("commit at block %d: %v", block, err)
	}
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

func expectString(t *testing.T, what string, got fpmath.Fixed, want string) {
	t.Helper()
	if got.String() != want {
		t.Errorf("%s: got %s, want %s", what, got, want)
	}
}

func deposit(l *ledger.Ledger, account protocol.AccountID, asset protocol.Asset, amount string) func(tx *state.Tx) error {
	return func(tx *state.Tx) error {
		_, err := l.Deposit(tx, account, asset, fpmath.MustParse(amount))
		return err
	}
}

func borrow(l *ledger.Ledger, account protocol.AccountID, asset protocol.Asset, amount fpmath.Fixed) func(tx *state.Tx) error {
	return func(tx *state.Tx) error {
		_, err := l.Borrow(tx, account, asset, amount)
		return err
	}
}

// ============================================================================
// Test: accrual
// ============================================================================

func TestAccrue_Values(t *testing.T) {
	s, l := setup(t)
	alice, bob := uuid.New(), uuid.New()

	mustCommit(t, s, 0, deposit(l, alice, protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, bob, protocol.DOT, fpmath.FromInt(50)))

	var events []event.Event
	mustCommit(t, s, 1, func(tx *state.Tx) error {
		var err error
		events, err = l.Accrue(tx, protocol.DOT)
		return err
	})
	if len(events) != 1 {
		t.Fatalf("expected 1 accrual event, got %d", len(events))
	}

	p := pool(t, s, protocol.DOT)
	// utilization 0.5, rate 0.05: interest 2.5, reserves 0.25
	expectString(t, "total borrows", p.TotalBorrows, "52.5")
	expectString(t, "total reserves", p.TotalReserves, "0.25")
	expectString(t, "borrow index", p.BorrowIndex, "1.05")
	expectString(t, "exchange rate", p.ExchangeRate, "1.0225")
	if p.LastAccrualBlock != 1 {
		t.Errorf("last accrual block: got %d, want 1", p.LastAccrualBlock)
	}

	debt, err := s.Begin().Position(bob, protocol.DOT).Debt(p.BorrowIndex)
	if err != nil {
		t.Fatalf("Debt: %v", err)
	}
	expectString(t, "bob's debt", debt, "52.5")
}

func TestAccrue_IdempotentWithinBlock(t *testing.T) {
	s, l := setup(t)
	mustCommit(t, s, 0, deposit(l, uuid.New(), protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.FromInt(10)))

	tx := s.Begin()
	tx.SetBlock(7)
	first, err := l.Accrue(tx, protocol.DOT)
	if err != nil || len(first) != 1 {
		t.Fatalf("first accrual: %d events, err %v", len(first), err)
	}
	after, _ := tx.Pool(protocol.DOT)

	second, err := l.Accrue(tx, protocol.DOT)
	if err != nil || len(second) != 0 {
		t.Fatalf("second accrual in the same block: %d events, err %v", len(second), err)
	}
	again, _ := tx.Pool(protocol.DOT)
	if !reflect.DeepEqual(after, again) {
		t.Errorf("pool changed on a repeated accrual:\n%+v\n%+v", after, again)
	}
}

func TestAccrue_IndexIsClosedFormPower(t *testing.T) {
	s, l := setup(t)
	mustCommit(t, s, 0, deposit(l, uuid.New(), protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.FromInt(40)))
	mustCommit(t, s, 4, func(tx *state.Tx) error {
		_, err := l.Accrue(tx, protocol.DOT)
		return err
	})

	// utilization 0.4 gives a per-block rate of 0.04
	want, err := fpmath.Pow(fpmath.MustParse("1.04"), 4)
	if err != nil {
		t.Fatalf("Pow: %v", err)
	}
	p := pool(t, s, protocol.DOT)
	if !p.BorrowIndex.Eq(want) {
		t.Errorf("index %s, want %s", p.BorrowIndex, want)
	}
	expectString(t, "total borrows", p.TotalBorrows, "46.4")
}

func TestAccrue_OverflowAbortsOperation(t *testing.T) {
	s, l := setup(t)
	tx := s.Begin()
	p, _ := tx.Pool(protocol.DOT)
	p.TotalBorrows = fpmath.MustParse("1000000000000000000000000000000000000000")
	p.UnderlyingBalance = fpmath.One
	tx.PutPool(p)
	tx.Commit()

	before := pool(t, s, protocol.DOT)
	err := commit(t, s, 1_000_000_000, func(tx *state.Tx) error {
		_, err := l.Accrue(tx, protocol.DOT)
		return err
	})
	expectErr(t, err, protocol.ErrArithmetic)
	if kind := protocol.KindOf(err); kind != protocol.KindArithmetic {
		t.Errorf("kind: got %v, want %v", kind, protocol.KindArithmetic)
	}
	if after := pool(t, s, protocol.DOT); !reflect.DeepEqual(before, after) {
		t.Errorf("failed accrual changed the pool:\n%+v\n%+v", before, after)
	}
}

// ============================================================================
// Test: deposit and redeem
// ============================================================================

func TestDeposit_Errors(t *testing.T) {
	s, l := setup(t)
	acct := uuid.New()

	tests := []struct {
		asset  protocol.Asset
		amount string
		want   error
	}{
		{protocol.KSM, "1", protocol.ErrPoolNotFound},
		{protocol.MDOT, "1", protocol.ErrNotValidUnderlyingAssetID},
		{protocol.DOT, "0", protocol.ErrZeroAmount},
	}
	for _, tt := range tests {
		err := commit(t, s, 0, deposit(l, acct, tt.asset, tt.amount))
		if !errors.Is(err, tt.want) {
			t.Errorf("deposit %s %s: expected %v, got %v", tt.amount, tt.asset, tt.want, err)
		}
	}
}

func TestWithdraw_MoreThanDeposited(t *testing.T) {
	s, l := setup(t)
	acct := uuid.New()
	mustCommit(t, s, 0, deposit(l, acct, protocol.DOT, "100"))

	err := commit(t, s, 0, func(tx *state.Tx) error {
		_, err := l.Withdraw(tx, acct, protocol.DOT, fpmath.FromInt(101))
		return err
	})
	expectErr(t, err, protocol.ErrNotEnoughBalance)

	mustCommit(t, s, 0, func(tx *state.Tx) error {
		_, err := l.Withdraw(tx, acct, protocol.DOT, fpmath.FromInt(50))
		return err
	})
	expectString(t, "pool balance", pool(t, s, protocol.DOT).UnderlyingBalance, "50")
}

func TestRedeem_PoolLiquidityExhausted(t *testing.T) {
	s, l := setup(t)
	lender := uuid.New()
	mustCommit(t, s, 0, deposit(l, lender, protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.FromInt(80)))

	err := commit(t, s, 0, func(tx *state.Tx) error {
		_, err := l.RedeemAll(tx, lender, protocol.DOT)
		return err
	})
	expectErr(t, err, protocol.ErrNotEnoughBalance)
}

func TestRoundTrip_DepositRedeemAll(t *testing.T) {
	s, l := setup(t)
	first, second := uuid.New(), uuid.New()
	mustCommit(t, s, 0, deposit(l, first, protocol.DOT, "250"))

	for _, amount := range []string{"100", "0.000000000000000007", "33.333333333333333333"} {
		var paid fpmath.Fixed
		mustCommit(t, s, 0, deposit(l, second, protocol.DOT, amount))
		mustCommit(t, s, 0, func(tx *state.Tx) error {
			events, err := l.RedeemAll(tx, second, protocol.DOT)
			if err == nil {
				paid = events[len(events)-1].(*event.Redeemed).Amount
			}
			return err
		})
		expectString(t, "redeemed", paid, amount)
	}
}

func TestRoundTrip_AfterAccrualLosesAtMostRounding(t *testing.T) {
	s, l := setup(t)
	mustCommit(t, s, 0, deposit(l, uuid.New(), protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.FromInt(50)))

	acct := uuid.New()
	amount := fpmath.MustParse("12.345678901234567891")
	var paid fpmath.Fixed
	mustCommit(t, s, 3, func(tx *state.Tx) error {
		if _, err := l.Deposit(tx, acct, protocol.DOT, amount); err != nil {
			return err
		}
		events, err := l.RedeemAll(tx, acct, protocol.DOT)
		if err == nil {
			paid = events[len(events)-1].(*event.Redeemed).Amount
		}
		return err
	})
	loss, err := amount.Sub(paid)
	if err != nil {
		t.Fatalf("redeemed %s, more than the %s deposited", paid, amount)
	}
	if loss.Gt(fpmath.MustParse("0.000000000000000002")) {
		t.Errorf("round trip lost %s", loss)
	}
}

func TestExchangeRate_NeverDecreases(t *testing.T) {
	s, l := setup(t)
	accounts := []protocol.AccountID{uuid.New(), uuid.New(), uuid.New()}
	mustCommit(t, s, 0, deposit(l, accounts[0], protocol.DOT, "1000"))
	mustCommit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.FromInt(600)))

	validator := ledger.NewInvariantValidator(s)
	steps := []struct {
		block  uint64
		who    int
		amount string
		out    bool
	}{
		{1, 1, "3.141592653589793238", false},
		{2, 2, "77", false},
		{2, 1, "1.5", true},
		{5, 0, "10.000000000000000001", true},
		{9, 2, "0.000000000000000003", false},
		{12, 2, "40", true},
		{20, 1, "0.1", true},
	}
	prev := pool(t, s, protocol.DOT)
	for _, step := range steps {
		mustCommit(t, s, step.block, func(tx *state.Tx) error {
			var err error
			if step.out {
				_, err = l.Withdraw(tx, accounts[step.who], protocol.DOT, fpmath.MustParse(step.amount))
			} else {
				_, err = l.Deposit(tx, accounts[step.who], protocol.DOT, fpmath.MustParse(step.amount))
			}
			return err
		})
		cur := pool(t, s, protocol.DOT)
		if err := validator.ValidateExchangeRate(prev, cur); err != nil {
			t.Fatalf("step %+v: %v", step, err)
		}
		if err := validator.ValidatePoolBalances(cur); err != nil {
			t.Fatalf("step %+v: %v", step, err)
		}
		prev = cur
	}
	if err := validator.ValidateAllShareSupplies(); err != nil {
		t.Fatal(err)
	}
}

// ============================================================================
// Test: borrow and repay
// ============================================================================

func TestBorrow_Limits(t *testing.T) {
	s, l := setup(t)
	mustCommit(t, s, 0, deposit(l, uuid.New(), protocol.ETH, "100"))
	borrower := uuid.New()

	err := commit(t, s, 0, borrow(l, borrower, protocol.ETH, fpmath.FromInt(101)))
	expectErr(t, err, protocol.ErrNotEnoughLiquidity)

	mustCommit(t, s, 0, func(tx *state.Tx) error {
		c, _ := tx.ControllerParams(protocol.ETH)
		c.BorrowCap = fpmath.FromInt(30)
		tx.PutControllerParams(c)
		return nil
	})
	err = commit(t, s, 0, borrow(l, borrower, protocol.ETH, fpmath.FromInt(31)))
	expectErr(t, err, protocol.ErrBorrowCapReached)

	mustCommit(t, s, 0, borrow(l, borrower, protocol.ETH, fpmath.FromInt(30)))
}

func TestBorrow_Paused(t *testing.T) {
	s, l := setup(t)
	c := controller.New()
	mustCommit(t, s, 0, func(tx *state.Tx) error {
		_, err := c.PauseOperation(tx, protocol.Root(), protocol.DOT, state.OperationBorrow)
		return err
	})
	err := commit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.One))
	expectErr(t, err, protocol.ErrOperationPaused)
	if kind := protocol.KindOf(err); kind != protocol.KindOperationGated {
		t.Errorf("kind: got %v, want %v", kind, protocol.KindOperationGated)
	}
}

func TestRepay_TooBigAndRepayAll(t *testing.T) {
	s, l := setup(t)
	borrower := uuid.New()
	mustCommit(t, s, 0, deposit(l, uuid.New(), protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, borrower, protocol.DOT, fpmath.FromInt(20)))

	err := commit(t, s, 5, func(tx *state.Tx) error {
		_, err := l.Repay(tx, borrower, borrower, protocol.DOT, fpmath.FromInt(1000))
		return err
	})
	expectErr(t, err, protocol.ErrRepayAmountTooBig)

	payer := uuid.New()
	mustCommit(t, s, 5, func(tx *state.Tx) error {
		_, err := l.Repay(tx, payer, borrower, protocol.DOT, fpmath.FromInt(5))
		return err
	})
	mustCommit(t, s, 6, func(tx *state.Tx) error {
		_, err := l.RepayAll(tx, borrower, borrower, protocol.DOT)
		return err
	})

	view := s.Begin()
	if !view.Position(borrower, protocol.DOT).IsZero() {
		t.Error("position should be empty after RepayAll")
	}
	if assets := view.AccountAssets(borrower); len(assets) != 0 {
		t.Errorf("borrower should hold no assets, has %v", assets)
	}
}

func TestSetCollateral(t *testing.T) {
	s, l := setup(t)
	acct := uuid.New()
	disable := func(tx *state.Tx) error {
		_, err := l.SetCollateral(tx, acct, protocol.DOT, false)
		return err
	}

	expectErr(t, commit(t, s, 0, disable), protocol.ErrNotEnoughBalance)

	mustCommit(t, s, 0, deposit(l, acct, protocol.DOT, "1"))
	mustCommit(t, s, 0, disable)
	if !s.Begin().Position(acct, protocol.DOT).CollateralDisabled {
		t.Fatal("collateral should be disabled")
	}

	expectErr(t, commit(t, s, 0, disable), protocol.ErrNotValidParameter)
}

// ============================================================================
// Test: rate model setters
// ============================================================================

func TestSetRateParam_AccruesUnderOldModel(t *testing.T) {
	s, l := setup(t)
	mustCommit(t, s, 0, deposit(l, uuid.New(), protocol.DOT, "100"))
	mustCommit(t, s, 0, borrow(l, uuid.New(), protocol.DOT, fpmath.FromInt(50)))

	err := commit(t, s, 1, func(tx *state.Tx) error {
		_, err := l.SetRateParam(tx, protocol.Signed(uuid.New()), protocol.DOT, interest.ParamMultiplier, fpmath.One)
		return err
	})
	expectErr(t, err, protocol.ErrRequireAdmin)

	var events []event.Event
	mustCommit(t, s, 1, func(tx *state.Tx) error {
		var err error
		events, err = l.SetRateParam(tx, protocol.Root(), protocol.DOT, interest.ParamMultiplier, fpmath.MustParse("0.2"))
		return err
	})
	if len(events) != 2 {
		t.Fatalf("expected accrual plus change event, got %d events", len(events))
	}
	accrued, ok := events[0].(*event.InterestAccrued)
	if !ok {
		t.Fatalf("first event is %T, want *event.InterestAccrued", events[0])
	}
	expectString(t, "borrow rate under the old model", accrued.BorrowRate, "0.05")

	m, _ := s.Begin().RateModel(protocol.DOT)
	expectString(t, "multiplier", m.Multiplier, "0.2")

	err = commit(t, s, 1, func(tx *state.Tx) error {
		_, err := l.SetRateParam(tx, protocol.Root(), protocol.DOT, interest.ParamKink, fpmath.FromInt(2))
		return err
	})
	expectErr(t, err, protocol.ErrNotValidParameter)
}
