package mnt_test

import (
	"testing"

	"LendLedger/internal/controller"
	"LendLedger/internal/event"
	"LendLedger/internal/interest"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/mnt"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var admin = protocol.Admin(uuid.New())

type alwaysSolvent struct{}

func (alwaysSolvent) RequireSolvent(*state.Tx, protocol.AccountID) error { return nil }

type fixture struct {
	s      *state.State
	ledger *ledger.Ledger
	d      *mnt.Distributor
}

// setup builds a DOT pool with a zero rate model so debt stays flat.
func setup(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{s: state.NewState(), ledger: ledger.New(controller.New(), alwaysSolvent{})}
	f.d = mnt.New(f.ledger)

	tx := f.s.Begin()
	tx.PutPool(state.NewPool(protocol.DOT, fpmath.One, 0))
	tx.PutRateModel(protocol.DOT, interest.Model{Kink: fpmath.MustParse("0.8")})
	tx.PutControllerParams(state.ControllerParams{Asset: protocol.DOT})
	tx.PutMntPool(state.MntPool{Asset: protocol.DOT})
	tx.Commit()
	return f
}

func (f *fixture) run(t *testing.T, block uint64, fn func(tx *state.Tx) ([]event.Event, error)) ([]event.Event, error) {
	t.Helper()
	tx := f.s.Begin()
	tx.SetBlock(block)
	events, err := fn(tx)
	if err != nil {
		return nil, err
	}
	tx.Commit()
	return events, nil
}

func (f *fixture) enable(t *testing.T, block uint64, speed string) {
	t.Helper()
	_, err := f.run(t, block, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.EnableMinting(tx, admin, protocol.DOT, fpmath.MustParse(speed))
	})
	require.NoError(t, err)
}

func (f *fixture) deposit(t *testing.T, block uint64, account protocol.AccountID, amount string) {
	t.Helper()
	_, err := f.run(t, block, func(tx *state.Tx) ([]event.Event, error) {
		if _, err := f.d.Touch(tx, account, protocol.DOT); err != nil {
			return nil, err
		}
		return f.ledger.Deposit(tx, account, protocol.DOT, fpmath.MustParse(amount))
	})
	require.NoError(t, err)
}

func (f *fixture) claimable(t *testing.T, block uint64, account protocol.AccountID) fpmath.Fixed {
	t.Helper()
	tx := f.s.Begin()
	tx.SetBlock(block)
	v, err := f.d.Claimable(tx, account)
	require.NoError(t, err)
	return v
}

// ============================================================================
// Test: index accumulation
// ============================================================================

func TestSupplyRewards_SplitByShares(t *testing.T) {
	f := setup(t)
	alice, bob := uuid.New(), uuid.New()
	f.enable(t, 0, "1")
	f.deposit(t, 0, alice, "100")
	f.deposit(t, 0, bob, "300")

	require.True(t, f.claimable(t, 10, alice).Eq(fpmath.MustParse("2.5")))
	require.True(t, f.claimable(t, 10, bob).Eq(fpmath.MustParse("7.5")))
}

func TestSupplyRewards_LateJoinerEarnsFromJoin(t *testing.T) {
	f := setup(t)
	alice, carol := uuid.New(), uuid.New()
	f.enable(t, 0, "1")
	f.deposit(t, 0, alice, "100")
	f.deposit(t, 10, carol, "100")

	require.True(t, f.claimable(t, 20, alice).Eq(fpmath.FromInt(15)))
	require.True(t, f.claimable(t, 20, carol).Eq(fpmath.FromInt(5)))
}

func TestBorrowRewards(t *testing.T) {
	f := setup(t)
	alice, bob := uuid.New(), uuid.New()
	f.enable(t, 0, "1")
	f.deposit(t, 0, alice, "100")
	_, err := f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		if _, err := f.d.Touch(tx, bob, protocol.DOT); err != nil {
			return nil, err
		}
		return f.ledger.Borrow(tx, bob, protocol.DOT, fpmath.FromInt(50))
	})
	require.NoError(t, err)

	require.True(t, f.claimable(t, 10, bob).Eq(fpmath.FromInt(10)))
	require.True(t, f.claimable(t, 10, alice).Eq(fpmath.FromInt(10)))
}

func TestNoEmissionWhileDisabled(t *testing.T) {
	f := setup(t)
	alice := uuid.New()
	f.deposit(t, 0, alice, "100")
	require.True(t, f.claimable(t, 50, alice).IsZero())

	f.enable(t, 50, "2")
	require.True(t, f.claimable(t, 60, alice).Eq(fpmath.FromInt(20)))
}

// ============================================================================
// Test: admin operations
// ============================================================================

func TestUpdateSpeed_FlushesFirst(t *testing.T) {
	f := setup(t)
	alice := uuid.New()
	f.enable(t, 0, "1")
	f.deposit(t, 0, alice, "100")

	events, err := f.run(t, 10, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.UpdateSpeed(tx, admin, protocol.DOT, fpmath.FromInt(3))
	})
	require.NoError(t, err)
	require.Equal(t, &event.MntSpeedChanged{Asset: protocol.DOT, Speed: fpmath.FromInt(3)}, events[len(events)-1])

	require.True(t, f.claimable(t, 20, alice).Eq(fpmath.FromInt(40)))
}

func TestDisableMinting_StopsAtCurrentBlock(t *testing.T) {
	f := setup(t)
	alice := uuid.New()
	f.enable(t, 0, "1")
	f.deposit(t, 0, alice, "100")

	_, err := f.run(t, 10, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.DisableMinting(tx, admin, protocol.DOT)
	})
	require.NoError(t, err)
	require.True(t, f.claimable(t, 20, alice).Eq(fpmath.FromInt(10)))

	mp, _ := f.s.Begin().MntPool(protocol.DOT)
	require.False(t, mp.Enabled)
	require.True(t, mp.Speed.IsZero())
}

func TestMintingToggles_Errors(t *testing.T) {
	f := setup(t)

	_, err := f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.DisableMinting(tx, admin, protocol.DOT)
	})
	require.ErrorIs(t, err, protocol.ErrMntMintingDisabled)

	_, err = f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.UpdateSpeed(tx, admin, protocol.DOT, fpmath.One)
	})
	require.ErrorIs(t, err, protocol.ErrMntMintingDisabled)

	_, err = f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.EnableMinting(tx, protocol.Signed(uuid.New()), protocol.DOT, fpmath.One)
	})
	require.ErrorIs(t, err, protocol.ErrRequireAdmin)

	_, err = f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.EnableMinting(tx, admin, protocol.DOT, fpmath.Zero)
	})
	require.ErrorIs(t, err, protocol.ErrNotValidParameter)

	f.enable(t, 0, "1")
	_, err = f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.EnableMinting(tx, admin, protocol.DOT, fpmath.One)
	})
	require.ErrorIs(t, err, protocol.ErrMntMintingEnabled)

	_, err = f.run(t, 0, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.EnableMinting(tx, admin, protocol.ETH, fpmath.One)
	})
	require.ErrorIs(t, err, protocol.ErrPoolNotFound)
}

// ============================================================================
// Test: claim
// ============================================================================

func TestClaim(t *testing.T) {
	f := setup(t)
	alice := uuid.New()
	f.enable(t, 0, "1")
	f.deposit(t, 0, alice, "100")

	events, err := f.run(t, 10, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.Claim(tx, alice, nil)
	})
	require.NoError(t, err)
	require.Equal(t, &event.MntClaimed{Account: alice, Amount: fpmath.FromInt(10)}, events[len(events)-1])

	reward := f.s.Begin().MntReward(alice)
	require.True(t, reward.Accrued.IsZero())
	require.True(t, reward.Claimed.Eq(fpmath.FromInt(10)))

	_, err = f.run(t, 10, func(tx *state.Tx) ([]event.Event, error) {
		return f.d.Claim(tx, alice, []protocol.Asset{protocol.DOT})
	})
	require.ErrorIs(t, err, protocol.ErrZeroAmount)
}
