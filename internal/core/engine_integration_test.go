package core_test

import (
	"errors"
	"testing"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	"LendLedger/internal/event"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// --- Test helpers ---

// newTestCore creates a DeterministicCore on the default genesis with
// buffered channels and no DB checker.
func newTestCore(t *testing.T) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	return newTestCoreWith(t, core.DefaultGenesis(), 1024)
}

func newTestCoreWith(t *testing.T, genesis core.Genesis, projBuffer int) (*core.DeterministicCore, chan core.CoreOutput, chan core.CoreOutput) {
	t.Helper()
	persistChan := make(chan core.CoreOutput, 1024)
	projChan := make(chan core.CoreOutput, projBuffer)
	c, err := core.NewDeterministicCore(genesis, persistChan, projChan, nil, nil)
	if err != nil {
		t.Fatalf("NewDeterministicCore: %v", err)
	}
	return c, persistChan, projChan
}

func envelope(origin protocol.Origin, cmd command.Command) command.Envelope {
	return command.Envelope{OperationID: uuid.New(), Origin: origin, Command: cmd}
}

func mustSubmit(t *testing.T, c *core.DeterministicCore, origin protocol.Origin, cmd command.Command) *core.Result {
	t.Helper()
	res, err := c.Submit(envelope(origin, cmd))
	if err != nil {
		t.Fatalf("%s failed: %v", cmd.CommandType(), err)
	}
	return res
}

func mustDeposit(t *testing.T, c *core.DeterministicCore, account uuid.UUID, asset protocol.Asset, amount string) {
	t.Helper()
	mustSubmit(t, c, protocol.Signed(account), &command.Deposit{Underlying: asset, Amount: fpmath.MustParse(amount)})
}

func advanceTo(t *testing.T, c *core.DeterministicCore, block uint64) {
	t.Helper()
	mustSubmit(t, c, protocol.Root(), &command.AdvanceBlock{Block: block})
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

// ============================================================================
// Test: Deposit Flow
// ============================================================================

func TestDeposit_CommitsAndEmits(t *testing.T) {
	c, persistCh, projCh := newTestCore(t)
	alice := uuid.New()

	res := mustSubmit(t, c, protocol.Signed(alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(100)})
	if res.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", res.Sequence)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 persist output, got %d", len(outputs))
	}
	if len(drainOutputs(projCh)) != 1 {
		t.Errorf("expected 1 projection output")
	}

	out := outputs[0]
	if len(out.Delta.Pools) != 1 || !out.Delta.Pools[0].UnderlyingBalance.Eq(fpmath.FromInt(100)) {
		t.Errorf("unexpected pool delta: %+v", out.Delta.Pools)
	}
	if len(out.Delta.Positions) != 1 || out.Delta.Positions[0].Account != alice {
		t.Errorf("unexpected position delta: %+v", out.Delta.Positions)
	}

	var deposited *event.Deposited
	for _, e := range out.Events {
		if d, ok := e.(*event.Deposited); ok {
			deposited = d
		}
	}
	if deposited == nil {
		t.Fatal("expected a Deposited event")
	}
	if !deposited.Shares.Eq(fpmath.FromInt(100)) {
		t.Errorf("expected 100 shares at initial rate 1, got %s", deposited.Shares)
	}
}

func TestRejectedOperation_LeavesNoTrace(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	alice := uuid.New()
	before := c.GetStateHash()

	_, err := c.Submit(envelope(protocol.Signed(alice), &command.Withdraw{Underlying: protocol.DOT, Amount: fpmath.FromInt(1)}))
	if !errors.Is(err, protocol.ErrNotEnoughBalance) {
		t.Fatalf("expected NotEnoughBalance, got %v", err)
	}
	if c.GetSequence() != 0 {
		t.Errorf("rejected operation consumed sequence %d", c.GetSequence())
	}
	if c.GetStateHash() != before {
		t.Error("rejected operation moved the hash chain")
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("rejected operation was emitted")
	}
}

func TestUserOperation_RequiresSignedOrigin(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.Submit(envelope(protocol.Root(), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.One}))
	if !errors.Is(err, protocol.ErrBadOrigin) {
		t.Fatalf("expected BadOrigin, got %v", err)
	}
}

func TestRedeemWrapped_ResolvesUnderlying(t *testing.T) {
	c, _, _ := newTestCore(t)
	alice := uuid.New()
	mustDeposit(t, c, alice, protocol.ETH, "10")

	mustSubmit(t, c, protocol.Signed(alice), &command.RedeemWrapped{Wrapped: protocol.METH, Shares: fpmath.FromInt(4)})
	view, err := c.Account(alice)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if len(view.Positions) != 1 || !view.Positions[0].SupplyShares.Eq(fpmath.FromInt(6)) {
		t.Errorf("expected 6 shares left, got %+v", view.Positions)
	}

	_, err = c.Submit(envelope(protocol.Signed(alice), &command.RedeemWrapped{Wrapped: protocol.ETH, Shares: fpmath.One}))
	if !errors.Is(err, protocol.ErrNotValidUnderlyingAssetID) {
		t.Fatalf("expected NotValidUnderlyingAssetId, got %v", err)
	}
}

// ============================================================================
// Test: Prices
// ============================================================================

func TestUpdatePrice_Accepted(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	mustSubmit(t, c, protocol.Root(), &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.FromInt(42), Sequence: 0})
	price, err := c.Price(protocol.DOT)
	if err != nil || !price.Eq(fpmath.FromInt(42)) {
		t.Fatalf("expected price 42, got %s (%v)", price, err)
	}

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	if outputs[0].Envelope.CommandType != string(command.TypeUpdatePrice) {
		t.Errorf("expected update_price command type, got %s", outputs[0].Envelope.CommandType)
	}
}

func TestUpdatePrice_StaleIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore(t)

	mustSubmit(t, c, protocol.Root(), &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.FromInt(42), Sequence: 5})
	drainOutputs(persistCh)

	// Older feeder sequence: acknowledged without effect.
	res := mustSubmit(t, c, protocol.Root(), &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.FromInt(30), Sequence: 3})
	if !res.Ignored {
		t.Error("stale price should be ignored")
	}
	if len(drainOutputs(persistCh)) != 0 {
		t.Error("stale price was emitted")
	}
	price, _ := c.Price(protocol.DOT)
	if !price.Eq(fpmath.FromInt(42)) {
		t.Errorf("stale price overwrote oracle: %s", price)
	}
}

func TestUpdatePrice_Rejections(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.Submit(envelope(protocol.Admin(uuid.New()), &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.One}))
	if !errors.Is(err, protocol.ErrRequireRoot) {
		t.Errorf("expected RequireRoot, got %v", err)
	}
	_, err = c.Submit(envelope(protocol.Root(), &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.Zero}))
	if !errors.Is(err, protocol.ErrNotValidParameter) {
		t.Errorf("expected NotValidParameter for zero price, got %v", err)
	}
	_, err = c.Submit(envelope(protocol.Root(), &command.UpdatePrice{Underlying: protocol.MDOT, Price: fpmath.One}))
	if !errors.Is(err, protocol.ErrNotValidUnderlyingAssetID) {
		t.Errorf("expected NotValidUnderlyingAssetId, got %v", err)
	}
}

// ============================================================================
// Test: Blocks
// ============================================================================

func TestAdvanceBlock_MustIncrease(t *testing.T) {
	c, _, _ := newTestCore(t)

	advanceTo(t, c, 10)
	if c.Block() != 10 {
		t.Fatalf("expected block 10, got %d", c.Block())
	}
	_, err := c.Submit(envelope(protocol.Root(), &command.AdvanceBlock{Block: 10}))
	if !errors.Is(err, protocol.ErrNotValidParameter) {
		t.Errorf("expected NotValidParameter, got %v", err)
	}
	_, err = c.Submit(envelope(protocol.Admin(uuid.New()), &command.AdvanceBlock{Block: 11}))
	if !errors.Is(err, protocol.ErrRequireRoot) {
		t.Errorf("expected RequireRoot, got %v", err)
	}
}

func TestAdvanceBlock_InterestVisibleInQueries(t *testing.T) {
	c, _, _ := newTestCore(t)
	alice, bob := uuid.New(), uuid.New()
	mustDeposit(t, c, alice, protocol.DOT, "1000")
	mustDeposit(t, c, bob, protocol.USDT, "100000")
	mustSubmit(t, c, protocol.Signed(bob), &command.Borrow{Underlying: protocol.DOT, Amount: fpmath.FromInt(500)})

	advanceTo(t, c, 100)
	view, err := c.Account(bob)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	var debt fpmath.Fixed
	for _, p := range view.Positions {
		if p.Asset == protocol.DOT {
			debt = p.Debt
		}
	}
	if !debt.Gt(fpmath.FromInt(500)) {
		t.Errorf("expected interest on 500 DOT after 100 blocks, debt %s", debt)
	}
	if !view.Solvent || view.Liquidatable {
		t.Errorf("bob should be healthy: %+v", view)
	}
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestIdempotency_DuplicateOperationIgnored(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	alice := uuid.New()

	env := envelope(protocol.Signed(alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(100)})
	if _, err := c.Submit(env); err != nil {
		t.Fatalf("first deposit failed: %v", err)
	}
	if len(drainOutputs(persistCh)) != 1 {
		t.Fatal("expected 1 output on first submit")
	}

	res, err := c.Submit(env)
	if err != nil {
		t.Fatalf("duplicate should not error: %v", err)
	}
	if !res.Ignored {
		t.Error("duplicate should be ignored")
	}
	if n := len(drainOutputs(persistCh)); n != 0 {
		t.Errorf("expected 0 outputs for duplicate, got %d", n)
	}
	if c.GetSequence() != 1 {
		t.Errorf("duplicate consumed a sequence: %d", c.GetSequence())
	}
}

func TestMissingOperationID_Rejected(t *testing.T) {
	c, _, _ := newTestCore(t)

	_, err := c.Submit(command.Envelope{
		Origin:  protocol.Signed(uuid.New()),
		Command: &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.One},
	})
	if !errors.Is(err, protocol.ErrNotValidParameter) {
		t.Fatalf("expected NotValidParameter, got %v", err)
	}
}

// ============================================================================
// Test: State Hash Chain
// ============================================================================

func scriptedHistory() []command.Envelope {
	alice := uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob := uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	id := func(n byte) uuid.UUID { return uuid.UUID{15: n} }
	return []command.Envelope{
		{OperationID: id(1), Origin: protocol.Signed(alice), Command: &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(1000)}},
		{OperationID: id(2), Origin: protocol.Signed(bob), Command: &command.Deposit{Underlying: protocol.USDT, Amount: fpmath.FromInt(50000)}},
		{OperationID: id(3), Origin: protocol.Signed(alice), Command: &command.Borrow{Underlying: protocol.USDT, Amount: fpmath.FromInt(20000)}},
		{OperationID: id(4), Origin: protocol.Root(), Command: &command.AdvanceBlock{Block: 50}},
		{OperationID: id(5), Origin: protocol.Root(), Command: &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.FromInt(38), Sequence: 1}},
		{OperationID: id(6), Origin: protocol.Signed(alice), Command: &command.Repay{Underlying: protocol.USDT, Amount: fpmath.FromInt(5000)}},
		{OperationID: id(7), Origin: protocol.Root(), Command: &command.AdvanceBlock{Block: 700}},
	}
}

func TestStateHashChain_Deterministic(t *testing.T) {
	run := func() [][32]byte {
		c, persistCh, _ := newTestCore(t)
		for _, env := range scriptedHistory() {
			if _, err := c.Submit(env); err != nil {
				t.Fatalf("%s failed: %v", env.Command.CommandType(), err)
			}
		}
		outputs := drainOutputs(persistCh)
		hashes := make([][32]byte, len(outputs))
		for i, o := range outputs {
			hashes[i] = o.Envelope.StateHash
		}
		return hashes
	}

	hashes1 := run()
	hashes2 := run()
	if len(hashes1) != len(scriptedHistory()) || len(hashes1) != len(hashes2) {
		t.Fatalf("different number of outputs: %d vs %d", len(hashes1), len(hashes2))
	}
	for i := range hashes1 {
		if hashes1[i] != hashes2[i] {
			t.Errorf("hash %d differs: %x vs %x", i, hashes1[i], hashes2[i])
		}
	}
}

func TestHashChain_Links(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	genesis := c.GetStateHash()
	if genesis != core.GenesisHash() {
		t.Fatalf("fresh core should sit on the genesis hash")
	}
	for _, env := range scriptedHistory()[:3] {
		if _, err := c.Submit(env); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	prev := genesis
	for i, o := range drainOutputs(persistCh) {
		if o.Envelope.PrevHash != prev {
			t.Errorf("output %d: prev hash does not link", i)
		}
		prev = o.Envelope.StateHash
	}
	if prev != c.GetStateHash() {
		t.Error("chain tip does not match last envelope")
	}
}

// ============================================================================
// Test: Recovery
// ============================================================================

func TestReplay_ReproducesHashes(t *testing.T) {
	live, persistCh, _ := newTestCore(t)
	for _, env := range scriptedHistory() {
		if _, err := live.Submit(env); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	outputs := drainOutputs(persistCh)

	replayed, replayCh, _ := newTestCore(t)
	for i, env := range scriptedHistory() {
		if err := replayed.Replay(env, outputs[i].Envelope.Sequence, outputs[i].Envelope.StateHash); err != nil {
			t.Fatalf("replay %d: %v", i, err)
		}
	}
	if replayed.GetStateHash() != live.GetStateHash() {
		t.Error("replayed chain tip differs")
	}
	if len(drainOutputs(replayCh)) != 0 {
		t.Error("replay must not emit")
	}
}

func TestReplay_DetectsDivergence(t *testing.T) {
	c, _, _ := newTestCore(t)
	env := scriptedHistory()[0]

	if err := c.Replay(env, 1, [32]byte{1}); err == nil {
		t.Fatal("expected hash mismatch")
	}
	if err := c.Replay(env, 5, [32]byte{}); err == nil {
		t.Fatal("expected out-of-order error")
	}
}

func TestSnapshotRestore_ContinuesChain(t *testing.T) {
	history := scriptedHistory()
	live, persistCh, _ := newTestCore(t)
	for _, env := range history[:4] {
		if _, err := live.Submit(env); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	snap := live.CreateSnapshotState()
	for _, env := range history[4:] {
		if _, err := live.Submit(env); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	outputs := drainOutputs(persistCh)

	restored, _, _ := newTestCore(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetSequence() != 4 || restored.Block() != 50 {
		t.Fatalf("restored at seq %d block %d", restored.GetSequence(), restored.Block())
	}
	for i, env := range history[4:] {
		o := outputs[4+i]
		if err := restored.Replay(env, o.Envelope.Sequence, o.Envelope.StateHash); err != nil {
			t.Fatalf("replay after restore: %v", err)
		}
	}
	if restored.GetStateHash() != live.GetStateHash() {
		t.Error("restored core diverged from live core")
	}

	// Operation ids from before the snapshot stay deduplicated.
	res, err := restored.Submit(history[0])
	if err != nil || !res.Ignored {
		t.Errorf("expected pre-snapshot operation to be ignored, got %+v, %v", res, err)
	}
}

// ============================================================================
// Test: Liquidation
// ============================================================================

func TestLiquidation_EndToEnd(t *testing.T) {
	genesis := core.DefaultGenesis()
	for i := range genesis.Assets {
		if genesis.Assets[i].Asset == protocol.USDT {
			genesis.Assets[i].LiquidationPoolBalance = fpmath.FromInt(1_000_000)
		}
	}
	c, persistCh, _ := newTestCoreWith(t, genesis, 1024)
	admin := protocol.Admin(uuid.New())
	alice, bob := uuid.New(), uuid.New()

	mustDeposit(t, c, alice, protocol.DOT, "100")
	mustDeposit(t, c, bob, protocol.USDT, "10000")
	mustSubmit(t, c, protocol.Signed(alice), &command.Borrow{Underlying: protocol.USDT, Amount: fpmath.FromInt(3500)})

	liquidate := &command.Liquidate{Borrower: alice, DebtAsset: protocol.USDT, CollateralAsset: protocol.DOT, RepayAmount: fpmath.FromInt(1000)}
	_, err := c.Submit(envelope(admin, liquidate))
	if !errors.Is(err, protocol.ErrPositionNotLiquidatable) {
		t.Fatalf("expected PositionNotLiquidatable while healthy, got %v", err)
	}

	// 100 DOT at 36 gives a 3420 liquidation limit against 3500 of debt.
	mustSubmit(t, c, protocol.Root(), &command.UpdatePrice{Underlying: protocol.DOT, Price: fpmath.FromInt(36), Sequence: 1})
	candidate, err := c.LiquidationCandidate(alice)
	if err != nil || candidate == nil {
		t.Fatalf("expected alice to be a candidate: %v", err)
	}

	_, err = c.Submit(envelope(protocol.Signed(bob), liquidate))
	if !errors.Is(err, protocol.ErrRequireAdmin) {
		t.Fatalf("expected RequireAdmin for signed liquidator, got %v", err)
	}
	drainOutputs(persistCh)
	mustSubmit(t, c, admin, liquidate)

	outputs := drainOutputs(persistCh)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	var completed *event.LiquidationCompleted
	for _, e := range outputs[0].Events {
		if ev, ok := e.(*event.LiquidationCompleted); ok {
			completed = ev
		}
	}
	if completed == nil {
		t.Fatal("expected LiquidationCompleted")
	}
	if completed.Full {
		t.Error("expected a partial liquidation")
	}
	if completed.Repaid.Gt(fpmath.FromInt(1000)) || completed.Repaid.Lt(fpmath.MustParse("999.99")) {
		t.Errorf("expected about 1000 repaid, got %s", completed.Repaid)
	}

	pools, err := c.Pools()
	if err != nil {
		t.Fatalf("Pools: %v", err)
	}
	for _, p := range pools {
		switch p.Pool.Asset {
		case protocol.DOT:
			if !p.LiquidationPool.Balance.Gt(fpmath.FromInt(29)) {
				t.Errorf("DOT liquidation pool should hold the seized collateral, has %s", p.LiquidationPool.Balance)
			}
		case protocol.USDT:
			if !p.LiquidationPool.Balance.Lt(fpmath.FromInt(1_000_000)) {
				t.Errorf("USDT liquidation pool should have funded the repayment")
			}
		}
	}
}

// ============================================================================
// Test: Envelope Integrity
// ============================================================================

func TestEnvelope_HasCorrectFields(t *testing.T) {
	c, persistCh, _ := newTestCore(t)
	alice := uuid.New()

	env := envelope(protocol.Signed(alice), &command.Deposit{Underlying: protocol.DOT, Amount: fpmath.FromInt(5)})
	if _, err := c.Submit(env); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	outputs := drainOutputs(persistCh)
	got := outputs[0].Envelope

	if got.Sequence != 1 {
		t.Errorf("expected sequence 1, got %d", got.Sequence)
	}
	if got.OperationID != env.OperationID {
		t.Errorf("operation id mismatch: %s vs %s", got.OperationID, env.OperationID)
	}
	if got.CommandType != string(command.TypeDeposit) {
		t.Errorf("command type mismatch: %s", got.CommandType)
	}
	if got.Caller != alice || got.Privilege != protocol.PrivilegeSigned {
		t.Errorf("caller mismatch: %s %s", got.Caller, got.Privilege)
	}
	if len(got.Events) == 0 || got.Events[len(got.Events)-1].Type != event.EventTypeDeposited {
		t.Errorf("expected Deposited as last record, got %+v", got.Events)
	}
	if got.StateHash == ([32]byte{}) {
		t.Error("state hash should not be empty")
	}

	decoded, err := command.Decode(command.Type(got.CommandType), got.Payload)
	if err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
	if d, ok := decoded.(*command.Deposit); !ok || !d.Amount.Eq(fpmath.FromInt(5)) {
		t.Errorf("decoded payload mismatch: %+v", decoded)
	}
}

// ============================================================================
// Test: Projection Channel (non-blocking drop)
// ============================================================================

func TestProjectionChannel_DropsOnFull(t *testing.T) {
	c, persistCh, _ := newTestCoreWith(t, core.DefaultGenesis(), 1)
	alice := uuid.New()

	for i := 0; i < 5; i++ {
		mustDeposit(t, c, alice, protocol.DOT, "10")
	}

	// All 5 should succeed; projection drops are silent.
	if n := len(drainOutputs(persistCh)); n != 5 {
		t.Errorf("expected 5 persist outputs, got %d", n)
	}
}
