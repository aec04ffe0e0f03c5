package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"LendLedger/internal/balancer"
	"LendLedger/internal/command"
	"LendLedger/internal/controller"
	"LendLedger/internal/event"
	"LendLedger/internal/ledger"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/mnt"
	"LendLedger/internal/observability"
	"LendLedger/internal/protocol"
	"LendLedger/internal/risk"
	"LendLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// fullCheckInterval is how often (in sequences) the core re-sums every
// pool's shares on top of the per-delta checks.
const fullCheckInterval = 1000

// errStalePrice marks a price update older than the last accepted one.
var errStalePrice = errors.New("stale price update")

// DeterministicCore is the single writer of protocol state. Operations are
// applied one at a time under mu; each either commits in full and gets a
// sequence number or leaves no trace.
type DeterministicCore struct {
	mu sync.RWMutex

	state      *state.State
	oracle     *risk.StaticOracle
	dex        *balancer.MemoryDex
	controller *controller.Controller
	ledger     *ledger.Ledger
	risk       *risk.Manager
	liquidator *risk.Liquidator
	balancer   *balancer.Balancer
	mnt        *mnt.Distributor
	validator  *ledger.InvariantValidator

	sequence          int64 // last committed
	hasher            *StateHasher
	dedup             *operationDedup
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is one committed operation on its way to persistence and
// projections.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Events   []event.Event
	Delta    state.Delta
}

// Result is what a caller learns about its operation. Ignored is set for
// duplicates and stale price updates, which are acknowledged without effect.
type Result struct {
	Sequence  int64          `json:"sequence"`
	StateHash [32]byte       `json:"state_hash"`
	Block     uint64         `json:"block"`
	Events    []event.Record `json:"events"`
	Ignored   bool           `json:"ignored"`
}

func NewDeterministicCore(
	genesis Genesis,
	persistChan, projectionChan chan<- CoreOutput,
	opLog OperationLog,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}

	oracle := risk.NewStaticOracle()
	dex := balancer.NewMemoryDex(oracle)
	for _, a := range genesis.Assets {
		if !a.Price.IsZero() {
			if err := oracle.SetPrice(a.Asset, a.Price); err != nil {
				return nil, fmt.Errorf("genesis price %s: %w", a.Asset, err)
			}
		}
		dex.Fund(a.Asset, a.DexReserve)
	}

	ctrl := controller.New()
	riskMgr := risk.NewManager(oracle)
	lendingLedger := ledger.New(ctrl, riskMgr)
	bal := balancer.New(lendingLedger, oracle, dex, balancer.Config{
		Settlement:        genesis.Settlement(),
		SlippageTolerance: genesis.SlippageTolerance,
	})

	st := state.NewState()
	tx := st.Begin()
	genesis.initialize(tx)
	tx.Commit()

	return &DeterministicCore{
		state:             st,
		oracle:            oracle,
		dex:               dex,
		controller:        ctrl,
		ledger:            lendingLedger,
		risk:              riskMgr,
		liquidator:        risk.NewLiquidator(riskMgr, lendingLedger, bal, genesis.AdminOnlyLiquidation()),
		balancer:          bal,
		mnt:               mnt.New(lendingLedger),
		validator:         ledger.NewInvariantValidator(st),
		hasher:            NewStateHasher(),
		dedup:             newOperationDedup(1_000_000, opLog, metrics),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		logger:            observability.NewLogger("core"),
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// SetLogger replaces the component logger.
func (c *DeterministicCore) SetLogger(logger zerolog.Logger) {
	c.logger = logger
}

// Submit runs one operation through the pipeline:
// dedup -> dispatch in a transaction -> commit -> invariants -> hash ->
// envelope -> persist/projection channels.
func (c *DeterministicCore) Submit(env command.Envelope) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out, res, err := c.process(env, false)
	if err != nil || res.Ignored {
		return res, err
	}
	c.emit(out)
	return res, nil
}

// Replay re-executes a logged operation during recovery and checks it lands
// on the logged hash. Nothing is emitted.
func (c *DeterministicCore) Replay(env command.Envelope, sequence int64, expected [32]byte) error {
	_, err := c.ReplayOutput(env, sequence, expected)
	return err
}

// ReplayOutput is Replay returning the commit, for rebuilding read models.
func (c *DeterministicCore) ReplayOutput(env command.Envelope, sequence int64, expected [32]byte) (CoreOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sequence != c.sequence+1 {
		return CoreOutput{}, fmt.Errorf("replay out of order: at %d, got %d", c.sequence, sequence)
	}
	out, res, err := c.process(env, true)
	if err != nil {
		return CoreOutput{}, fmt.Errorf("replay seq %d: %w", sequence, err)
	}
	if res.Ignored {
		return CoreOutput{}, fmt.Errorf("replay seq %d: operation %s ignored", sequence, env.OperationID)
	}
	if res.StateHash != expected {
		return CoreOutput{}, fmt.Errorf("replay seq %d: state hash %x, log has %x", sequence, res.StateHash, expected)
	}
	return out, nil
}

// process runs the pipeline. Replayed operations are already in the log,
// so they skip the dedup lookup.
func (c *DeterministicCore) process(env command.Envelope, replay bool) (CoreOutput, *Result, error) {
	start := time.Now()
	if env.Command == nil {
		return CoreOutput{}, nil, fmt.Errorf("%w: empty command", protocol.ErrNotValidParameter)
	}
	cmdType := string(env.Command.CommandType())
	if env.OperationID == uuid.Nil {
		c.reject(cmdType, protocol.ErrNotValidParameter)
		return CoreOutput{}, nil, fmt.Errorf("%w: operation id is required", protocol.ErrNotValidParameter)
	}
	opID := env.OperationID.String()

	// Step 1: idempotency
	if !replay && c.dedup.seen(cmdType, env.OperationID) {
		return CoreOutput{}, &Result{Ignored: true, Sequence: c.sequence, Block: c.state.Block()}, nil
	}

	// Step 2: dispatch inside one transaction
	tx := c.state.Begin()
	before := snapshotPools(tx)
	events, afterCommit, err := c.dispatch(tx, env)
	if errors.Is(err, errStalePrice) {
		return CoreOutput{}, &Result{Ignored: true, Sequence: c.sequence, Block: c.state.Block()}, nil
	}
	if err != nil {
		c.reject(cmdType, err)
		c.logger.Debug().
			Str("command_type", cmdType).
			Str("operation_id", opID).
			Str("code", protocol.CodeOf(err)).
			Err(err).
			Msg("operation rejected")
		return CoreOutput{}, nil, err
	}

	// Step 3: encode while the transaction can still be dropped
	payload, err := command.Encode(env.Command)
	if err != nil {
		c.reject(cmdType, err)
		return CoreOutput{}, nil, err
	}
	records := make([]event.Record, 0, len(events))
	for i, e := range events {
		rec, err := event.Encode(i, e)
		if err != nil {
			c.reject(cmdType, err)
			return CoreOutput{}, nil, err
		}
		records = append(records, rec)
	}

	// Step 4: commit and check invariants
	delta := tx.Commit()
	for _, fn := range afterCommit {
		fn()
	}
	if err := c.validator.ValidateDelta(delta, before); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s %s: %v", cmdType, opID, err))
	}
	c.sequence++
	if c.sequence%fullCheckInterval == 0 {
		if err := c.validator.ValidateAllShareSupplies(); err != nil {
			panic(fmt.Sprintf("FATAL: share supply mismatch at sequence %d: %v", c.sequence, err))
		}
	}

	// Step 5: hash chain and envelope
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, delta.Digest())

	envelope := &event.EventEnvelope{
		Sequence:    c.sequence,
		OperationID: env.OperationID,
		CommandType: cmdType,
		Caller:      env.Origin.Caller,
		Privilege:   env.Origin.Privilege,
		Block:       delta.Block,
		Payload:     payload,
		Events:      records,
		StateHash:   stateHash,
		PrevHash:    prevHash,
	}

	c.dedup.remember(env.OperationID)
	c.observe(cmdType, events, delta, start)

	return CoreOutput{Envelope: envelope, Events: events, Delta: delta}, &Result{
		Sequence:  c.sequence,
		StateHash: stateHash,
		Block:     delta.Block,
		Events:    records,
	}, nil
}

// emit hands the output to the workers. The persist send blocks so nothing
// is lost; the projection send drops when full since projections can be
// rebuilt from the log.
func (c *DeterministicCore) emit(out CoreOutput) {
	if c.persistChan != nil {
		if c.metrics != nil && len(c.persistChan) == cap(c.persistChan) {
			c.metrics.PersistBackpressure.Inc()
		}
		c.persistChan <- out
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- out:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

func (c *DeterministicCore) reject(cmdType string, err error) {
	if c.metrics != nil {
		c.metrics.CoreOpsRejected.WithLabelValues(cmdType, protocol.CodeOf(err)).Inc()
	}
}

func snapshotPools(tx *state.Tx) map[protocol.Asset]state.Pool {
	out := make(map[protocol.Asset]state.Pool)
	for _, asset := range tx.PoolAssets() {
		if p, ok := tx.Pool(asset); ok {
			out[asset] = p
		}
	}
	return out
}

// observe records metrics and the info-level log lines of a committed
// operation.
func (c *DeterministicCore) observe(cmdType string, events []event.Event, delta state.Delta, start time.Time) {
	for _, e := range events {
		switch ev := e.(type) {
		case *event.LiquidationCompleted:
			c.logger.Info().
				Str("borrower", ev.Borrower.String()).
				Str("debt_asset", ev.DebtAsset.String()).
				Str("repaid", ev.Repaid.String()).
				Str("remaining_debt", ev.RemainingDebt.String()).
				Uint8("attempts", ev.Attempts).
				Msg("liquidation completed")
		case *event.LiquidationPoolsBalanced:
			c.logger.Info().
				Str("asset", ev.Asset.String()).
				Str("from", ev.From.String()).
				Str("to", ev.To.String()).
				Str("sold", ev.Sold.String()).
				Str("bought", ev.Bought.String()).
				Bool("manual", ev.Manual).
				Msg("liquidation pools balanced")
		case *event.BalancingSkipped:
			c.logger.Info().
				Str("asset", ev.Asset.String()).
				Str("code", ev.Code).
				Str("reason", ev.Reason).
				Msg("balancing skipped")
		}
	}

	if c.metrics == nil {
		return
	}
	m := c.metrics
	m.CoreOpsApplied.WithLabelValues(cmdType).Inc()
	m.CoreOpDuration.WithLabelValues(cmdType).Observe(time.Since(start).Seconds())
	m.CoreSequence.Set(float64(c.sequence))
	m.CoreBlock.Set(float64(delta.Block))
	m.DedupLRUSize.Set(float64(c.dedup.recent.size()))

	for _, e := range events {
		m.CoreEventsEmitted.WithLabelValues(e.EventType().String()).Inc()
		switch ev := e.(type) {
		case *event.LiquidationSeized:
			m.LiquidationSeizeSteps.WithLabelValues(ev.CollateralAsset.String()).Inc()
		case *event.LiquidationCompleted:
			kind := "partial"
			if ev.Full {
				kind = "full"
			}
			m.Liquidations.WithLabelValues(ev.DebtAsset.String(), kind).Inc()
		case *event.LiquidationPoolsBalanced:
			m.BalancerSwaps.WithLabelValues(ev.Asset.String(), "swapped").Inc()
		case *event.BalancingSkipped:
			m.BalancerSwaps.WithLabelValues(ev.Asset.String(), "skipped").Inc()
		case *event.MntClaimed:
			m.MntClaimed.Inc()
		case *event.PriceUpdated:
			m.OraclePrice.WithLabelValues(ev.Asset.String()).Set(toFloat(ev.Price))
		}
	}
	for _, p := range delta.Pools {
		asset := p.Asset.String()
		if u, err := ledger.Utilization(p); err == nil {
			m.PoolUtilization.WithLabelValues(asset).Set(toFloat(u))
		}
		if r, err := ledger.ExchangeRate(p); err == nil {
			m.PoolExchangeRate.WithLabelValues(asset).Set(toFloat(r))
		}
		m.PoolTotalBorrows.WithLabelValues(asset).Set(toFloat(p.TotalBorrows))
	}
	for _, lp := range delta.LiquidationPools {
		m.LiquidationPoolBalance.WithLabelValues(lp.Asset.String()).Set(toFloat(lp.Balance))
	}
}

func toFloat(v fpmath.Fixed) float64 {
	return v.Decimal().InexactFloat64()
}

// --- Accessors ---

// GetSequence returns the last committed sequence.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// Block returns the current protocol block.
func (c *DeterministicCore) Block() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Block()
}

// Dex exposes the in-memory exchange collaborator.
func (c *DeterministicCore) Dex() *balancer.MemoryDex {
	return c.dex
}

// Settlement is the asset the balancer trades against.
func (c *DeterministicCore) Settlement() protocol.Asset {
	return c.balancer.Settlement()
}
