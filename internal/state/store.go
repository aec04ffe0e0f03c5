package state

import (
	"bytes"
	"cmp"
	"crypto/sha256"
	"encoding/json"
	"slices"

	"LendLedger/internal/interest"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// State owns every entity map of the protocol. It is only mutated through a
// root Tx commit or by Apply during recovery; callers serialize access.
type State struct {
	block            uint64
	pools            map[protocol.Asset]Pool
	rateModels       map[protocol.Asset]interest.Model
	riskParams       map[protocol.Asset]RiskParams
	controller       map[protocol.Asset]ControllerParams
	liquidationPools map[protocol.Asset]LiquidationPool
	mntPools         map[protocol.Asset]MntPool
	positions        map[PositionKey]Position
	mntAccounts      map[PositionKey]MntAccount
	mntRewards       map[protocol.AccountID]MntReward
}

func NewState() *State {
	return &State{
		pools:            make(map[protocol.Asset]Pool),
		rateModels:       make(map[protocol.Asset]interest.Model),
		riskParams:       make(map[protocol.Asset]RiskParams),
		controller:       make(map[protocol.Asset]ControllerParams),
		liquidationPools: make(map[protocol.Asset]LiquidationPool),
		mntPools:         make(map[protocol.Asset]MntPool),
		positions:        make(map[PositionKey]Position),
		mntAccounts:      make(map[PositionKey]MntAccount),
		mntRewards:       make(map[protocol.AccountID]MntReward),
	}
}

// Block returns the last block the state advanced to.
func (s *State) Block() uint64 {
	return s.block
}

// table is one entity map seen through a transaction: writes land in dirty,
// reads fall through to the parent transaction and finally to base.
type table[K comparable, V any] struct {
	base   map[K]V
	parent *table[K, V]
	dirty  map[K]V
}

func (t *table[K, V]) get(k K) (V, bool) {
	for cur := t; cur != nil; cur = cur.parent {
		if v, ok := cur.dirty[k]; ok {
			return v, true
		}
	}
	v, ok := t.base[k]
	return v, ok
}

func (t *table[K, V]) put(k K, v V) {
	if t.dirty == nil {
		t.dirty = make(map[K]V)
	}
	t.dirty[k] = v
}

func (t *table[K, V]) keys() []K {
	seen := make(map[K]struct{}, len(t.base))
	for k := range t.base {
		seen[k] = struct{}{}
	}
	for cur := t; cur != nil; cur = cur.parent {
		for k := range cur.dirty {
			seen[k] = struct{}{}
		}
	}
	out := make([]K, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

func (t *table[K, V]) child() table[K, V] {
	return table[K, V]{base: t.base, parent: t}
}

func (t *table[K, V]) mergeIntoParent() {
	for k, v := range t.dirty {
		t.parent.put(k, v)
	}
	t.dirty = nil
}

// Tx is an all-or-nothing view over State. Nested transactions let a batch
// drop one step's writes without losing the rest.
type Tx struct {
	state  *State
	parent *Tx
	block  uint64
	done   bool

	pools            table[protocol.Asset, Pool]
	rateModels       table[protocol.Asset, interest.Model]
	riskParams       table[protocol.Asset, RiskParams]
	controller       table[protocol.Asset, ControllerParams]
	liquidationPools table[protocol.Asset, LiquidationPool]
	mntPools         table[protocol.Asset, MntPool]
	positions        table[PositionKey, Position]
	mntAccounts      table[PositionKey, MntAccount]
	mntRewards       table[protocol.AccountID, MntReward]
}

// Begin opens a root transaction. A transaction that is never committed
// leaves State untouched, which makes it usable as a read view.
func (s *State) Begin() *Tx {
	return &Tx{
		state:            s,
		block:            s.block,
		pools:            table[protocol.Asset, Pool]{base: s.pools},
		rateModels:       table[protocol.Asset, interest.Model]{base: s.rateModels},
		riskParams:       table[protocol.Asset, RiskParams]{base: s.riskParams},
		controller:       table[protocol.Asset, ControllerParams]{base: s.controller},
		liquidationPools: table[protocol.Asset, LiquidationPool]{base: s.liquidationPools},
		mntPools:         table[protocol.Asset, MntPool]{base: s.mntPools},
		positions:        table[PositionKey, Position]{base: s.positions},
		mntAccounts:      table[PositionKey, MntAccount]{base: s.mntAccounts},
		mntRewards:       table[protocol.AccountID, MntReward]{base: s.mntRewards},
	}
}

// Begin opens a nested transaction on top of tx.
func (tx *Tx) Begin() *Tx {
	return &Tx{
		state:            tx.state,
		parent:           tx,
		block:            tx.block,
		pools:            tx.pools.child(),
		rateModels:       tx.rateModels.child(),
		riskParams:       tx.riskParams.child(),
		controller:       tx.controller.child(),
		liquidationPools: tx.liquidationPools.child(),
		mntPools:         tx.mntPools.child(),
		positions:        tx.positions.child(),
		mntAccounts:      tx.mntAccounts.child(),
		mntRewards:       tx.mntRewards.child(),
	}
}

// Commit publishes the transaction's writes. A nested transaction folds into
// its parent and returns an empty Delta; a root transaction applies to State
// and returns exactly what changed.
func (tx *Tx) Commit() Delta {
	if tx.done {
		panic("state: transaction committed twice")
	}
	tx.done = true

	if tx.parent != nil {
		tx.parent.block = tx.block
		tx.pools.mergeIntoParent()
		tx.rateModels.mergeIntoParent()
		tx.riskParams.mergeIntoParent()
		tx.controller.mergeIntoParent()
		tx.liquidationPools.mergeIntoParent()
		tx.mntPools.mergeIntoParent()
		tx.positions.mergeIntoParent()
		tx.mntAccounts.mergeIntoParent()
		tx.mntRewards.mergeIntoParent()
		return Delta{}
	}

	d := Delta{Block: tx.block}
	for k, v := range tx.pools.dirty {
		v.Asset = k
		d.Pools = append(d.Pools, v)
	}
	for k, v := range tx.rateModels.dirty {
		d.RateModels = append(d.RateModels, RateModel{Asset: k, Model: v})
	}
	for k, v := range tx.riskParams.dirty {
		v.Asset = k
		d.RiskParams = append(d.RiskParams, v)
	}
	for k, v := range tx.controller.dirty {
		v.Asset = k
		d.Controller = append(d.Controller, v)
	}
	for k, v := range tx.liquidationPools.dirty {
		v.Asset = k
		d.LiquidationPools = append(d.LiquidationPools, v)
	}
	for k, v := range tx.mntPools.dirty {
		v.Asset = k
		d.MntPools = append(d.MntPools, v)
	}
	for k, v := range tx.positions.dirty {
		d.Positions = append(d.Positions, PositionRecord{PositionKey: k, Position: v})
	}
	for k, v := range tx.mntAccounts.dirty {
		d.MntAccounts = append(d.MntAccounts, MntAccountRecord{PositionKey: k, MntAccount: v})
	}
	for k, v := range tx.mntRewards.dirty {
		d.MntRewards = append(d.MntRewards, MntRewardRecord{Account: k, MntReward: v})
	}
	d.sort()
	tx.state.Apply(d)
	return d
}

func (tx *Tx) Block() uint64 {
	return tx.block
}

func (tx *Tx) SetBlock(block uint64) {
	tx.block = block
}

func (tx *Tx) Pool(asset protocol.Asset) (Pool, bool) {
	return tx.pools.get(asset)
}

func (tx *Tx) PutPool(p Pool) {
	tx.pools.put(p.Asset, p)
}

// PoolAssets lists the assets that have a lending pool, in id order.
func (tx *Tx) PoolAssets() []protocol.Asset {
	assets := tx.pools.keys()
	protocol.SortAssets(assets)
	return assets
}

func (tx *Tx) RateModel(asset protocol.Asset) (interest.Model, bool) {
	return tx.rateModels.get(asset)
}

func (tx *Tx) PutRateModel(asset protocol.Asset, m interest.Model) {
	tx.rateModels.put(asset, m)
}

func (tx *Tx) RiskParams(asset protocol.Asset) (RiskParams, bool) {
	return tx.riskParams.get(asset)
}

func (tx *Tx) PutRiskParams(p RiskParams) {
	tx.riskParams.put(p.Asset, p)
}

func (tx *Tx) ControllerParams(asset protocol.Asset) (ControllerParams, bool) {
	return tx.controller.get(asset)
}

func (tx *Tx) PutControllerParams(p ControllerParams) {
	tx.controller.put(p.Asset, p)
}

func (tx *Tx) LiquidationPool(asset protocol.Asset) (LiquidationPool, bool) {
	return tx.liquidationPools.get(asset)
}

func (tx *Tx) PutLiquidationPool(lp LiquidationPool) {
	tx.liquidationPools.put(lp.Asset, lp)
}

func (tx *Tx) MntPool(asset protocol.Asset) (MntPool, bool) {
	return tx.mntPools.get(asset)
}

func (tx *Tx) PutMntPool(p MntPool) {
	tx.mntPools.put(p.Asset, p)
}

// Position returns the account's position, the zero Position when absent.
func (tx *Tx) Position(account protocol.AccountID, asset protocol.Asset) Position {
	p, _ := tx.positions.get(PositionKey{Account: account, Asset: asset})
	return p
}

func (tx *Tx) PutPosition(account protocol.AccountID, asset protocol.Asset, p Position) {
	tx.positions.put(PositionKey{Account: account, Asset: asset}, p)
}

// AccountAssets lists the pools in which the account holds a non-zero
// position, in id order.
func (tx *Tx) AccountAssets(account protocol.AccountID) []protocol.Asset {
	var out []protocol.Asset
	for _, asset := range tx.PoolAssets() {
		if !tx.Position(account, asset).IsZero() {
			out = append(out, asset)
		}
	}
	return out
}

func (tx *Tx) MntAccount(account protocol.AccountID, asset protocol.Asset) MntAccount {
	a, _ := tx.mntAccounts.get(PositionKey{Account: account, Asset: asset})
	return a
}

func (tx *Tx) PutMntAccount(account protocol.AccountID, asset protocol.Asset, a MntAccount) {
	tx.mntAccounts.put(PositionKey{Account: account, Asset: asset}, a)
}

func (tx *Tx) MntReward(account protocol.AccountID) MntReward {
	r, _ := tx.mntRewards.get(account)
	return r
}

func (tx *Tx) PutMntReward(account protocol.AccountID, r MntReward) {
	tx.mntRewards.put(account, r)
}

// ============================================================================
// Delta
// ============================================================================

type PositionRecord struct {
	PositionKey
	Position
}

type MntAccountRecord struct {
	PositionKey
	MntAccount
}

type MntRewardRecord struct {
	Account protocol.AccountID `json:"account"`
	MntReward
}

// Delta is the set of records written by one committed transaction, sorted by
// key. A zero PositionRecord means the position was removed. Recovery builds
// a Delta from stored rows and applies it to an empty State.
type Delta struct {
	Block            uint64             `json:"block"`
	Pools            []Pool             `json:"pools,omitempty"`
	RateModels       []RateModel        `json:"rate_models,omitempty"`
	RiskParams       []RiskParams       `json:"risk_params,omitempty"`
	Controller       []ControllerParams `json:"controller,omitempty"`
	LiquidationPools []LiquidationPool  `json:"liquidation_pools,omitempty"`
	MntPools         []MntPool          `json:"mnt_pools,omitempty"`
	Positions        []PositionRecord   `json:"positions,omitempty"`
	MntAccounts      []MntAccountRecord `json:"mnt_accounts,omitempty"`
	MntRewards       []MntRewardRecord  `json:"mnt_rewards,omitempty"`
}

// IsEmpty reports whether the delta changes no record.
func (d Delta) IsEmpty() bool {
	return len(d.Pools) == 0 && len(d.RateModels) == 0 && len(d.RiskParams) == 0 &&
		len(d.Controller) == 0 && len(d.LiquidationPools) == 0 && len(d.MntPools) == 0 &&
		len(d.Positions) == 0 && len(d.MntAccounts) == 0 && len(d.MntRewards) == 0
}

// Digest is the canonical bytes fed to the state hash chain.
func (d Delta) Digest() []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		panic("state: delta not serializable: " + err.Error())
	}
	sum := sha256.Sum256(raw)
	return sum[:]
}

func comparePositionKey(a, b PositionKey) int {
	if c := bytes.Compare(a.Account[:], b.Account[:]); c != 0 {
		return c
	}
	return cmp.Compare(a.Asset, b.Asset)
}

func (d *Delta) sort() {
	slices.SortFunc(d.Pools, func(a, b Pool) int { return cmp.Compare(a.Asset, b.Asset) })
	slices.SortFunc(d.RateModels, func(a, b RateModel) int { return cmp.Compare(a.Asset, b.Asset) })
	slices.SortFunc(d.RiskParams, func(a, b RiskParams) int { return cmp.Compare(a.Asset, b.Asset) })
	slices.SortFunc(d.Controller, func(a, b ControllerParams) int { return cmp.Compare(a.Asset, b.Asset) })
	slices.SortFunc(d.LiquidationPools, func(a, b LiquidationPool) int { return cmp.Compare(a.Asset, b.Asset) })
	slices.SortFunc(d.MntPools, func(a, b MntPool) int { return cmp.Compare(a.Asset, b.Asset) })
	slices.SortFunc(d.Positions, func(a, b PositionRecord) int { return comparePositionKey(a.PositionKey, b.PositionKey) })
	slices.SortFunc(d.MntAccounts, func(a, b MntAccountRecord) int { return comparePositionKey(a.PositionKey, b.PositionKey) })
	slices.SortFunc(d.MntRewards, func(a, b MntRewardRecord) int { return bytes.Compare(a.Account[:], b.Account[:]) })
}

// Apply writes every record of d into s. Zero positions, MNT snapshots and
// rewards are removed rather than stored, so a position that empties also
// forgets its collateral flag.
func (s *State) Apply(d Delta) {
	if d.Block > s.block {
		s.block = d.Block
	}
	for _, p := range d.Pools {
		s.pools[p.Asset] = p
	}
	for _, m := range d.RateModels {
		s.rateModels[m.Asset] = m.Model
	}
	for _, p := range d.RiskParams {
		s.riskParams[p.Asset] = p
	}
	for _, p := range d.Controller {
		s.controller[p.Asset] = p
	}
	for _, lp := range d.LiquidationPools {
		s.liquidationPools[lp.Asset] = lp
	}
	for _, p := range d.MntPools {
		s.mntPools[p.Asset] = p
	}
	for _, r := range d.Positions {
		if r.Position.IsZero() {
			delete(s.positions, r.PositionKey)
			continue
		}
		s.positions[r.PositionKey] = r.Position
	}
	for _, r := range d.MntAccounts {
		if r.SupplyIndex.IsZero() && r.BorrowIndex.IsZero() {
			delete(s.mntAccounts, r.PositionKey)
			continue
		}
		s.mntAccounts[r.PositionKey] = r.MntAccount
	}
	for _, r := range d.MntRewards {
		if r.MntReward.IsZero() {
			delete(s.mntRewards, r.Account)
			continue
		}
		s.mntRewards[r.Account] = r.MntReward
	}
}

// Export returns the whole state as a sorted Delta, for snapshots and
// consistency checks.
func (s *State) Export() Delta {
	d := Delta{Block: s.block}
	for _, p := range s.pools {
		d.Pools = append(d.Pools, p)
	}
	for k, m := range s.rateModels {
		d.RateModels = append(d.RateModels, RateModel{Asset: k, Model: m})
	}
	for _, p := range s.riskParams {
		d.RiskParams = append(d.RiskParams, p)
	}
	for _, p := range s.controller {
		d.Controller = append(d.Controller, p)
	}
	for _, lp := range s.liquidationPools {
		d.LiquidationPools = append(d.LiquidationPools, lp)
	}
	for _, p := range s.mntPools {
		d.MntPools = append(d.MntPools, p)
	}
	for k, p := range s.positions {
		d.Positions = append(d.Positions, PositionRecord{PositionKey: k, Position: p})
	}
	for k, a := range s.mntAccounts {
		d.MntAccounts = append(d.MntAccounts, MntAccountRecord{PositionKey: k, MntAccount: a})
	}
	for k, r := range s.mntRewards {
		d.MntRewards = append(d.MntRewards, MntRewardRecord{Account: k, MntReward: r})
	}
	d.sort()
	return d
}

// TotalSupplyShares sums every account's shares in asset's pool.
func (s *State) TotalSupplyShares(asset protocol.Asset) (fpmath.Fixed, error) {
	total := fpmath.Zero
	for k, p := range s.positions {
		if k.Asset != asset {
			continue
		}
		var err error
		if total, err = total.Add(p.SupplyShares); err != nil {
			return fpmath.Zero, err
		}
	}
	return total, nil
}
