package core

import (
	"fmt"

	"LendLedger/internal/interest"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/state"
)

// AssetGenesis configures every per-asset entity of one pool.
type AssetGenesis struct {
	Asset               protocol.Asset   `toml:"asset"`
	InitialExchangeRate fpmath.Fixed     `toml:"initial_exchange_rate"`
	RateModel           interest.Model   `toml:"rate_model"`
	Risk                state.RiskParams `toml:"risk"`
	BorrowCap           fpmath.Fixed     `toml:"borrow_cap"`

	// Liquidation pool
	LiquidationPoolBalance fpmath.Fixed `toml:"liquidation_pool_balance"`
	BalanceRatio           fpmath.Fixed `toml:"balance_ratio"`
	DeviationThreshold     fpmath.Fixed `toml:"deviation_threshold"`
	BalancingPeriod        uint64       `toml:"balancing_period"`

	// Zero leaves MNT minting disabled for the pool.
	MntSpeed fpmath.Fixed `toml:"mnt_speed"`

	// Collaborator seeds: oracle price and in-memory exchange reserve.
	Price      fpmath.Fixed `toml:"price"`
	DexReserve fpmath.Fixed `toml:"dex_reserve"`
}

// Genesis is the initial protocol configuration.
type Genesis struct {
	Block                uint64         `toml:"block"`
	SettlementAsset      protocol.Asset `toml:"settlement_asset"`
	SlippageTolerance    fpmath.Fixed   `toml:"slippage_tolerance"`
	LiquidationAdminOnly *bool          `toml:"liquidation_admin_only"`
	Assets               []AssetGenesis `toml:"assets"`
}

// AdminOnlyLiquidation defaults to true when unset.
func (g Genesis) AdminOnlyLiquidation() bool {
	return g.LiquidationAdminOnly == nil || *g.LiquidationAdminOnly
}

// Settlement defaults to USDT.
func (g Genesis) Settlement() protocol.Asset {
	if g.SettlementAsset == protocol.AssetNone {
		return protocol.USDT
	}
	return g.SettlementAsset
}

// Validate checks the configuration before anything is written.
func (g Genesis) Validate() error {
	if len(g.Assets) == 0 {
		return fmt.Errorf("%w: genesis has no assets", protocol.ErrNotValidParameter)
	}
	if g.SlippageTolerance.Gt(fpmath.One) {
		return fmt.Errorf("%w: slippage_tolerance must be in [0,1]", protocol.ErrNotValidParameter)
	}
	seen := make(map[protocol.Asset]bool, len(g.Assets))
	for _, a := range g.Assets {
		if err := protocol.RequireUnderlying(a.Asset); err != nil {
			return fmt.Errorf("genesis asset %d: %w", a.Asset, err)
		}
		if seen[a.Asset] {
			return fmt.Errorf("%w: duplicate genesis asset %s", protocol.ErrNotValidParameter, a.Asset)
		}
		seen[a.Asset] = true
		if err := a.RateModel.Validate(); err != nil {
			return fmt.Errorf("genesis %s rate model: %w", a.Asset, err)
		}
		if err := state.ValidateRiskParams(a.Risk); err != nil {
			return fmt.Errorf("genesis %s risk: %w", a.Asset, err)
		}
		if err := state.ValidateLiquidationPool(a.liquidationPool(g.Block)); err != nil {
			return fmt.Errorf("genesis %s liquidation pool: %w", a.Asset, err)
		}
	}
	if !seen[g.Settlement()] {
		return fmt.Errorf("%w: settlement asset %s has no pool", protocol.ErrPoolNotFound, g.Settlement())
	}
	return nil
}

func (a AssetGenesis) liquidationPool(block uint64) state.LiquidationPool {
	return state.LiquidationPool{
		Asset:              a.Asset,
		Balance:            a.LiquidationPoolBalance,
		BalanceRatio:       a.BalanceRatio,
		DeviationThreshold: a.DeviationThreshold,
		BalancingPeriod:    a.BalancingPeriod,
		LastBalancedBlock:  block,
	}
}

// initialize writes every per-asset entity into tx.
func (g Genesis) initialize(tx *state.Tx) {
	tx.SetBlock(g.Block)
	for _, a := range g.Assets {
		rate := a.InitialExchangeRate
		if rate.IsZero() {
			rate = fpmath.One
		}
		tx.PutPool(state.NewPool(a.Asset, rate, g.Block))
		tx.PutRateModel(a.Asset, a.RateModel)

		rp := a.Risk
		rp.Asset = a.Asset
		tx.PutRiskParams(rp)
		tx.PutControllerParams(state.ControllerParams{Asset: a.Asset, BorrowCap: a.BorrowCap})
		tx.PutLiquidationPool(a.liquidationPool(g.Block))
		tx.PutMntPool(state.MntPool{
			Asset:           a.Asset,
			Speed:           a.MntSpeed,
			Enabled:         !a.MntSpeed.IsZero(),
			LastUpdateBlock: g.Block,
		})
	}
}

// DefaultGenesis is a development configuration for the five underlyings.
func DefaultGenesis() Genesis {
	model := interest.Model{
		BaseRate:       fpmath.Zero,
		Multiplier:     fpmath.MustParse("0.000000009512937595"),
		JumpMultiplier: fpmath.MustParse("0.000000207597146119"),
		Kink:           fpmath.MustParse("0.8"),
		ReserveFactor:  fpmath.MustParse("0.1"),
	}
	risk := state.RiskParams{
		CollateralFactor:         fpmath.MustParse("0.9"),
		LiquidationThreshold:     fpmath.MustParse("0.95"),
		LiquidationFee:           fpmath.MustParse("0.05"),
		MaxLiquidationAttempts:   3,
		MinPartialLiquidationSum: fpmath.FromInt(100),
	}
	prices := map[protocol.Asset]string{
		protocol.DOT:  "40",
		protocol.ETH:  "1500",
		protocol.KSM:  "250",
		protocol.BTC:  "30000",
		protocol.USDT: "1",
	}
	g := Genesis{
		SettlementAsset:   protocol.USDT,
		SlippageTolerance: fpmath.MustParse("0.01"),
	}
	for _, asset := range protocol.UnderlyingAssets() {
		g.Assets = append(g.Assets, AssetGenesis{
			Asset:               asset,
			InitialExchangeRate: fpmath.One,
			RateModel:           model,
			Risk:                risk,
			BalanceRatio:        fpmath.MustParse("0.2"),
			DeviationThreshold:  fpmath.MustParse("0.1"),
			BalancingPeriod:     600,
			Price:               fpmath.MustParse(prices[asset]),
			DexReserve:          fpmath.FromInt(1_000_000_000),
		})
	}
	return g
}
