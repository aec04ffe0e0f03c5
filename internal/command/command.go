// Package command defines the operations submitted to the core, one type
// per external call, and their JSON wire form.
package command

import (
	"encoding/json"
	"fmt"
	"sort"

	"LendLedger/internal/interest"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
	"LendLedger/internal/risk"

	"github.com/google/uuid"
)

// Type is the stable wire name of a command.
type Type string

const (
	TypeDeposit           Type = "deposit"
	TypeWithdraw          Type = "withdraw"
	TypeRedeem            Type = "redeem"
	TypeRedeemWrapped     Type = "redeem_wrapped"
	TypeBorrow            Type = "borrow"
	TypeRepay             Type = "repay"
	TypeRepayAll          Type = "repay_all"
	TypeRepayOnBehalf     Type = "repay_on_behalf"
	TypeEnableCollateral  Type = "enable_is_collateral"
	TypeDisableCollateral Type = "disable_is_collateral"
	TypeClaimMnt          Type = "claim_mnt"
	TypeLiquidate         Type = "liquidate"

	TypePauseOperation  Type = "pause_operation"
	TypeResumeOperation Type = "resume_operation"
	TypeSetBorrowCap    Type = "set_borrow_cap"

	TypeSetBaseRate       Type = "set_base_rate"
	TypeSetMultiplier     Type = "set_multiplier"
	TypeSetJumpMultiplier Type = "set_jump_multiplier"
	TypeSetKink           Type = "set_kink"
	TypeSetReserveFactor  Type = "set_reserve_factor"

	TypeSetCollateralFactor         Type = "set_collateral_factor"
	TypeSetThreshold                Type = "set_threshold"
	TypeSetLiquidationFee           Type = "set_liquidation_fee"
	TypeSetMaxAttempts              Type = "set_max_attempts"
	TypeSetMinPartialLiquidationSum Type = "set_min_partial_liquidation_sum"

	TypeSetBalancingPeriod      Type = "set_balancing_period"
	TypeSetDeviationThreshold   Type = "set_deviation_threshold"
	TypeSetBalanceRatio         Type = "set_balance_ratio"
	TypeBalanceLiquidationPools Type = "balance_liquidation_pools"
	TypeRebalanceNow            Type = "rebalance_now"

	TypeEnableMntMinting  Type = "enable_mnt_minting"
	TypeDisableMntMinting Type = "disable_mnt_minting"
	TypeUpdateMntSpeed    Type = "update_speed"

	TypeAdvanceBlock Type = "advance_block"
	TypeUpdatePrice  Type = "update_price"
)

// Command is one operation. Asset returns the pool the command is about, or
// AssetNone.
type Command interface {
	CommandType() Type
	Asset() protocol.Asset
}

// Envelope carries a command with its operation id and caller.
type Envelope struct {
	OperationID uuid.UUID       `json:"operation_id"`
	Origin      protocol.Origin `json:"origin"`
	Command     Command         `json:"-"`
}

// --- user operations ---

type Deposit struct {
	Underlying protocol.Asset `json:"asset"`
	Amount     fpmath.Fixed   `json:"amount"`
}

// Withdraw redeems shares worth exactly Amount of underlying.
type Withdraw struct {
	Underlying protocol.Asset `json:"asset"`
	Amount     fpmath.Fixed   `json:"amount"`
}

// Redeem redeems every share the caller holds.
type Redeem struct {
	Underlying protocol.Asset `json:"asset"`
}

// RedeemWrapped redeems an exact number of shares. Wrapped is the share
// asset (MDOT, METH, ...).
type RedeemWrapped struct {
	Wrapped protocol.Asset `json:"wrapped_asset"`
	Shares  fpmath.Fixed   `json:"shares"`
}

type Borrow struct {
	Underlying protocol.Asset `json:"asset"`
	Amount     fpmath.Fixed   `json:"amount"`
}

type Repay struct {
	Underlying protocol.Asset `json:"asset"`
	Amount     fpmath.Fixed   `json:"amount"`
}

type RepayAll struct {
	Underlying protocol.Asset `json:"asset"`
}

type RepayOnBehalf struct {
	Borrower   protocol.AccountID `json:"borrower"`
	Underlying protocol.Asset     `json:"asset"`
	Amount     fpmath.Fixed       `json:"amount"`
}

type EnableCollateral struct {
	Underlying protocol.Asset `json:"asset"`
}

type DisableCollateral struct {
	Underlying protocol.Asset `json:"asset"`
}

// ClaimMnt claims rewards from Assets, or from every pool when empty.
type ClaimMnt struct {
	Assets []protocol.Asset `json:"assets,omitempty"`
}

type Liquidate struct {
	Borrower        protocol.AccountID `json:"borrower"`
	DebtAsset       protocol.Asset     `json:"debt_asset"`
	CollateralAsset protocol.Asset     `json:"collateral_asset,omitempty"`
	RepayAmount     fpmath.Fixed       `json:"repay_amount"`
}

// --- controller ---

type PauseOperation struct {
	Underlying protocol.Asset `json:"asset"`
	Operation  string         `json:"operation"`
}

type ResumeOperation struct {
	Underlying protocol.Asset `json:"asset"`
	Operation  string         `json:"operation"`
}

type SetBorrowCap struct {
	Underlying protocol.Asset `json:"asset"`
	Cap        fpmath.Fixed   `json:"cap"`
}

// --- parameter setters ---

// SetRateParam covers the five interest model setters; Param is implied by
// the command type.
type SetRateParam struct {
	Param      interest.Param `json:"-"`
	Underlying protocol.Asset `json:"asset"`
	Value      fpmath.Fixed   `json:"value"`
}

// SetRiskParam covers the risk setters. Attempts is used by
// set_max_attempts, Value by the others.
type SetRiskParam struct {
	Param      risk.RiskParam `json:"-"`
	Underlying protocol.Asset `json:"asset"`
	Value      fpmath.Fixed   `json:"value"`
	Attempts   uint8          `json:"attempts,omitempty"`
}

// --- balancer ---

type SetBalancingPeriod struct {
	Underlying protocol.Asset `json:"asset"`
	Blocks     uint64         `json:"blocks"`
}

type SetDeviationThreshold struct {
	Underlying protocol.Asset `json:"asset"`
	Threshold  fpmath.Fixed   `json:"threshold"`
}

type SetBalanceRatio struct {
	Underlying protocol.Asset `json:"asset"`
	Ratio      fpmath.Fixed   `json:"ratio"`
}

type BalanceLiquidationPools struct {
	From       protocol.Asset `json:"asset_from"`
	To         protocol.Asset `json:"asset_to"`
	Amount     fpmath.Fixed   `json:"amount"`
	MaxCounter fpmath.Fixed   `json:"max_counter"`
}

// RebalanceNow triggers balancing of one asset, or all when Underlying is
// omitted.
type RebalanceNow struct {
	Underlying protocol.Asset `json:"asset,omitempty"`
}

// --- rewards ---

type EnableMntMinting struct {
	Underlying protocol.Asset `json:"asset"`
	Speed      fpmath.Fixed   `json:"speed"`
}

type DisableMntMinting struct {
	Underlying protocol.Asset `json:"asset"`
}

type UpdateMntSpeed struct {
	Underlying protocol.Asset `json:"asset"`
	Speed      fpmath.Fixed   `json:"speed"`
}

// AdvanceBlock moves the protocol clock forward. Root only.
type AdvanceBlock struct {
	Block uint64 `json:"block"`
}

// UpdatePrice feeds the oracle. Sequence is the feeder's per-asset counter;
// stale updates are dropped. Root only.
type UpdatePrice struct {
	Underlying protocol.Asset `json:"asset"`
	Price      fpmath.Fixed   `json:"price"`
	Sequence   int64          `json:"sequence"`
}

func (c *Deposit) CommandType() Type                 { return TypeDeposit }
func (c *Withdraw) CommandType() Type                { return TypeWithdraw }
func (c *Redeem) CommandType() Type                  { return TypeRedeem }
func (c *RedeemWrapped) CommandType() Type           { return TypeRedeemWrapped }
func (c *Borrow) CommandType() Type                  { return TypeBorrow }
func (c *Repay) CommandType() Type                   { return TypeRepay }
func (c *RepayAll) CommandType() Type                { return TypeRepayAll }
func (c *RepayOnBehalf) CommandType() Type           { return TypeRepayOnBehalf }
func (c *EnableCollateral) CommandType() Type        { return TypeEnableCollateral }
func (c *DisableCollateral) CommandType() Type       { return TypeDisableCollateral }
func (c *ClaimMnt) CommandType() Type                { return TypeClaimMnt }
func (c *Liquidate) CommandType() Type               { return TypeLiquidate }
func (c *PauseOperation) CommandType() Type          { return TypePauseOperation }
func (c *ResumeOperation) CommandType() Type         { return TypeResumeOperation }
func (c *SetBorrowCap) CommandType() Type            { return TypeSetBorrowCap }
func (c *SetBalancingPeriod) CommandType() Type      { return TypeSetBalancingPeriod }
func (c *SetDeviationThreshold) CommandType() Type   { return TypeSetDeviationThreshold }
func (c *SetBalanceRatio) CommandType() Type         { return TypeSetBalanceRatio }
func (c *BalanceLiquidationPools) CommandType() Type { return TypeBalanceLiquidationPools }
func (c *RebalanceNow) CommandType() Type            { return TypeRebalanceNow }
func (c *EnableMntMinting) CommandType() Type        { return TypeEnableMntMinting }
func (c *DisableMntMinting) CommandType() Type       { return TypeDisableMntMinting }
func (c *UpdateMntSpeed) CommandType() Type          { return TypeUpdateMntSpeed }
func (c *AdvanceBlock) CommandType() Type            { return TypeAdvanceBlock }
func (c *UpdatePrice) CommandType() Type             { return TypeUpdatePrice }

func (c *SetRateParam) CommandType() Type {
	for t, p := range rateParams {
		if p == c.Param {
			return t
		}
	}
	return Type("set_" + c.Param.String())
}

func (c *SetRiskParam) CommandType() Type {
	for t, p := range riskParams {
		if p == c.Param {
			return t
		}
	}
	return Type("set_" + c.Param.String())
}

func (c *Deposit) Asset() protocol.Asset                 { return c.Underlying }
func (c *Withdraw) Asset() protocol.Asset                { return c.Underlying }
func (c *Redeem) Asset() protocol.Asset                  { return c.Underlying }
func (c *Borrow) Asset() protocol.Asset                  { return c.Underlying }
func (c *Repay) Asset() protocol.Asset                   { return c.Underlying }
func (c *RepayAll) Asset() protocol.Asset                { return c.Underlying }
func (c *RepayOnBehalf) Asset() protocol.Asset           { return c.Underlying }
func (c *EnableCollateral) Asset() protocol.Asset        { return c.Underlying }
func (c *DisableCollateral) Asset() protocol.Asset       { return c.Underlying }
func (c *ClaimMnt) Asset() protocol.Asset                { return protocol.MNT }
func (c *Liquidate) Asset() protocol.Asset               { return c.DebtAsset }
func (c *PauseOperation) Asset() protocol.Asset          { return c.Underlying }
func (c *ResumeOperation) Asset() protocol.Asset         { return c.Underlying }
func (c *SetBorrowCap) Asset() protocol.Asset            { return c.Underlying }
func (c *SetRateParam) Asset() protocol.Asset            { return c.Underlying }
func (c *SetRiskParam) Asset() protocol.Asset            { return c.Underlying }
func (c *SetBalancingPeriod) Asset() protocol.Asset      { return c.Underlying }
func (c *SetDeviationThreshold) Asset() protocol.Asset   { return c.Underlying }
func (c *SetBalanceRatio) Asset() protocol.Asset         { return c.Underlying }
func (c *BalanceLiquidationPools) Asset() protocol.Asset { return c.To }
func (c *RebalanceNow) Asset() protocol.Asset            { return c.Underlying }
func (c *EnableMntMinting) Asset() protocol.Asset        { return c.Underlying }
func (c *DisableMntMinting) Asset() protocol.Asset       { return c.Underlying }
func (c *UpdateMntSpeed) Asset() protocol.Asset          { return c.Underlying }
func (c *AdvanceBlock) Asset() protocol.Asset            { return protocol.AssetNone }
func (c *UpdatePrice) Asset() protocol.Asset             { return c.Underlying }

// Asset of a RedeemWrapped is its underlying.
func (c *RedeemWrapped) Asset() protocol.Asset {
	if u, ok := c.Wrapped.Underlying(); ok {
		return u
	}
	return c.Wrapped
}

var rateParams = map[Type]interest.Param{
	TypeSetBaseRate:       interest.ParamBaseRate,
	TypeSetMultiplier:     interest.ParamMultiplier,
	TypeSetJumpMultiplier: interest.ParamJumpMultiplier,
	TypeSetKink:           interest.ParamKink,
	TypeSetReserveFactor:  interest.ParamReserveFactor,
}

var riskParams = map[Type]risk.RiskParam{
	TypeSetCollateralFactor:         risk.ParamCollateralFactor,
	TypeSetThreshold:                risk.ParamLiquidationThreshold,
	TypeSetLiquidationFee:           risk.ParamLiquidationFee,
	TypeSetMaxAttempts:              risk.ParamMaxLiquidationAttempts,
	TypeSetMinPartialLiquidationSum: risk.ParamMinPartialLiquidationSum,
}

var constructors = map[Type]func() Command{
	TypeDeposit:                 func() Command { return &Deposit{} },
	TypeWithdraw:                func() Command { return &Withdraw{} },
	TypeRedeem:                  func() Command { return &Redeem{} },
	TypeRedeemWrapped:           func() Command { return &RedeemWrapped{} },
	TypeBorrow:                  func() Command { return &Borrow{} },
	TypeRepay:                   func() Command { return &Repay{} },
	TypeRepayAll:                func() Command { return &RepayAll{} },
	TypeRepayOnBehalf:           func() Command { return &RepayOnBehalf{} },
	TypeEnableCollateral:        func() Command { return &EnableCollateral{} },
	TypeDisableCollateral:       func() Command { return &DisableCollateral{} },
	TypeClaimMnt:                func() Command { return &ClaimMnt{} },
	TypeLiquidate:               func() Command { return &Liquidate{} },
	TypePauseOperation:          func() Command { return &PauseOperation{} },
	TypeResumeOperation:         func() Command { return &ResumeOperation{} },
	TypeSetBorrowCap:            func() Command { return &SetBorrowCap{} },
	TypeSetBalancingPeriod:      func() Command { return &SetBalancingPeriod{} },
	TypeSetDeviationThreshold:   func() Command { return &SetDeviationThreshold{} },
	TypeSetBalanceRatio:         func() Command { return &SetBalanceRatio{} },
	TypeBalanceLiquidationPools: func() Command { return &BalanceLiquidationPools{} },
	TypeRebalanceNow:            func() Command { return &RebalanceNow{} },
	TypeEnableMntMinting:        func() Command { return &EnableMntMinting{} },
	TypeDisableMntMinting:       func() Command { return &DisableMntMinting{} },
	TypeUpdateMntSpeed:          func() Command { return &UpdateMntSpeed{} },
	TypeAdvanceBlock:            func() Command { return &AdvanceBlock{} },
	TypeUpdatePrice:             func() Command { return &UpdatePrice{} },
}

func init() {
	for t, p := range rateParams {
		constructors[t] = func() Command { return &SetRateParam{Param: p} }
	}
	for t, p := range riskParams {
		constructors[t] = func() Command { return &SetRiskParam{Param: p} }
	}
}

// Types lists every known command type, sorted.
func Types() []Type {
	out := make([]Type, 0, len(constructors))
	for t := range constructors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Decode parses the JSON payload of a command of type t.
func Decode(t Type, payload []byte) (Command, error) {
	newCmd, ok := constructors[t]
	if !ok {
		return nil, fmt.Errorf("unknown command type %q", t)
	}
	cmd := newCmd()
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, cmd); err != nil {
			return nil, fmt.Errorf("decode %s: %w", t, err)
		}
	}
	return cmd, nil
}

// Encode is the inverse of Decode.
func Encode(cmd Command) ([]byte, error) {
	b, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return b, nil
}
