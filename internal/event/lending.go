package event

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

// InterestAccrued is emitted when a pool accrues over at least one block.
type InterestAccrued struct {
	Asset         protocol.Asset `json:"asset"`
	Blocks        uint64         `json:"blocks"`
	Interest      fpmath.Fixed   `json:"interest"`
	TotalBorrows  fpmath.Fixed   `json:"total_borrows"`
	TotalReserves fpmath.Fixed   `json:"total_reserves"`
	BorrowIndex   fpmath.Fixed   `json:"borrow_index"`
	ExchangeRate  fpmath.Fixed   `json:"exchange_rate"`
	BorrowRate    fpmath.Fixed   `json:"borrow_rate"`
}

func (e *InterestAccrued) EventType() EventType    { return EventTypeInterestAccrued }
func (e *InterestAccrued) AssetID() protocol.Asset { return e.Asset }

type Deposited struct {
	Account protocol.AccountID `json:"account"`
	Asset   protocol.Asset     `json:"asset"`
	Amount  fpmath.Fixed       `json:"amount"`
	Shares  fpmath.Fixed       `json:"shares"`
}

func (e *Deposited) EventType() EventType    { return EventTypeDeposited }
func (e *Deposited) AssetID() protocol.Asset { return e.Asset }

type Redeemed struct {
	Account protocol.AccountID `json:"account"`
	Asset   protocol.Asset     `json:"asset"`
	Amount  fpmath.Fixed       `json:"amount"`
	Shares  fpmath.Fixed       `json:"shares"`
}

func (e *Redeemed) EventType() EventType    { return EventTypeRedeemed }
func (e *Redeemed) AssetID() protocol.Asset { return e.Asset }

type Borrowed struct {
	Account protocol.AccountID `json:"account"`
	Asset   protocol.Asset     `json:"asset"`
	Amount  fpmath.Fixed       `json:"amount"`
	Debt    fpmath.Fixed       `json:"debt"`
}

func (e *Borrowed) EventType() EventType    { return EventTypeBorrowed }
func (e *Borrowed) AssetID() protocol.Asset { return e.Asset }

// Repaid is emitted for every repayment; Payer differs from Borrower for
// repay-on-behalf and liquidation.
type Repaid struct {
	Payer    protocol.AccountID `json:"payer"`
	Borrower protocol.AccountID `json:"borrower"`
	Asset    protocol.Asset     `json:"asset"`
	Amount   fpmath.Fixed       `json:"amount"`
	Debt     fpmath.Fixed       `json:"debt"`
}

func (e *Repaid) EventType() EventType    { return EventTypeRepaid }
func (e *Repaid) AssetID() protocol.Asset { return e.Asset }

type CollateralChanged struct {
	Account protocol.AccountID `json:"account"`
	Asset   protocol.Asset     `json:"asset"`
	Enabled bool               `json:"enabled"`
}

func (e *CollateralChanged) EventType() EventType    { return EventTypeCollateralChanged }
func (e *CollateralChanged) AssetID() protocol.Asset { return e.Asset }

type BlockAdvanced struct {
	Block uint64 `json:"block"`
}

func (e *BlockAdvanced) EventType() EventType    { return EventTypeBlockAdvanced }
func (e *BlockAdvanced) AssetID() protocol.Asset { return protocol.AssetNone }
