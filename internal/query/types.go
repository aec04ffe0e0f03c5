package query

import (
	"encoding/json"
	"time"

	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// PoolResponse is one pool with its parameters, accrued to the current
// block.
type PoolResponse struct {
	core.PoolView
	AsOfSequence int64  `json:"as_of_sequence"`
	Block        uint64 `json:"block"`
}

// PriceResponse is one oracle price.
type PriceResponse struct {
	Asset        protocol.Asset `json:"asset"`
	Price        fpmath.Fixed   `json:"price"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// MntResponse is an account's MNT position.
type MntResponse struct {
	Account      uuid.UUID    `json:"account"`
	Claimable    fpmath.Fixed `json:"claimable"`
	AsOfSequence int64        `json:"as_of_sequence"`
}

// StatusResponse describes the service's position in the log.
type StatusResponse struct {
	Sequence           int64     `json:"sequence"`
	Block              uint64    `json:"block"`
	StateHash          string    `json:"state_hash"`
	PersistedSequence  int64     `json:"persisted_sequence"`
	ProjectionSequence int64     `json:"projection_sequence"`
	Settlement         string    `json:"settlement_asset"`
	StartedAt          time.Time `json:"started_at"`
}

// EventFilter selects events from the log. Zero fields match everything.
type EventFilter struct {
	Asset         protocol.Asset
	EventType     string
	Caller        uuid.UUID
	AfterSequence int64
	Limit         int
}

// EventResponse is one logged event with its operation context.
type EventResponse struct {
	Sequence    int64           `json:"sequence"`
	Index       int             `json:"index"`
	EventType   string          `json:"event_type"`
	Asset       protocol.Asset  `json:"asset,omitempty"`
	OperationID uuid.UUID       `json:"operation_id"`
	CommandType string          `json:"command_type"`
	Caller      uuid.UUID       `json:"caller"`
	Block       uint64          `json:"block"`
	Payload     json.RawMessage `json:"payload"`
	CommittedAt time.Time       `json:"committed_at"`
}

// PoolHistoryPoint is one row of the pool history projection.
type PoolHistoryPoint struct {
	Sequence          int64        `json:"sequence"`
	Block             uint64       `json:"block"`
	UnderlyingBalance fpmath.Fixed `json:"underlying_balance"`
	TotalBorrows      fpmath.Fixed `json:"total_borrows"`
	TotalReserves     fpmath.Fixed `json:"total_reserves"`
	TotalShares       fpmath.Fixed `json:"total_shares"`
	ExchangeRate      fpmath.Fixed `json:"exchange_rate"`
	BorrowIndex       fpmath.Fixed `json:"borrow_index"`
	Utilization       fpmath.Fixed `json:"utilization"`
	BorrowRate        fpmath.Fixed `json:"borrow_rate"`
	SupplyRate        fpmath.Fixed `json:"supply_rate"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	// StateMismatch is set when the persisted chain tip disagrees with the
	// live hash at the same sequence.
	StateMismatch bool  `json:"state_mismatch,omitempty"`
	CheckedUpTo   int64 `json:"checked_up_to"`
}
