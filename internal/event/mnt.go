package event

import (
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"
)

type MntMintingChanged struct {
	Asset   protocol.Asset `json:"asset"`
	Enabled bool           `json:"enabled"`
	Speed   fpmath.Fixed   `json:"speed"`
}

func (e *MntMintingChanged) EventType() EventType    { return EventTypeMntMintingChanged }
func (e *MntMintingChanged) AssetID() protocol.Asset { return e.Asset }

type MntSpeedChanged struct {
	Asset protocol.Asset `json:"asset"`
	Speed fpmath.Fixed   `json:"speed"`
}

func (e *MntSpeedChanged) EventType() EventType    { return EventTypeMntSpeedChanged }
func (e *MntSpeedChanged) AssetID() protocol.Asset { return e.Asset }

type MntClaimed struct {
	Account protocol.AccountID `json:"account"`
	Amount  fpmath.Fixed       `json:"amount"`
}

func (e *MntClaimed) EventType() EventType    { return EventTypeMntClaimed }
func (e *MntClaimed) AssetID() protocol.Asset { return protocol.MNT }
