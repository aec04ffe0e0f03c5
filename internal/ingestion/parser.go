package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"LendLedger/internal/command"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// feedNamespace seeds the operation ids of oracle and block messages, so a
// redelivered feed message maps to the same id and is deduplicated.
var feedNamespace = uuid.MustParse("5b0e7c2a-93c4-4d61-8f0e-2f4a8d7b1c90")

// ErrNotAdmin is an authorization failure, so it classifies as RequireAdmin.
var ErrNotAdmin = fmt.Errorf("%w: caller is not an admin account", protocol.ErrRequireAdmin)

// Admins is the set of accounts allowed to submit admin commands.
type Admins map[uuid.UUID]struct{}

func NewAdmins(ids []uuid.UUID) Admins {
	a := make(Admins, len(ids))
	for _, id := range ids {
		a[id] = struct{}{}
	}
	return a
}

// Origin builds the origin for caller. Asking for admin privilege with an
// account outside the set fails.
func (a Admins) Origin(caller uuid.UUID, admin bool) (protocol.Origin, error) {
	if caller == uuid.Nil {
		return protocol.Origin{}, protocol.ErrBadOrigin
	}
	if !admin {
		return protocol.Signed(caller), nil
	}
	if _, ok := a[caller]; !ok {
		return protocol.Origin{}, fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}
	return protocol.Admin(caller), nil
}

// ParseRawEvent converts a RawEvent into a command envelope. Root
// privilege is only ever granted to price and block messages.
func ParseRawEvent(raw RawEvent, admins Admins) (command.Envelope, error) {
	switch raw.Kind {
	case KindCommand:
		return parseCommand(raw, admins)
	case KindPrice:
		return parsePrice(raw)
	case KindBlock:
		return parseBlock(raw.Data)
	default:
		return command.Envelope{}, fmt.Errorf("unknown message kind: %q", raw.Kind)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type commandJSON struct {
	OperationID string          `json:"operation_id"`
	Caller      string          `json:"caller"`
	Privilege   string          `json:"privilege"` // "signed" (default) or "admin"
	Payload     json.RawMessage `json:"payload"`
}

// parseCommand reads lend.commands.<type>.
func parseCommand(raw RawEvent, admins Admins) (command.Envelope, error) {
	var j commandJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return command.Envelope{}, fmt.Errorf("parse command: %w", err)
	}

	opID, err := uuid.Parse(j.OperationID)
	if err != nil {
		return command.Envelope{}, fmt.Errorf("parse operation_id: %w", err)
	}
	caller, err := uuid.Parse(j.Caller)
	if err != nil {
		return command.Envelope{}, fmt.Errorf("parse caller: %w", err)
	}

	var admin bool
	switch j.Privilege {
	case "", "signed":
	case "admin":
		admin = true
	default:
		return command.Envelope{}, fmt.Errorf("privilege %q not accepted on commands", j.Privilege)
	}
	origin, err := admins.Origin(caller, admin)
	if err != nil {
		return command.Envelope{}, err
	}

	t := command.Type(lastToken(raw.Subject))
	if t == command.TypeUpdatePrice || t == command.TypeAdvanceBlock {
		return command.Envelope{}, fmt.Errorf("%s is only accepted from its feed", t)
	}
	cmd, err := command.Decode(t, j.Payload)
	if err != nil {
		return command.Envelope{}, err
	}

	return command.Envelope{OperationID: opID, Origin: origin, Command: cmd}, nil
}

type priceJSON struct {
	Asset    string `json:"asset"`
	Price    string `json:"price"`
	Sequence int64  `json:"sequence"`
}

// parsePrice reads lend.prices.<asset>. The asset may be omitted from the
// body, but must agree with the subject when both are given.
func parsePrice(raw RawEvent) (command.Envelope, error) {
	var j priceJSON
	if err := json.Unmarshal(raw.Data, &j); err != nil {
		return command.Envelope{}, fmt.Errorf("parse price: %w", err)
	}

	name := j.Asset
	if tok := lastToken(raw.Subject); strings.HasPrefix(raw.Subject, "lend.prices.") {
		if name == "" {
			name = tok
		} else if !strings.EqualFold(name, tok) {
			return command.Envelope{}, fmt.Errorf("price asset %q does not match subject %s", name, raw.Subject)
		}
	}
	asset, err := protocol.ParseAsset(name)
	if err != nil {
		return command.Envelope{}, fmt.Errorf("parse asset: %w", err)
	}
	price, err := fpmath.Parse(j.Price)
	if err != nil {
		return command.Envelope{}, fmt.Errorf("parse price: %w", err)
	}
	if j.Sequence <= 0 {
		return command.Envelope{}, fmt.Errorf("price sequence must be positive, got %d", j.Sequence)
	}

	return PriceEnvelope(asset, price, j.Sequence), nil
}

// PriceEnvelope is the root UpdatePrice for one feeder observation.
func PriceEnvelope(asset protocol.Asset, price fpmath.Fixed, sequence int64) command.Envelope {
	key := fmt.Sprintf("price:%s:%d", asset, sequence)
	return command.Envelope{
		OperationID: uuid.NewSHA1(feedNamespace, []byte(key)),
		Origin:      protocol.Root(),
		Command:     &command.UpdatePrice{Underlying: asset, Price: price, Sequence: sequence},
	}
}

type blockJSON struct {
	Block uint64 `json:"block"`
}

func parseBlock(data []byte) (command.Envelope, error) {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return command.Envelope{}, fmt.Errorf("parse block: %w", err)
	}
	if j.Block == 0 {
		return command.Envelope{}, errors.New("block must be positive")
	}
	return BlockEnvelope(j.Block), nil
}

// BlockEnvelope is the root AdvanceBlock for block n. The local block
// ticker uses it too, so both sources share one id per block.
func BlockEnvelope(n uint64) command.Envelope {
	return command.Envelope{
		OperationID: uuid.NewSHA1(feedNamespace, []byte(fmt.Sprintf("block:%d", n))),
		Origin:      protocol.Root(),
		Command:     &command.AdvanceBlock{Block: n},
	}
}

func lastToken(subject string) string {
	if i := strings.LastIndexByte(subject, '.'); i >= 0 {
		return subject[i+1:]
	}
	return subject
}
