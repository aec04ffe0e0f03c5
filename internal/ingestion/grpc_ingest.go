package ingestion

import (
	"context"
	"fmt"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	fpmath "LendLedger/internal/math"
	"LendLedger/internal/protocol"

	"github.com/google/uuid"
)

// Submitter is the core's write surface.
type Submitter interface {
	Submit(env command.Envelope) (*core.Result, error)
}

// GRPCIngestService submits commands arriving over the API. NATS stays the
// high-throughput path; this one serves interactive callers and admin
// injection of prices and blocks.
type GRPCIngestService struct {
	core   Submitter
	admins Admins
}

func NewGRPCIngestService(c Submitter, admins Admins) *GRPCIngestService {
	return &GRPCIngestService{core: c, admins: admins}
}

// IsAdmin reports whether caller is in the admin set.
func (s *GRPCIngestService) IsAdmin(caller uuid.UUID) bool {
	_, ok := s.admins[caller]
	return ok
}

// SubmitCommand decodes payload as a command of type t and submits it for
// caller. A nil operation id is replaced with a fresh one.
func (s *GRPCIngestService) SubmitCommand(
	ctx context.Context,
	caller uuid.UUID,
	admin bool,
	opID uuid.UUID,
	t command.Type,
	payload []byte,
) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t == command.TypeUpdatePrice || t == command.TypeAdvanceBlock {
		return nil, fmt.Errorf("%w: %s must be injected by an admin", protocol.ErrRequireRoot, t)
	}
	origin, err := s.admins.Origin(caller, admin)
	if err != nil {
		return nil, err
	}
	cmd, err := command.Decode(t, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNotValidParameter, err)
	}
	if opID == uuid.Nil {
		opID = uuid.New()
	}
	return s.core.Submit(command.Envelope{OperationID: opID, Origin: origin, Command: cmd})
}

// InjectPrice feeds an oracle price on behalf of an admin.
func (s *GRPCIngestService) InjectPrice(
	ctx context.Context,
	caller uuid.UUID,
	asset protocol.Asset,
	price fpmath.Fixed,
	sequence int64,
) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.IsAdmin(caller) {
		return nil, fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}
	return s.core.Submit(PriceEnvelope(asset, price, sequence))
}

// InjectBlock advances the block clock on behalf of an admin.
func (s *GRPCIngestService) InjectBlock(ctx context.Context, caller uuid.UUID, block uint64) (*core.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !s.IsAdmin(caller) {
		return nil, fmt.Errorf("%w: %s", ErrNotAdmin, caller)
	}
	return s.core.Submit(BlockEnvelope(block))
}
