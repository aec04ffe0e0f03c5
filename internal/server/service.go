package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"LendLedger/internal/command"
	"LendLedger/internal/core"
	"LendLedger/internal/ingestion"
	"LendLedger/internal/protocol"
	"LendLedger/internal/query"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ============================================================================
// CommandService
// ============================================================================

type commandService struct {
	ingest *ingestion.GRPCIngestService
}

func (s *commandService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	id, ok := IdentityFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	if req.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "type is required")
	}
	caller := id.Account
	// Admin rights come from the token; the ingest service also checks the
	// admin set.
	adminOnly := req.Type == command.TypeUpdatePrice || req.Type == command.TypeAdvanceBlock
	if (req.Admin || adminOnly) && !id.Admin {
		return nil, toStatus(fmt.Errorf("%w: %s", ingestion.ErrNotAdmin, caller))
	}

	var (
		res *core.Result
		err error
	)
	switch req.Type {
	case command.TypeUpdatePrice:
		var p command.UpdatePrice
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "update_price payload: %v", err)
		}
		res, err = s.ingest.InjectPrice(ctx, caller, p.Underlying, p.Price, p.Sequence)
	case command.TypeAdvanceBlock:
		var b command.AdvanceBlock
		if err := json.Unmarshal(req.Payload, &b); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "advance_block payload: %v", err)
		}
		res, err = s.ingest.InjectBlock(ctx, caller, b.Block)
	default:
		res, err = s.ingest.SubmitCommand(ctx, caller, req.Admin, req.OperationID, req.Type, req.Payload)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	return submitResponse(res), nil
}

func submitResponse(res *core.Result) *SubmitResponse {
	resp := &SubmitResponse{
		Sequence: res.Sequence,
		Block:    res.Block,
		Ignored:  res.Ignored,
		Events:   res.Events,
	}
	if !res.Ignored {
		resp.StateHash = hex.EncodeToString(res.StateHash[:])
	}
	return resp
}

// ============================================================================
// QueryService
// ============================================================================

type queryService struct {
	qs *query.QueryService
}

func (s *queryService) GetPool(ctx context.Context, req *AssetRequest) (*query.PoolResponse, error) {
	if err := requireAsset(req.Asset); err != nil {
		return nil, err
	}
	resp, err := s.qs.GetPool(ctx, req.Asset)
	return resp, toStatus(err)
}

func (s *queryService) GetAccount(ctx context.Context, req *AccountRequest) (*query.AccountResponse, error) {
	account, err := accountOrCaller(ctx, req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetAccount(ctx, account)
	return resp, toStatus(err)
}

func (s *queryService) GetPrice(ctx context.Context, req *AssetRequest) (*query.PriceResponse, error) {
	if err := requireAsset(req.Asset); err != nil {
		return nil, err
	}
	resp, err := s.qs.GetPrice(ctx, req.Asset)
	return resp, toStatus(err)
}

func (s *queryService) GetClaimableMnt(ctx context.Context, req *AccountRequest) (*query.MntResponse, error) {
	account, err := accountOrCaller(ctx, req.Account)
	if err != nil {
		return nil, err
	}
	resp, err := s.qs.GetClaimableMnt(ctx, account)
	return resp, toStatus(err)
}

func (s *queryService) GetStatus(ctx context.Context, _ *StatusRequest) (*query.StatusResponse, error) {
	resp, err := s.qs.GetStatus(ctx)
	return resp, toStatus(err)
}

func (s *queryService) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	events, err := s.qs.ListEvents(ctx, query.EventFilter{
		Asset:         req.Asset,
		EventType:     req.EventType,
		Caller:        req.Caller,
		AfterSequence: req.AfterSequence,
		Limit:         req.Limit,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	if events == nil {
		events = []query.EventResponse{}
	}
	return &ListEventsResponse{Events: events}, nil
}

func requireAsset(asset protocol.Asset) error {
	if asset == protocol.AssetNone {
		return status.Error(codes.InvalidArgument, "asset is required")
	}
	return nil
}

// accountOrCaller defaults account queries to the calling account.
func accountOrCaller(ctx context.Context, account uuid.UUID) (uuid.UUID, error) {
	if account != uuid.Nil {
		return account, nil
	}
	if caller, ok := CallerFrom(ctx); ok {
		return caller, nil
	}
	return uuid.Nil, status.Error(codes.InvalidArgument, "account or an API token is required")
}
