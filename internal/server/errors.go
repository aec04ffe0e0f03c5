package server

import (
	"context"
	"errors"

	"LendLedger/internal/protocol"
	"LendLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a service error onto a gRPC status. The protocol error code
// leads the message so clients can match on it.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, query.ErrNoDatabase):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, protocol.ErrPoolNotFound):
		return status.Error(codes.NotFound, err.Error())
	}
	return status.Error(codeOf(protocol.KindOf(err)), err.Error())
}

func codeOf(kind protocol.Kind) codes.Code {
	switch kind {
	case protocol.KindAuthorization:
		return codes.PermissionDenied
	case protocol.KindConfiguration:
		return codes.InvalidArgument
	case protocol.KindOperationGated, protocol.KindInsufficientFunds, protocol.KindSolvency:
		return codes.FailedPrecondition
	case protocol.KindArithmetic:
		return codes.OutOfRange
	case protocol.KindExternal:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
