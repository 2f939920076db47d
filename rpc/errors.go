package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/blitedb/blite/fault"
)

// asStatus maps a fault to its grpc status. Context errors pass through
// with their conventional codes.
func asStatus(err error) error {
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
	}
	var code codes.Code
	switch fault.KindOf(err) {
	case fault.MissingKey:
		code = codes.Unauthenticated
	case fault.InactiveUser, fault.PermissionDenied:
		code = codes.PermissionDenied
	case fault.NotFound:
		code = codes.NotFound
	case fault.Conflict:
		code = codes.AlreadyExists
	case fault.InvalidInput:
		code = codes.InvalidArgument
	case fault.SemanticFailure:
		code = codes.FailedPrecondition
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}
