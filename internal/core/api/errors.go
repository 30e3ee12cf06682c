package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/condfmt/internal/types"
)

// Error mapping for rule operations.
// Auth errors mapped in auth package interceptor.
// Validation and index errors map to INVALID_ARGUMENT.
// Unresolvable tables, columns, sections and fields map to NOT_FOUND.
// Exhausted retries and partial replaces map to ABORTED (caller re-lists, then retries).
// Context timeouts map to DEADLINE_EXCEEDED.
// Everything else (transport, remote rejections) maps to UNAVAILABLE.

// errBadRequest marks request bodies that could not be decoded.
var errBadRequest = errors.New("malformed request")

// toStatus converts an operation error into a gRPC status error.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Unavailable
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, types.ErrPartialReplace), errors.Is(err, types.ErrRetriesExhausted):
		code = codes.Aborted
	case errors.Is(err, errBadRequest),
		errors.Is(err, types.ErrInvalidFormula),
		errors.Is(err, types.ErrInvalidStyle),
		errors.Is(err, types.ErrInvalidTarget),
		errors.Is(err, types.ErrRuleIndexOutOfRange),
		errors.Is(err, types.ErrInconsistentRules):
		code = codes.InvalidArgument
	case errors.Is(err, types.ErrNotFound):
		code = codes.NotFound
	}
	return status.Error(code, err.Error())
}
