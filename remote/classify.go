package remote

import (
	"context"
	"errors"

	"github.com/Keksclan/goRawrCache/cacheerr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Classify maps a raw error from a Source into the cache's error taxonomy.
// Errors that already belong to the taxonomy pass through unchanged; gRPC
// status errors are mapped by code; anything unrecognised is treated as a
// transient remote failure.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if cacheerr.IsClassified(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &cacheerr.RemoteUnavailableError{Op: op, Err: err}
	}
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return &cacheerr.NotFoundError{}
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.AlreadyExists:
			return &cacheerr.ValidationError{Err: err}
		}
	}
	return &cacheerr.RemoteUnavailableError{Op: op, Err: err}
}
