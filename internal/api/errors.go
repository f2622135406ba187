package api

import (
	"context"
	"errors"

	"github.com/agonn78/p2p-chat/internal/messenger"
	"github.com/agonn78/p2p-chat/internal/outbox"
	"github.com/agonn78/p2p-chat/internal/store"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// toStatus maps a domain error onto a gRPC status error.
func toStatus(op string, err error) error {
	var fetchErr *messenger.FetchError
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, outbox.ErrUnknownEntry):
		code = codes.NotFound
	case errors.Is(err, outbox.ErrInFlight):
		code = codes.FailedPrecondition
	case errors.Is(err, store.ErrInvalidMessage):
		code = codes.InvalidArgument
	case errors.Is(err, store.ErrConflict):
		code = codes.Aborted
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.As(err, &fetchErr):
		code = codes.Unavailable
	}
	return grpcstatus.Errorf(code, "%s: %v", op, err)
}
