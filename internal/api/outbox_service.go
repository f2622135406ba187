package api

import (
	"context"
	"strings"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func (s *Service) ListOutbox(ctx context.Context, req *ListOutboxRequest) (*ListOutboxResponse, error) {
	items, err := s.sync.ListOutbox(ctx, req.Limit)
	if err != nil {
		return nil, toStatus("list outbox", err)
	}
	resp := &ListOutboxResponse{Entries: make([]OutboxEntry, 0, len(items))}
	for i := range items {
		resp.Entries = append(resp.Entries, outboxFromChat(&items[i]))
	}
	return resp, nil
}

func (s *Service) ClearOutbox(ctx context.Context, _ *ClearOutboxRequest) (*ClearOutboxResponse, error) {
	n, err := s.sync.ClearOutbox(ctx)
	if err != nil {
		return nil, toStatus("clear outbox", err)
	}
	return &ClearOutboxResponse{Removed: n}, nil
}

func (s *Service) RetryOutbox(ctx context.Context, req *RetryOutboxRequest) (*RetryOutboxResponse, error) {
	id := strings.TrimSpace(req.ClientID)
	if id == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "client_id is required")
	}
	if s.retrier == nil {
		return nil, grpcstatus.Error(codes.Unavailable, "outbox retrier not running")
	}

	msg, err := s.retrier.RetryNow(ctx, id)
	if msg == nil {
		return nil, toStatus("retry outbox", err)
	}
	resp := &RetryOutboxResponse{Message: messageFromChat(msg)}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}
