package api

import (
	"context"

	"github.com/agonn78/p2p-chat/internal/chat"
	"github.com/agonn78/p2p-chat/internal/messenger"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func (s *Service) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	conv, err := conversation(req.Kind, req.TargetID)
	if err != nil {
		return nil, err
	}
	if req.Content == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "content is required")
	}

	msg, err := s.messenger.Send(ctx, messenger.SendParams{
		Conversation: conv,
		ScopeID:      req.ScopeID,
		Content:      req.Content,
		Nonce:        req.Nonce,
		ClientID:     req.ClientID,
	})
	if msg == nil {
		return nil, toStatus("send message", err)
	}
	resp := &SendMessageResponse{Message: messageFromChat(msg)}
	if err != nil {
		resp.Error = err.Error()
	}
	return resp, nil
}

func (s *Service) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	conv, err := conversation(req.Kind, req.TargetID)
	if err != nil {
		return nil, err
	}

	page, err := s.messenger.Fetch(ctx, conv, req.Before, req.Limit)
	if err != nil {
		return nil, toStatus("list messages", err)
	}

	resp := &ListMessagesResponse{
		Messages: make([]Message, 0, len(page.Messages)),
		Source:   string(page.Source),
	}
	for i := range page.Messages {
		resp.Messages = append(resp.Messages, messageFromChat(&page.Messages[i]))
	}
	if len(resp.Messages) > 0 {
		resp.NextBefore = resp.Messages[0].LocalID
	}
	if page.RemoteErr != nil {
		resp.RemoteError = page.RemoteErr.Error()
	}
	return resp, nil
}

func (s *Service) UpdateStatus(ctx context.Context, req *UpdateStatusRequest) (*UpdateStatusResponse, error) {
	if req.MessageID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "message_id is required")
	}
	st, err := chat.ParseStatus(req.Status)
	if err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.sync.UpdateStatusByID(ctx, req.MessageID, st); err != nil {
		return nil, toStatus("update status", err)
	}
	return &UpdateStatusResponse{}, nil
}

func conversation(kind, target string) (chat.Conversation, error) {
	k, err := chat.ParseKind(kind)
	if err != nil {
		return chat.Conversation{}, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if target == "" {
		return chat.Conversation{}, grpcstatus.Error(codes.InvalidArgument, "target_id is required")
	}
	return chat.Conversation{Kind: k, TargetID: target}, nil
}
