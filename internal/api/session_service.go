package api

import (
	"context"
	"time"

	"go.uber.org/zap"
)

func (s *Service) GetStatus(ctx context.Context, _ *GetStatusRequest) (*GetStatusResponse, error) {
	resp := &GetStatusResponse{
		Profile:  s.profile,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
	}
	if s.machine != nil {
		resp.Connection = string(s.machine.Current())
		resp.ConnectionSinceUnixMs = s.machine.Since().UnixMilli()
	}

	// Counts are best effort.
	if s.db != nil {
		if n, err := s.db.MessageCount(ctx); err == nil {
			resp.MessageCount = n
		} else {
			s.logger.Warn("message count failed", zap.Error(err))
		}
		if n, err := s.db.OutboxCount(ctx); err == nil {
			resp.OutboxCount = n
		} else {
			s.logger.Warn("outbox count failed", zap.Error(err))
		}
	}
	return resp, nil
}
