package api

import (
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// WatchEvents streams bus events until the client goes away.
func (s *Service) WatchEvents(req *WatchEventsRequest, stream EventStream) error {
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not configured")
	}
	ch, unsub := s.bus.Subscribe(req.Prefix, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			if err := stream.Send(eventFromBus(uuid.NewString(), evt)); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}
