package api

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified name of the daemon service.
const ServiceName = "p2pchat.v1.MessageService"

// MessageServiceServer is the server side of the daemon API.
type MessageServiceServer interface {
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
	SendMessage(context.Context, *SendMessageRequest) (*SendMessageResponse, error)
	ListMessages(context.Context, *ListMessagesRequest) (*ListMessagesResponse, error)
	ListOutbox(context.Context, *ListOutboxRequest) (*ListOutboxResponse, error)
	ClearOutbox(context.Context, *ClearOutboxRequest) (*ClearOutboxResponse, error)
	RetryOutbox(context.Context, *RetryOutboxRequest) (*RetryOutboxResponse, error)
	UpdateStatus(context.Context, *UpdateStatusRequest) (*UpdateStatusResponse, error)
	WatchEvents(*WatchEventsRequest, EventStream) error
}

// EventStream is the server side of WatchEvents.
type EventStream interface {
	Send(*Event) error
	grpc.ServerStream
}

type eventStream struct {
	grpc.ServerStream
}

func (s *eventStream) Send(e *Event) error {
	return s.ServerStream.SendMsg(e)
}

// ServiceDesc describes MessageService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MessageServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", MessageServiceServer.GetStatus),
		unary("SendMessage", MessageServiceServer.SendMessage),
		unary("ListMessages", MessageServiceServer.ListMessages),
		unary("ListOutbox", MessageServiceServer.ListOutbox),
		unary("ClearOutbox", MessageServiceServer.ClearOutbox),
		unary("RetryOutbox", MessageServiceServer.RetryOutbox),
		unary("UpdateStatus", MessageServiceServer.UpdateStatus),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			Handler:       watchEventsHandler,
			ServerStreams: true,
		},
	},
}

// Register attaches impl to srv.
func Register(srv grpc.ServiceRegistrar, impl MessageServiceServer) {
	srv.RegisterService(&ServiceDesc, impl)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(MessageServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(MessageServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(MessageServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

func watchEventsHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(MessageServiceServer).WatchEvents(in, &eventStream{stream})
}
