package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls the daemon API.
type Client struct {
	conn grpc.ClientConnInterface
	// closer is nil when the connection is owned by the caller.
	closer interface{ Close() error }
}

// Dial connects to the daemon's Unix domain socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, closer: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, fullMethod(method), in, out, grpc.CallContentSubtype(CodecName))
}

func (c *Client) GetStatus(ctx context.Context) (*GetStatusResponse, error) {
	out := new(GetStatusResponse)
	if err := c.invoke(ctx, "GetStatus", &GetStatusRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	out := new(SendMessageResponse)
	if err := c.invoke(ctx, "SendMessage", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	out := new(ListMessagesResponse)
	if err := c.invoke(ctx, "ListMessages", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ListOutbox(ctx context.Context, limit int) (*ListOutboxResponse, error) {
	out := new(ListOutboxResponse)
	if err := c.invoke(ctx, "ListOutbox", &ListOutboxRequest{Limit: limit}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ClearOutbox(ctx context.Context) (*ClearOutboxResponse, error) {
	out := new(ClearOutboxResponse)
	if err := c.invoke(ctx, "ClearOutbox", &ClearOutboxRequest{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RetryOutbox(ctx context.Context, clientID string) (*RetryOutboxResponse, error) {
	out := new(RetryOutboxResponse)
	if err := c.invoke(ctx, "RetryOutbox", &RetryOutboxRequest{ClientID: clientID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) UpdateStatus(ctx context.Context, messageID, status string) error {
	return c.invoke(ctx, "UpdateStatus", &UpdateStatusRequest{MessageID: messageID, Status: status}, &UpdateStatusResponse{})
}

// EventReceiver is the client side of WatchEvents.
type EventReceiver interface {
	Recv() (*Event, error)
}

type eventReceiver struct {
	grpc.ClientStream
}

func (r *eventReceiver) Recv() (*Event, error) {
	e := new(Event)
	if err := r.ClientStream.RecvMsg(e); err != nil {
		return nil, err
	}
	return e, nil
}

// WatchEvents subscribes to daemon events whose kind starts with prefix.
// The stream ends when ctx is cancelled.
func (c *Client) WatchEvents(ctx context.Context, prefix string) (EventReceiver, error) {
	stream, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], fullMethod("WatchEvents"), grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&WatchEventsRequest{Prefix: prefix}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &eventReceiver{stream}, nil
}
