package daemon

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls a running daemon's admin service.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to a daemon at target (host:port). The admin service is
// served without TLS and is expected to bind to loopback.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to daemon at %s: %w", target, err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves it open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Call invokes method with req encoded as JSON and decodes the response
// into resp. Either may be nil.
func (c *Client) Call(ctx context.Context, method string, req, resp any) error {
	in := &structpb.Struct{}
	if req != nil {
		encoded, err := encodeStruct(req)
		if err != nil {
			return err
		}
		in = encoded
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return err
	}
	if resp == nil {
		return nil
	}
	return decodeStruct(out, resp)
}

// Status fetches daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.Call(ctx, MethodStatus, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Close releases a connection opened by Dial.
func (c *Client) Close() error {
	if !c.own {
		return nil
	}
	return c.conn.Close()
}
