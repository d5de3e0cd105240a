package rpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin wrapper around a grpc.ClientConn that invokes the
// hand-registered RunControl methods using the JSON codec (see codec.go).
// Used by cmd/tracer to talk to a running cmd/tracerd daemon.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon's RPC listener at target (e.g.
// "unix:///run/tracer.sock" or "127.0.0.1:9090").
func Dial(ctx context.Context, target string) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

// NewClientFromConn wraps an already-established grpc.ClientConn (e.g. one
// dialed over a bufconn listener in tests).
func NewClientFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func method(name string) string {
	return "/" + serviceName + "/" + name
}

// StartRun calls start_run.
func (c *Client) StartRun(ctx context.Context, req *StartRunRequest) (*StartRunResponse, error) {
	resp := new(StartRunResponse)
	if err := c.conn.Invoke(ctx, method("StartRun"), req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// EndRun calls end_run.
func (c *Client) EndRun(ctx context.Context) error {
	return c.conn.Invoke(ctx, method("EndRun"), &EndRunRequest{}, new(EndRunResponse))
}

// Info calls info.
func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	resp := new(InfoResponse)
	if err := c.conn.Invoke(ctx, method("Info"), &InfoRequest{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// UpdateTags calls update_tags.
func (c *Client) UpdateTags(ctx context.Context, names []string) error {
	return c.conn.Invoke(ctx, method("UpdateTags"), &UpdateTagsRequest{Names: names}, new(UpdateTagsResponse))
}

// Log calls log.
func (c *Client) Log(ctx context.Context, message string) error {
	return c.conn.Invoke(ctx, method("Log"), &LogRequest{Message: message}, new(LogResponse))
}

// Alert calls alert.
func (c *Client) Alert(ctx context.Context, message string) error {
	return c.conn.Invoke(ctx, method("Alert"), &AlertRequest{Message: message}, new(AlertResponse))
}
