package runner

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// ClientConfig configures Dial.
type ClientConfig struct {
	// Endpoint is the server address.
	Endpoint string

	// MaxMessageSize bounds request and response sizes.
	MaxMessageSize int

	// KeepaliveTime is the interval between keepalive pings.
	KeepaliveTime time.Duration
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig(endpoint string) ClientConfig {
	return ClientConfig{
		Endpoint:       endpoint,
		MaxMessageSize: 64 << 20,
		KeepaliveTime:  time.Minute,
	}
}

// Client calls a runner service.
type Client struct {
	conn *grpc.ClientConn
	own  bool
}

// Dial connects to a runner service. Extra options are appended to the
// defaults.
func Dial(config ClientConfig, extra ...grpc.DialOption) (*Client, error) {
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                config.KeepaliveTime,
			Timeout:             20 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	}
	opts = append(opts, extra...)

	//nolint:staticcheck // grpc.Dial is kept for compatibility with older gRPC versions
	conn, err := grpc.Dial(config.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial runner: %w", err)
	}
	return &Client{conn: conn, own: true}, nil
}

// NewClient wraps an existing connection. Close leaves conn open.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return c.conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(codec{}))
}

// Run executes one call on the server.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	resp := new(RunResponse)
	if err := c.invoke(ctx, methodRun, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Import stores an image on the server.
func (c *Client) Import(ctx context.Context, name string, image []byte) (*ImageInfo, error) {
	resp := new(ImageInfo)
	if err := c.invoke(ctx, methodImport, &ImportRequest{Name: name, Image: image}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// List returns the server's stored images.
func (c *Client) List(ctx context.Context) ([]ImageInfo, error) {
	resp := new(ListResponse)
	if err := c.invoke(ctx, methodList, &ListRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// Close closes the connection if the client dialed it.
func (c *Client) Close() error {
	if c.own {
		return c.conn.Close()
	}
	return nil
}
