package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"trustsync/pkg/replication"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a replication.Transport backed by a remote replica server
type Client struct {
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ replication.Transport = (*Client)(nil)

// Dial creates a client for address. A nil tlsConfig dials without
// transport security. The connection is established lazily and
// reconnects with exponential backoff.
func Dial(address string, tlsConfig *tls.Config, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	backoffConfig := backoff.Config{
		BaseDelay:  1 * time.Second,
		Multiplier: 1.5,
		Jitter:     0.2,
		MaxDelay:   30 * time.Second,
	}

	dialOpts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff:           backoffConfig,
			MinConnectTimeout: 5 * time.Second,
		}),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	}
	if tlsConfig != nil {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create replica client for %s: %w", address, err)
	}

	logger.Debug("Replica client created",
		zap.String("address", address),
		zap.Bool("tls", tlsConfig != nil))
	return &Client{conn: conn, logger: logger}, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) List(ctx context.Context, prefix, since string) (replication.ListResult, error) {
	var out replication.ListResult
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/List", &ListRequest{Prefix: prefix, Since: since}, &out); err != nil {
		return replication.ListResult{}, err
	}
	return out, nil
}

func (c *Client) Get(ctx context.Context, key string) (*replication.Item, error) {
	var out GetResponse
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/Get", &GetRequest{Key: key}, &out); err != nil {
		return nil, err
	}
	return out.Item, nil
}

func (c *Client) Put(ctx context.Context, key, value string, updatedAt int64) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/Put", &PutRequest{Key: key, Value: value, UpdatedAt: updatedAt}, &Ack{})
}

func (c *Client) Del(ctx context.Context, key string, updatedAt int64) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/Del", &DelRequest{Key: key, UpdatedAt: updatedAt}, &Ack{})
}
