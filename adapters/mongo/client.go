package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Options controls the transcript store connection pool
type Options struct {
	URI      string
	Database string

	MaxPoolSize            uint64
	MinPoolSize            uint64
	MaxConnIdleTime        time.Duration
	ServerSelectionTimeout time.Duration
	ConnectTimeout         time.Duration
}

func (o Options) clientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(o.URI)
	if o.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(o.MaxPoolSize)
	}
	if o.MinPoolSize > 0 && o.MinPoolSize <= o.MaxPoolSize {
		opts.SetMinPoolSize(o.MinPoolSize)
	}
	if o.MaxConnIdleTime > 0 {
		opts.SetMaxConnIdleTime(o.MaxConnIdleTime)
	}
	if o.ServerSelectionTimeout > 0 {
		opts.SetServerSelectionTimeout(o.ServerSelectionTimeout)
	}
	if o.ConnectTimeout > 0 {
		opts.SetConnectTimeout(o.ConnectTimeout)
	}
	return opts
}

// Client holds the transcript database handle
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient connects and pings before handing back the transcript database
func NewClient(ctx context.Context, o Options, logger *zap.Logger) (*Client, error) {
	if o.URI == "" {
		return nil, errors.New("mongo: URI is required")
	}
	if o.Database == "" {
		o.Database = "voxbridge"
	}

	dialTimeout := o.ConnectTimeout + o.ServerSelectionTimeout
	if dialTimeout <= 0 {
		dialTimeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, o.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping %s: %w", o.Database, err)
	}

	logger.Info("Transcript store connected",
		zap.String("database", o.Database),
		zap.Uint64("max_pool", o.MaxPoolSize))

	return &Client{
		Client:   client,
		Database: client.Database(o.Database),
		logger:   logger,
	}, nil
}

// Close disconnects the pool, waiting for in-flight writes up to ctx
func (c *Client) Close(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		c.logger.Error("Transcript store disconnect failed", zap.Error(err))
		return err
	}
	c.logger.Info("Transcript store disconnected")
	return nil
}
