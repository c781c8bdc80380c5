// Package docstore owns the process-wide MongoDB handle.
//
// The client is created on first use and then shared by every store for the life of
// the process. A failed connect is not cached; the next caller retries.
package docstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

var ErrNotConfigured = errors.New("docstore: mongodb uri not configured")

// Config describes the Mongo deployment.
type Config struct {
	URI            string
	Database       string
	ConnectTimeout time.Duration
	MaxPoolSize    uint64
}

// Connector opens a client. Tests replace it.
type Connector func(ctx context.Context, cfg Config) (*mongo.Client, error)

// Handle lazily connects and caches the client.
type Handle struct {
	cfg     Config
	connect Connector

	mu     sync.Mutex
	client *mongo.Client
}

// NewHandle returns a Handle that has not connected yet.
func NewHandle(cfg Config) *Handle {
	if strings.TrimSpace(cfg.Database) == "" {
		cfg.Database = "voicegate"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Handle{cfg: cfg, connect: Connect}
}

// WithConnector swaps the connector; used by tests.
func (h *Handle) WithConnector(c Connector) *Handle {
	if c != nil {
		h.connect = c
	}
	return h
}

// Client returns the shared client, connecting on first call.
func (h *Handle) Client(ctx context.Context) (*mongo.Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.client != nil {
		return h.client, nil
	}
	if strings.TrimSpace(h.cfg.URI) == "" {
		return nil, ErrNotConfigured
	}

	cctx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	c, err := h.connect(cctx, h.cfg)
	if err != nil {
		return nil, err
	}
	h.client = c
	return c, nil
}

// Database returns the configured database on the shared client.
func (h *Handle) Database(ctx context.Context) (*mongo.Database, error) {
	c, err := h.Client(ctx)
	if err != nil {
		return nil, err
	}
	return c.Database(h.cfg.Database), nil
}

// Connected reports whether a client has been established.
func (h *Handle) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.client != nil
}

// Ping checks primary reachability. It connects if needed.
func (h *Handle) Ping(ctx context.Context, timeout time.Duration) error {
	c, err := h.Client(ctx)
	if err != nil {
		return err
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.Ping(pctx, readpref.Primary())
}

// Close disconnects the client if one was established.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Disconnect(ctx)
}

// Connect is the production Connector.
func Connect(ctx context.Context, cfg Config) (*mongo.Client, error) {
	opts := options.Client().ApplyURI(cfg.URI).SetAppName("voicegate")
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}
	c, err := mongo.Connect(opts)
	if err != nil {
		return nil, err
	}
	if err := c.Ping(ctx, readpref.Primary()); err != nil {
		_ = c.Disconnect(context.Background())
		return nil, err
	}
	return c, nil
}
