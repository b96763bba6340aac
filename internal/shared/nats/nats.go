// Package nats wraps a NATS connection for the management-command
// transport. Adapted from the teacher's internal/shared/nats.Client, with
// the database-adjacent config.NATSConfig coupling dropped in favor of a
// small local Config — this package has nothing to do with persistence,
// it only carries CONFIG/ENABLE-APP/... envelopes to the cluster core.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Config configures the NATS connection.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Client wraps a *nats.Conn with the handful of operations
// cmd/clustermuxd needs.
type Client struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewClient connects to the configured NATS server.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []nats.Option{
		nats.Name("clustermuxd"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger.Info("connected to NATS", "url", cfg.URL)
	return &Client{conn: conn, logger: logger}, nil
}

// Subscribe creates a subscription to subject.
func (c *Client) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(subject, handler)
}

// QueueSubscribe creates a queue subscription, spreading delivery across
// every clustermuxd instance in the same queue group.
func (c *Client) QueueSubscribe(subject, queueGroup string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(subject, queueGroup, handler)
}

// Publish publishes a reply or event.
func (c *Client) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Close closes the NATS connection.
func (c *Client) Close() error {
	if c.conn != nil {
		c.conn.Close()
		c.logger.Info("NATS connection closed")
	}
	return nil
}
