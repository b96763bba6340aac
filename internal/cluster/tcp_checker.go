package cluster

import (
	"context"
	"net"
	"net/url"
	"time"
)

// TCPChecker is a HealthChecker that considers a node healthy iff its
// ConnectionURI's host:port accepts a TCP connection, adapted from the
// teacher's Service.checkBackendHealth (internal/load-balancer/service.go).
type TCPChecker struct {
	Timeout time.Duration
}

// NewTCPChecker builds a TCPChecker with a sane default dial timeout.
func NewTCPChecker(timeout time.Duration) *TCPChecker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TCPChecker{Timeout: timeout}
}

func (c *TCPChecker) Check(ctx context.Context, node *Node) (bool, error) {
	addr := node.ConnectionURI
	if u, err := url.Parse(node.ConnectionURI); err == nil && u.Host != "" {
		addr = u.Host
	}

	dialer := net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false, err
	}
	conn.Close()
	return true, nil
}
