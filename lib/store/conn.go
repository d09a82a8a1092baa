// Package store wraps a single key-value store connection bound to one
// logical database ("partition"). A Conn passes every native command through
// to the underlying go-redis client and adds status tracking, a liveness
// probe, and incremental bulk key operations.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// Status is the connection state as observed through the client's dial and
// command hooks.
type Status string

const (
	// StatusConnecting is the state of a connection that has not completed its first handshake.
	StatusConnecting Status = "connecting"
	// StatusReady means the socket is established and the partition is selected.
	StatusReady Status = "ready"
	// StatusReconnecting means the socket failed and the client will redial on next use.
	StatusReconnecting Status = "reconnecting"
	// StatusClosing is set while Close is in progress.
	StatusClosing Status = "closing"
	// StatusClosed is terminal.
	StatusClosed Status = "closed"
)

// Terminal reports whether the status is closing or closed.
func (s Status) Terminal() bool {
	return s == StatusClosing || s == StatusClosed
}

// Conn is a managed connection to the store. The embedded client is
// configured with a single socket, so SELECT issued through it sticks until
// Reselect or a redial.
type Conn struct {
	*redis.Client

	id        string
	partition int

	mu     sync.Mutex
	status Status

	// consecutive failed dials, drives the reconnect delay
	failures atomic.Int32
}

// ID returns a unique identifier used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Partition returns the home partition the connection was created for.
func (c *Conn) Partition() int {
	return c.partition
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// setStatus moves to next unless the connection is already closing or closed.
func (c *Conn) setStatus(next Status) (prev Status, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev = c.status
	if prev.Terminal() || prev == next {
		return prev, false
	}
	c.status = next
	return prev, true
}

// Reselect switches the connection back to its home partition.
func (c *Conn) Reselect(ctx context.Context) error {
	if err := c.Do(ctx, "SELECT", c.partition).Err(); err != nil {
		return fmt.Errorf("select partition %d: %w", c.partition, err)
	}
	return nil
}

// Close closes the underlying client. It is safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.status.Terminal() {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusClosing
	c.mu.Unlock()

	err := c.Client.Close()
	if errors.Is(err, redis.ErrClosed) {
		err = nil
	}

	c.mu.Lock()
	c.status = StatusClosed
	c.mu.Unlock()

	log.WithField("conn_id", c.id).WithField("partition", c.partition).Debug("connection closed")
	return err
}

// String implements fmt.Stringer for log output.
func (c *Conn) String() string {
	return fmt.Sprintf("conn %s (partition %d, %s)", c.id, c.partition, c.Status())
}
