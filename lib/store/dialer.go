package store

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/go-i2p/kvpool/lib/errors"
	"github.com/go-i2p/kvpool/lib/metrics"
)

// Reconnect backoff bounds. Redial attempt n waits min(n*ReconnectStep, MaxReconnectDelay).
const (
	ReconnectStep     = 50 * time.Millisecond
	MaxReconnectDelay = time.Second
)

// ReconnectDelay returns how long to wait before redial attempt n (n >= 1).
func ReconnectDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := time.Duration(attempt) * ReconnectStep
	if d > MaxReconnectDelay {
		return MaxReconnectDelay
	}
	return d
}

// DialerConfig holds the settings shared by every connection a Dialer creates.
type DialerConfig struct {
	// URL is the store endpoint (redis://, rediss:// or unix://).
	URL string
	// ConnectTimeout bounds establishing a connection.
	ConnectTimeout time.Duration
	// EnableTLS forces TLS and skips certificate verification.
	EnableTLS bool
}

// Dialer creates connections bound to a partition.
type Dialer struct {
	cfg DialerConfig
}

// NewDialer returns a Dialer. The URL is parsed on every Dial so a malformed
// URL surfaces to whoever asked for the connection.
func NewDialer(cfg DialerConfig) *Dialer {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	return &Dialer{cfg: cfg}
}

// Dial creates a connection bound to partition and waits until it answers a
// PING or the connect timeout elapses. Failures match errors.ErrConnection.
func (d *Dialer) Dial(ctx context.Context, partition int) (*Conn, error) {
	if partition < 0 {
		return nil, apperrors.ErrNegativePartition
	}

	opts, err := d.options(partition)
	if err != nil {
		return nil, apperrors.Connection("parse store url", err)
	}
	c := newConn(opts, partition)

	ctx, cancel := context.WithTimeout(ctx, d.cfg.ConnectTimeout)
	defer cancel()

	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, apperrors.Connection(fmt.Sprintf("connect partition %d", partition), err)
	}

	log.WithField("conn_id", c.id).WithField("partition", partition).Debug("connection established")
	return c, nil
}

func (d *Dialer) options(partition int) (*redis.Options, error) {
	opts, err := redis.ParseURL(d.cfg.URL)
	if err != nil {
		return nil, err
	}
	opts.DB = partition
	opts.DialTimeout = d.cfg.ConnectTimeout
	opts.ContextTimeoutEnabled = true
	// One socket per Conn so a SELECT applies to every later command.
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	opts.MinRetryBackoff = ReconnectStep
	opts.MaxRetryBackoff = MaxReconnectDelay
	if d.cfg.EnableTLS {
		if opts.TLSConfig == nil {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		opts.TLSConfig.InsecureSkipVerify = true
	}
	return opts, nil
}

// newConn builds a Conn without touching the network.
func newConn(opts *redis.Options, partition int) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		partition: partition,
		status:    StatusConnecting,
	}
	opts.OnConnect = func(ctx context.Context, _ *redis.Conn) error {
		if prev, changed := c.setStatus(StatusReady); changed && prev == StatusReconnecting {
			log.WithField("conn_id", c.id).WithField("partition", c.partition).Info("connection restored")
		}
		return nil
	}
	c.Client = redis.NewClient(opts)
	c.AddHook(connHook{conn: c})
	return c
}

// connHook observes dials and command results. It applies the reconnect
// delay and turns socket failures into status changes and warnings; it never
// changes the error a caller sees.
type connHook struct {
	conn *Conn
}

func (h connHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		c := h.conn
		if n := int(c.failures.Load()); n > 0 {
			metrics.ReconnectionAttempts.Inc()
			t := time.NewTimer(ReconnectDelay(n))
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}

		nc, err := next(ctx, network, addr)
		if err != nil {
			c.failures.Add(1)
			DialFailuresTotal.Inc()
			h.fault(err, "dial failed")
			return nil, err
		}
		if c.failures.Swap(0) > 0 {
			metrics.ReconnectionSuccesses.Inc()
		}
		DialsTotal.Inc()
		return nc, nil
	}
}

func (h connHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if isConnectionFault(err) && ctx.Err() == nil {
			h.fault(err, "command "+cmd.Name()+" failed")
		}
		return err
	}
}

func (h connHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if isConnectionFault(err) && ctx.Err() == nil {
			h.fault(err, "pipeline failed")
		}
		return err
	}
}

// fault records a background connection error. Errors seen before the first
// successful handshake belong to Dial's caller and are not logged here.
func (h connHook) fault(err error, what string) {
	c := h.conn
	prev, changed := c.setStatus(StatusReconnecting)
	if prev == StatusConnecting || prev.Terminal() {
		if changed {
			c.setStatus(StatusConnecting)
		}
		return
	}
	ConnectionFaultsTotal.Inc()
	log.WithField("conn_id", c.id).
		WithField("partition", c.partition).
		WithError(err).
		Warn("store connection fault: " + what)
}

// errPoolTimeoutText is go-redis' message for a command that waited too long
// for the client's single socket. The sentinel is not exported.
const errPoolTimeoutText = "redis: connection pool timeout"

// isConnectionFault separates socket-level failures from replies, caller
// cancellation or deadlines, and waits for the socket another command holds.
// A command that fails after its caller's context ended is not a fault either;
// the hooks check that separately.
func isConnectionFault(err error) bool {
	if err == nil || errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if err.Error() == errPoolTimeoutText {
		return false
	}
	var replyErr redis.Error
	return !errors.As(err, &replyErr)
}
