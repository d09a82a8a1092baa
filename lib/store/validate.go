package store

import (
	"context"
	"time"
)

// ProbeTimeout bounds a liveness probe.
const ProbeTimeout = 3 * time.Second

// Validate reports whether conn answered a PING within ProbeTimeout and is
// still in the ready state. It never returns an error; failures are logged.
func Validate(ctx context.Context, conn *Conn) bool {
	return probe(ctx, conn, ProbeTimeout)
}

func probe(ctx context.Context, conn *Conn, timeout time.Duration) bool {
	if conn == nil {
		return false
	}
	if conn.Status().Terminal() || ctx.Err() != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The ping may outlive ctx; the select bounds the caller.
	result := make(chan error, 1)
	go func() {
		result <- conn.Ping(ctx).Err()
	}()

	select {
	case err := <-result:
		if err != nil {
			ProbeFailuresTotal.Inc()
			log.WithField("conn_id", conn.id).
				WithField("partition", conn.partition).
				WithError(err).
				Debug("liveness probe failed")
			return false
		}
	case <-ctx.Done():
		ProbeFailuresTotal.Inc()
		log.WithField("conn_id", conn.id).
			WithField("partition", conn.partition).
			WithField("timeout", timeout).
			Debug("liveness probe timed out")
		return false
	}

	return conn.Status() == StatusReady
}
