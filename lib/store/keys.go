package store

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/go-i2p/kvpool/lib/errors"
)

const (
	// ScanCount is the COUNT hint sent with every SCAN round.
	ScanCount = 1000
	// MaxConcurrentDeletes bounds the UNLINK batches in flight at once.
	MaxConcurrentDeletes = 4
)

// ScanKeys returns every key in the selected partition matching pattern,
// iterating with SCAN instead of KEYS. Keys reported twice by the cursor are
// returned once. On error no keys are returned and the error matches
// errors.ErrOperation.
func (c *Conn) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
		seen   = make(map[string]struct{})
	)
	for {
		batch, next, err := c.Scan(ctx, cursor, pattern, ScanCount).Result()
		if err != nil {
			return nil, apperrors.Operation(fmt.Sprintf("scan %q", pattern), err)
		}
		ScanRoundsTotal.Inc()
		for _, k := range batch {
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	log.WithField("conn_id", c.id).
		WithField("pattern", pattern).
		WithField("count", len(keys)).
		Debug("scanned keys")
	return keys, nil
}

// DeleteMatching removes every key matching pattern and returns how many keys
// the store confirmed removed. Each SCAN round is unlinked as one batch while
// scanning continues. A failed batch is logged and counts as zero. If the
// scan itself fails, DeleteMatching waits for the batches already issued,
// logs what they removed and returns 0 with an error matching
// errors.ErrOperation; keys removed before the failure stay removed.
func (c *Conn) DeleteMatching(ctx context.Context, pattern string) (int64, error) {
	var (
		total  atomic.Int64
		cursor uint64
		rounds int
	)
	g := new(errgroup.Group)
	g.SetLimit(MaxConcurrentDeletes)

	var scanErr error
	for {
		batch, next, err := c.Scan(ctx, cursor, pattern, ScanCount).Result()
		if err != nil {
			scanErr = apperrors.Operation(fmt.Sprintf("scan %q", pattern), err)
			break
		}
		ScanRoundsTotal.Inc()
		rounds++

		if len(batch) > 0 {
			round := rounds
			g.Go(func() error {
				n, err := c.Unlink(ctx, batch...).Result()
				if err != nil {
					DeleteBatchFailuresTotal.Inc()
					log.WithField("conn_id", c.id).
						WithField("pattern", pattern).
						WithField("round", round).
						WithField("keys", len(batch)).
						WithError(err).
						Warn("delete batch failed")
					return nil
				}
				total.Add(n)
				KeysDeletedTotal.Add(uint64(n))
				return nil
			})
		}

		if next == 0 {
			break
		}
		cursor = next
	}

	// Batch goroutines never return an error.
	_ = g.Wait()

	deleted := total.Load()
	if scanErr != nil {
		log.WithField("conn_id", c.id).
			WithField("pattern", pattern).
			WithField("rounds", rounds).
			WithField("deleted", deleted).
			WithError(scanErr).
			Warn("bulk delete aborted by scan failure")
		return 0, scanErr
	}
	log.WithField("conn_id", c.id).
		WithField("pattern", pattern).
		WithField("rounds", rounds).
		WithField("deleted", deleted).
		Debug("bulk delete finished")
	return deleted, scanErr
}
