package store

import "github.com/go-i2p/kvpool/lib/metrics"

// Store connection metrics
var (
	// DialsTotal is the number of successful socket dials, including redials.
	DialsTotal = metrics.NewCounter(
		"kvpool_store_dials_total",
		"Total number of successful store dials",
	)
	// DialFailuresTotal is the number of failed socket dials.
	DialFailuresTotal = metrics.NewCounter(
		"kvpool_store_dial_failures_total",
		"Total number of failed store dials",
	)
	// ConnectionFaultsTotal counts background connection errors reported as warnings.
	ConnectionFaultsTotal = metrics.NewCounter(
		"kvpool_store_connection_faults_total",
		"Total number of connection faults observed after creation",
	)
	// ProbeFailuresTotal counts liveness probes that failed or timed out.
	ProbeFailuresTotal = metrics.NewCounter(
		"kvpool_store_probe_failures_total",
		"Total number of failed liveness probes",
	)
	// ScanRoundsTotal counts keyspace iteration rounds.
	ScanRoundsTotal = metrics.NewCounter(
		"kvpool_store_scan_rounds_total",
		"Total number of keyspace iteration rounds",
	)
	// KeysDeletedTotal counts keys removed by bulk deletes.
	KeysDeletedTotal = metrics.NewCounter(
		"kvpool_store_keys_deleted_total",
		"Total number of keys removed by bulk deletes",
	)
	// DeleteBatchFailuresTotal counts bulk delete batches that failed.
	DeleteBatchFailuresTotal = metrics.NewCounter(
		"kvpool_store_delete_batch_failures_total",
		"Total number of bulk delete batches that failed",
	)
)
