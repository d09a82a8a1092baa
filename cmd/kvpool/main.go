// kvpool manages pooled connections to a key-value store, one pool per
// logical database.
//
// Usage:
//
//	kvpool [flags] ping
//	kvpool [flags] keys <pattern>
//	kvpool [flags] purge <pattern>
//	kvpool [flags] stats
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.kvpool/config.toml")
//	-url string
//	    Store URL (overrides config)
//	-db int
//	    Partition to use (overrides config)
//	-timeout duration
//	    Deadline for the command (default 30s)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
//
// The exit status is 0 on success and otherwise the error code from
// github.com/go-i2p/kvpool/lib/errors.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/go-i2p/kvpool/lib/config"
	apperrors "github.com/go-i2p/kvpool/lib/errors"
	"github.com/go-i2p/kvpool/lib/metrics"
	"github.com/go-i2p/kvpool/lib/partition"
	"github.com/go-i2p/kvpool/lib/store"
	"github.com/go-i2p/kvpool/lib/validation"
	"github.com/go-i2p/kvpool/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".kvpool", "config.toml")

	fs := flag.NewFlagSet("kvpool", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	url := fs.String("url", "", "Store URL (overrides config)")
	db := fs.Int("db", -1, "Partition to use (overrides config)")
	timeout := fs.Duration("timeout", 30*time.Second, "Deadline for the command")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "kvpool - pooled key-value store connections\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  kvpool [flags] ping             Check connectivity\n")
		fmt.Fprintf(stderr, "  kvpool [flags] keys <pattern>   List matching keys\n")
		fmt.Fprintf(stderr, "  kvpool [flags] purge <pattern>  Delete matching keys\n")
		fmt.Fprintf(stderr, "  kvpool [flags] stats            Show pool statistics\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return apperrors.CodeInvalidInput
	}

	if *showVersion {
		fmt.Fprintf(stdout, "kvpool version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return apperrors.CodeInvalidInput
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return apperrors.Code(err)
	}
	if *url != "" {
		cfg.Store.URL = *url
	}
	if *db >= 0 {
		cfg.Store.DefaultPartition = *db
	}

	m, err := partition.New(cfg)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return apperrors.Code(err)
	}

	metrics.RecordStartTime()
	if cfg.Metrics.Enabled {
		srv := serveMetrics(cfg.Metrics.Listen, logger)
		defer srv.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	logger.Debug("running command", "command", rest[0], "partition", cfg.Store.DefaultPartition, "version", version.Full())

	cmdErr := dispatch(ctx, m, rest, stdout)
	if cmdErr != nil {
		logger.Error("command failed", "command", rest[0], "error", cmdErr)
	}

	if err := m.Destroy(0); err != nil {
		logger.Error("shutdown error", "error", err)
		if cmdErr == nil {
			cmdErr = err
		}
	}
	return apperrors.Code(cmdErr)
}

func dispatch(ctx context.Context, m *partition.Manager, args []string, stdout io.Writer) error {
	switch args[0] {
	case "ping":
		return cmdPing(ctx, m, stdout)
	case "keys", "purge":
		if len(args) != 2 {
			return fmt.Errorf("usage: kvpool %s <pattern>: %w", args[0], apperrors.ErrInvalidInput)
		}
		if err := validation.Pattern("pattern", args[1]); err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
		}
		if args[0] == "keys" {
			return cmdKeys(ctx, m, args[1], stdout)
		}
		return cmdPurge(ctx, m, args[1], stdout)
	case "stats":
		return cmdStats(ctx, m, stdout)
	default:
		return fmt.Errorf("unknown command %q: %w", args[0], apperrors.ErrInvalidInput)
	}
}

// withConn borrows a connection for the duration of fn.
func withConn(ctx context.Context, m *partition.Manager, fn func(*store.Conn) error) error {
	conn, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer m.Release(context.Background(), conn)
	return fn(conn)
}

func cmdPing(ctx context.Context, m *partition.Manager, stdout io.Writer) error {
	return withConn(ctx, m, func(conn *store.Conn) error {
		start := time.Now()
		if !store.Validate(ctx, conn) {
			return apperrors.Connection("ping", fmt.Errorf("partition %d did not answer", conn.Partition()))
		}
		fmt.Fprintf(stdout, "PONG partition=%d rtt=%s\n", conn.Partition(), time.Since(start).Round(time.Microsecond))
		return nil
	})
}

func cmdKeys(ctx context.Context, m *partition.Manager, pattern string, stdout io.Writer) error {
	return withConn(ctx, m, func(conn *store.Conn) error {
		keys, err := conn.ScanKeys(ctx, pattern)
		if err != nil {
			return err
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintln(stdout, k)
		}
		return nil
	})
}

func cmdPurge(ctx context.Context, m *partition.Manager, pattern string, stdout io.Writer) error {
	return withConn(ctx, m, func(conn *store.Conn) error {
		n, err := conn.DeleteMatching(ctx, pattern)
		fmt.Fprintf(stdout, "deleted %d keys\n", n)
		return err
	})
}

func cmdStats(ctx context.Context, m *partition.Manager, stdout io.Writer) error {
	// Borrow once so the default partition has a pool to report.
	if err := withConn(ctx, m, func(*store.Conn) error { return nil }); err != nil {
		return err
	}

	stats := m.Stats()
	for _, p := range m.Partitions() {
		s := stats[p]
		fmt.Fprintf(stdout, "partition %d: open=%d idle=%d in_use=%d max=%d acquired=%d failed=%d\n",
			p, s.NumOpen, s.NumIdle, s.NumInUse, s.MaxSize, s.AcquireSuccess, s.AcquireFailed)
	}
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return srv
}
