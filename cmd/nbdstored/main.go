// Command nbdstored runs the NBD-over-S3 block device server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nbdstore/nbdstore/internal/lease"
	"github.com/nbdstore/nbdstore/internal/logger"
	"github.com/nbdstore/nbdstore/internal/objectstore"
	"github.com/nbdstore/nbdstore/internal/server"
	"github.com/nbdstore/nbdstore/internal/session"
	"github.com/nbdstore/nbdstore/pkg/config"
)

// Exit codes per spec.md §6.
const (
	exitClean         = 0
	exitConfigError   = 1
	exitListenFailure = 2
	exitStorageError  = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nbdstored: %v\n", err)
		return exitConfigError
	}

	logger.SetLevel(cfg.Logging.Level)
	if out, err := openLogOutput(cfg.Logging.Output); err == nil {
		logger.SetOutput(out)
	} else {
		logger.Warn("nbdstored: could not open log output %q: %v", cfg.Logging.Output, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := objectstore.New(ctx, objectstore.Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		Bucket:    cfg.S3.Bucket,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Insecure:  cfg.S3.Insecure,
	})
	if err != nil {
		logger.Error("nbdstored: construct object store: %v", err)
		return exitStorageError
	}

	leases := lease.New(lease.Config{
		Store:             store,
		TTL:               cfg.Lease.TTL(),
		HeartbeatInterval: cfg.Lease.HeartbeatInterval(),
	})

	resolver := staticExportResolver{size: cfg.Server.ExportSizeBytes}

	srv := server.New(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port), session.Config{
		Store:            store,
		Leases:           leases,
		Exports:          resolver,
		FlushParallelism: cfg.Server.FlushParallelism,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("nbdstored: serve: %v", err)
			return exitListenFailure
		}
	case <-ctx.Done():
		logger.Info("nbdstored: shutdown signal received, draining")
		if err := <-errCh; err != nil {
			logger.Error("nbdstored: serve: %v", err)
			return exitListenFailure
		}
	}

	logger.Info("nbdstored: clean shutdown")
	return exitClean
}

func openLogOutput(target string) (*os.File, error) {
	switch target {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	default:
		return os.OpenFile(target, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	}
}

// staticExportResolver gives every export name the same configured size,
// matching spec.md §3: exports are created implicitly on first reference
// with no per-export size registry in this design.
type staticExportResolver struct {
	size uint64
}

func (r staticExportResolver) ExportSize(name string) uint64 {
	return r.size
}
