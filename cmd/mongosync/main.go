// Command mongosync performs a one-way initial copy plus continuous oplog
// replication from a MongoDB source into a MongoDB or Elasticsearch
// destination.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nodestorage/mongosync/internal/checkpoint"
	"github.com/nodestorage/mongosync/internal/config"
	"github.com/nodestorage/mongosync/internal/core"
	"github.com/nodestorage/mongosync/internal/dest"
	"github.com/nodestorage/mongosync/internal/filter"
	"github.com/nodestorage/mongosync/internal/indexmirror"
	"github.com/nodestorage/mongosync/internal/initcopy"
	"github.com/nodestorage/mongosync/internal/progress"
	"github.com/nodestorage/mongosync/internal/replay"
	"github.com/nodestorage/mongosync/internal/replay/ledger"
	"github.com/nodestorage/mongosync/internal/source"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "mongosync",
		Short: "Replicate a MongoDB cluster into MongoDB or Elasticsearch",
		RunE:  run,
	}
	root.Flags().StringVar(&configPath, "config", "mongosync.toml", "path to the TOML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := core.ConfigureLogger(cfg.Log.Development, cfg.Log.Level, logOutputPaths(cfg.Log.File)...); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src := source.New(cfg.Src.URI, source.DefaultOptions())
	if err := src.Connect(ctx); err != nil {
		return fmt.Errorf("%w: connect source: %v", core.ErrTransient, err)
	}
	defer src.Close(context.Background())

	dstWriter, err := buildDest(ctx, cfg)
	if err != nil {
		return err
	}
	defer dstWriter.Close(context.Background())

	f := filter.New(cfg.Sync.DBs, cfg.Sync.Rename)
	cp, err := buildCheckpointStore(ctx, cfg)
	if err != nil {
		return err
	}
	reporter := progress.New(0)
	defer reporter.Close()

	start, hasCheckpoint, err := cp.Read()
	if err != nil {
		return fmt.Errorf("%w: read checkpoint: %v", core.ErrConfig, err)
	}

	if !hasCheckpoint {
		core.Info("mongosync: no checkpoint found, performing initial copy")
		if err := indexmirror.Mirror(ctx, src, dstWriter, f); err != nil {
			return err
		}
		copier := initcopy.New(src, dstWriter, f, reporter, initcopy.Options{
			LargeThreshold:  cfg.Sync.LargeThreshold,
			BatchSize:       cfg.Sync.BatchSize,
			MaxSmallWorkers: cfg.Sync.MaxSmallWorkers,
			MaxChunkSize:    64 * 1024 * 1024,
		})
		start, err = src.PrimaryOptime(ctx)
		if err != nil {
			return fmt.Errorf("%w: capture start optime: %v", core.ErrTransient, err)
		}
		if err := copier.Run(ctx); err != nil {
			return err
		}
		if err := cp.Write(start); err != nil {
			return fmt.Errorf("%w: write initial checkpoint: %v", core.ErrConfig, err)
		}
		core.Info("mongosync: initial copy complete, starting oplog tail",
			zap.Uint32("seconds", start.Seconds), zap.Uint32("counter", start.Counter))
	} else {
		core.Info("mongosync: resuming from checkpoint",
			zap.Uint32("seconds", start.Seconds), zap.Uint32("counter", start.Counter))
	}

	replayer := replay.New(src, dstWriter, f, cp, reporter, cfg.Sync.Partitions)
	if cfg.Sync.LedgerPath != "" {
		l, err := ledger.Open(cfg.Sync.LedgerPath)
		if err != nil {
			return fmt.Errorf("%w: open replay ledger: %v", core.ErrConfig, err)
		}
		defer l.Close()
		replayer = replayer.WithLedger(l)
	}
	if err := replayer.Run(ctx, start); err != nil {
		return err
	}
	core.Info("mongosync: shutting down cleanly")
	return nil
}

func buildCheckpointStore(ctx context.Context, cfg *config.Config) (checkpoint.Store, error) {
	file := checkpoint.NewFileStore(cfg.Sync.CheckpointFile)
	if cfg.Sync.RedisMirrorURI == "" {
		return file, nil
	}
	opts, err := redis.ParseURL(cfg.Sync.RedisMirrorURI)
	if err != nil {
		return nil, fmt.Errorf("%w: parse redis_mirror_uri: %v", core.ErrConfig, err)
	}
	client := redis.NewClient(opts)
	mirror, err := checkpoint.NewRedisMirrorStore(ctx, file, client, uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("%w: connect redis checkpoint mirror: %v", core.ErrConfig, err)
	}
	return mirror, nil
}

func buildDest(ctx context.Context, cfg *config.Config) (dest.Writer, error) {
	var writer dest.Writer
	switch cfg.Dst.Type {
	case "elasticsearch":
		writer = dest.NewElasticsearchWriter(cfg.Dst.Addresses)
	default:
		writer = dest.NewMongoWriter(cfg.Dst.URI, source.DefaultOptions())
	}
	if err := writer.Connect(ctx); err != nil {
		return nil, fmt.Errorf("%w: connect destination: %v", core.ErrTransient, err)
	}
	return writer, nil
}

func logOutputPaths(file string) []string {
	if file == "" {
		return nil
	}
	return []string{file}
}

// exitCodeFor maps an error class to a process exit code: 0 on success
// (handled by cobra before this is reached), 130 on a user interrupt
// (SIGINT/SIGTERM reaching Run via context cancellation), 1 for
// everything else — configuration errors, transient I/O, and fatal
// replication errors alike.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 130
	default:
		return 1
	}
}
