package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jito-foundation/solana-accountsdb-connector/config"
	"github.com/jito-foundation/solana-accountsdb-connector/health"
	"github.com/jito-foundation/solana-accountsdb-connector/reconciler"
	"github.com/jito-foundation/solana-accountsdb-connector/sink"
	"github.com/jito-foundation/solana-accountsdb-connector/snapshot"
	"github.com/jito-foundation/solana-accountsdb-connector/source"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

func consumeCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Merges redundant publisher streams into one deduplicated sink",
		RunE: func(c *cobra.Command, _ []string) error {
			rt, err := setup(flags)
			if err != nil {
				return err
			}
			defer rt.logger.Sync() //nolint:errcheck
			return ignoreCanceled(rt.consume(c.Context()))
		},
	}
}

func (rt *runtime) consume(ctx context.Context) error {
	cfg := rt.cfg
	if err := cfg.ValidateConsumer(); err != nil {
		return err
	}

	hs := health.NewServer(cfg.Service.Name, cfg.Service.HealthPort, rt.metrics.Handler(), rt.logger)

	conns := make([]*source.Connection, 0, len(cfg.Consumer.GrpcSources))
	inputs := make([]reconciler.Input, 0, len(cfg.Consumer.GrpcSources))
	for _, sc := range cfg.Consumer.GrpcSources {
		connector, err := source.NewGRPCConnector(sc, cfg.Service.Name)
		if err != nil {
			return fmt.Errorf("source %s: %w", sc.Name, err)
		}
		conn := source.NewConnection(source.Options{
			Name:             sc.Name,
			RetrySleep:       sc.RetryConnectionSleep(),
			QueueSize:        cfg.Consumer.DedupQueueSize,
			HeartbeatTimeout: cfg.Consumer.HeartbeatTimeout(),
		}, connector, rt.logger, rt.metrics)
		conns = append(conns, conn)
		inputs = append(inputs, conn)
		hs.RegisterComponent("source:"+sc.Name, false)
	}
	hs.RegisterComponent("sources", true)
	hs.RegisterComponent("sink", false)

	var boot reconciler.Bootstrapper
	pendingSize := cfg.Consumer.DedupQueueSize
	var refetchDelay time.Duration
	if snap := cfg.Consumer.Snapshot; snap != nil {
		programID, err := types.ParseAccountKey(snap.ProgramID)
		if err != nil {
			return fmt.Errorf("snapshot program_id: %w", err)
		}
		fetcher := snapshot.NewRPCFetcher(snap.RPCHTTPURL, programID, snap.Commitment, snap.Timeout())
		boot = snapshot.NewBootstrapper(fetcher, snap.RetryInitialInterval(), snap.RetryMaxInterval(), rt.logger, rt.metrics)
		pendingSize = snap.PendingBufferSize
		refetchDelay = snap.RetryInitialInterval()
	}

	out, err := openSink(ctx, cfg.Consumer.Sink, rt.logger)
	if err != nil {
		return err
	}
	defer out.Close()

	queue := sink.NewQueue(cfg.Consumer.SinkQueueSize, out, rt.logger, rt.metrics)
	rec := reconciler.New(inputs, queue, boot, reconciler.Options{
		MaxBatchSize:      cfg.Consumer.MaxBatchSize,
		FlushInterval:     cfg.Consumer.FlushInterval(),
		PendingBufferSize: pendingSize,
		RefetchDelay:      refetchDelay,
	}, rt.logger, rt.metrics)

	g, gctx := errgroup.WithContext(ctx)
	for _, conn := range conns {
		g.Go(func() error { return conn.Run(gctx) })
		g.Go(func() error {
			hs.Watch(gctx, "source:"+conn.Name(), healthInterval, func() (bool, interface{}, error) {
				st := conn.Status()
				return conn.State() == source.StateStreaming, st, nil
			})
			return nil
		})
	}
	g.Go(func() error {
		hs.Watch(gctx, "sources", healthInterval, func() (bool, interface{}, error) {
			streaming := 0
			for _, conn := range conns {
				if conn.State() == source.StateStreaming {
					streaming++
				}
			}
			if streaming == 0 {
				return false, streaming, fmt.Errorf("no source is streaming")
			}
			return true, streaming, nil
		})
		return nil
	})
	g.Go(func() error {
		hs.Watch(gctx, "sink", healthInterval, func() (bool, interface{}, error) {
			depth := queue.Len()
			if depth >= cfg.Consumer.SinkQueueSize {
				return false, depth, fmt.Errorf("sink queue is full")
			}
			return true, depth, nil
		})
		return nil
	})
	g.Go(func() error {
		defer queue.Close()
		return rec.Run(gctx)
	})
	g.Go(func() error {
		return queue.Run(gctx)
	})
	g.Go(func() error {
		return hs.Run(gctx)
	})

	rt.logger.Info("consumer started",
		zap.Int("sources", len(conns)),
		zap.String("sink", cfg.Consumer.Sink.Type),
		zap.Bool("snapshot", boot != nil))
	return g.Wait()
}

func openSink(ctx context.Context, cfg config.SinkConfig, logger *zap.Logger) (sink.Sink, error) {
	switch cfg.Type {
	case "", "log":
		return sink.NewLogSink(logger), nil
	case "postgres":
		if cfg.Postgres == nil {
			return nil, fmt.Errorf("sink.postgres is required for the postgres sink")
		}
		return sink.NewPostgresSink(ctx, *cfg.Postgres, logger)
	default:
		return nil, fmt.Errorf("unknown sink type %q", cfg.Type)
	}
}
