package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jito-foundation/solana-accountsdb-connector/health"
	"github.com/jito-foundation/solana-accountsdb-connector/ingest"
	"github.com/jito-foundation/solana-accountsdb-connector/server"
)

const healthInterval = 2 * time.Second

func serveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Publishes the event feed to gRPC subscribers",
		RunE: func(c *cobra.Command, _ []string) error {
			rt, err := setup(flags)
			if err != nil {
				return err
			}
			defer rt.logger.Sync() //nolint:errcheck
			return ignoreCanceled(rt.serve(c.Context()))
		},
	}
}

func (rt *runtime) serve(ctx context.Context) error {
	cfg := rt.cfg
	if err := cfg.ValidatePublisher(); err != nil {
		return err
	}

	pub, err := server.NewPublisher(server.PublisherConfig{
		Selector:               cfg.Publisher.Selector(),
		ActiveAccountsCapacity: cfg.Publisher.ActiveAccountsCapacity,
		BroadcastBufferSize:    cfg.Publisher.BroadcastBufferSize,
		HeartbeatInterval:      cfg.Publisher.HeartbeatInterval(),
	}, rt.logger, rt.metrics)
	if err != nil {
		return err
	}

	events, err := ingest.OpenJSONLines(cfg.Publisher.EventsFile, rt.logger)
	if err != nil {
		return err
	}

	lis, err := net.Listen("tcp", cfg.Publisher.BindAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Publisher.BindAddress, err)
	}
	gs := grpc.NewServer()
	server.NewService(pub, cfg.Publisher.SubscriberBufferSize, rt.logger, rt.metrics).Register(gs)

	hs := health.NewServer(cfg.Service.Name, cfg.Service.HealthPort, rt.metrics.Handler(), rt.logger)
	hs.RegisterComponent("publisher", true)
	hs.RegisterComponent("ingest", false)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		rt.logger.Info("publisher listening", zap.String("addr", lis.Addr().String()))
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		pub.Close()
		gs.GracefulStop()
		return gctx.Err()
	})
	g.Go(func() error {
		pub.RunHeartbeat(gctx)
		return nil
	})
	g.Go(func() error {
		hs.Watch(gctx, "publisher", healthInterval, func() (bool, interface{}, error) {
			return true, map[string]uint64{
				"subscribers":        uint64(pub.Subscribers()),
				"highest_write_slot": pub.HighestWriteSlot(),
			}, nil
		})
		return nil
	})
	g.Go(func() error {
		return hs.Run(gctx)
	})

	// The feed may block on stdin past shutdown, so it is not part of the
	// group.
	go func() {
		hs.UpdateComponentHealth("ingest", true, nil, nil)
		err := events.Run(gctx, pub)
		hs.UpdateComponentHealth("ingest", false, err, nil)
		if err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Error("event feed stopped", zap.Error(err))
		}
	}()

	return g.Wait()
}
