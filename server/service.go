package server

import (
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/metrics"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
	"github.com/jito-foundation/solana-accountsdb-connector/wire"
)

// Service implements the AccountStream gRPC service on top of a Publisher.
type Service struct {
	wire.UnimplementedAccountStreamServer

	publisher            *Publisher
	subscriberBufferSize int
	logger               *zap.Logger
	metrics              *metrics.Collector
}

// NewService creates the gRPC service.
func NewService(p *Publisher, subscriberBufferSize int, logger *zap.Logger, m *metrics.Collector) *Service {
	return &Service{
		publisher:            p,
		subscriberBufferSize: subscriberBufferSize,
		logger:               logging.Component(logger, "service"),
		metrics:              m,
	}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(gs *grpc.Server) {
	wire.RegisterAccountStreamServer(gs, s)
}

// Subscribe streams the initial marker followed by every published update.
func (s *Service) Subscribe(req *wire.SubscribeRequest, stream wire.AccountStream_SubscribeServer) error {
	ctx := stream.Context()
	session := s.publisher.NewSession(SessionOptions{
		BufferSize:       s.subscriberBufferSize,
		SkipVoteAccounts: req.SkipVoteAccounts,
	}, s.logger.With(zap.String("client", req.ClientName)))
	logger := s.logger.With(zap.String("session_id", session.ID), zap.String("client", req.ClientName))

	s.metrics.SubscriberOpened()
	logger.Info("new subscriber",
		zap.Int("subscribers", s.publisher.Subscribers()),
		zap.Bool("partial", req.Partial),
		zap.Bool("skip_vote_accounts", req.SkipVoteAccounts))

	err := session.Run(ctx, func(u types.Update) error {
		msg, err := wire.FromUpdate(u)
		if err != nil {
			return err
		}
		if req.Partial && msg.AccountWrite != nil {
			msg.AccountWrite.StripToPartial()
		}
		return stream.Send(msg)
	})

	lagged := errors.Is(err, ErrLagged)
	s.metrics.SubscriberClosed(lagged)

	switch {
	case lagged:
		logger.Warn("subscriber lagged, closing session")
		return status.Error(codes.DataLoss, "subscriber fell behind the broadcast buffer; reconnect")
	case errors.Is(err, ErrHubClosed):
		logger.Info("publisher shutting down, closing session")
		return status.Error(codes.Unavailable, "publisher shutting down")
	case ctx.Err() != nil:
		logger.Info("subscriber disconnected")
		return status.FromContextError(ctx.Err()).Err()
	case err != nil:
		logger.Warn("subscriber stream failed", zap.Error(err))
		return err
	}
	return nil
}
