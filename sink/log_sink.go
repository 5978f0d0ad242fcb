package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// LogSink writes every event to the logger. It is the default sink and
// useful when wiring a new deployment.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logging.Component(logger, "log_sink")}
}

func (s *LogSink) WriteBatch(_ context.Context, batch []types.Update) error {
	for _, u := range batch {
		switch u.Kind {
		case types.KindAccountWrite:
			w := u.AccountWrite
			s.logger.Info("account write",
				zap.Stringer("pubkey", w.Pubkey),
				zap.Stringer("owner", w.Owner),
				zap.Uint64("slot", w.Slot),
				zap.Uint64("write_version", w.WriteVersion),
				zap.Uint64("lamports", w.Lamports),
				zap.Int("data_len", len(w.Data)),
				zap.Bool("is_startup", w.IsStartup))
		case types.KindSlotUpdate:
			fields := []zap.Field{
				zap.Uint64("slot", u.SlotUpdate.Slot),
				zap.Stringer("status", u.SlotUpdate.Status),
			}
			if u.SlotUpdate.Parent != nil {
				fields = append(fields, zap.Uint64("parent", *u.SlotUpdate.Parent))
			}
			s.logger.Info("slot update", fields...)
		}
	}
	return nil
}

func (s *LogSink) Close() error {
	return s.logger.Sync()
}
