package sink

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jito-foundation/solana-accountsdb-connector/config"
	"github.com/jito-foundation/solana-accountsdb-connector/logging"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account_write (
	pubkey        BYTEA PRIMARY KEY,
	owner         BYTEA NOT NULL,
	slot          BIGINT NOT NULL,
	write_version BIGINT NOT NULL,
	lamports      BIGINT NOT NULL,
	rent_epoch    NUMERIC(20) NOT NULL,
	executable    BOOLEAN NOT NULL,
	data          BYTEA,
	tx_signature  TEXT,
	is_startup    BOOLEAN NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS slot (
	slot       BIGINT PRIMARY KEY,
	parent     BIGINT,
	status     SMALLINT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Rows only move forward: by (slot, write_version) for accounts and by
// commitment level for slots.
const upsertAccountSQL = `
INSERT INTO account_write
	(pubkey, owner, slot, write_version, lamports, rent_epoch, executable, data, tx_signature, is_startup)
VALUES ($1, $2, $3, $4, $5, $6::text::numeric, $7, $8, $9, $10)
ON CONFLICT (pubkey) DO UPDATE SET
	owner = EXCLUDED.owner,
	slot = EXCLUDED.slot,
	write_version = EXCLUDED.write_version,
	lamports = EXCLUDED.lamports,
	rent_epoch = EXCLUDED.rent_epoch,
	executable = EXCLUDED.executable,
	data = EXCLUDED.data,
	tx_signature = EXCLUDED.tx_signature,
	is_startup = EXCLUDED.is_startup,
	updated_at = now()
WHERE account_write.slot < EXCLUDED.slot
	OR (account_write.slot = EXCLUDED.slot AND account_write.write_version < EXCLUDED.write_version)`

const upsertSlotSQL = `
INSERT INTO slot (slot, parent, status)
VALUES ($1, $2, $3)
ON CONFLICT (slot) DO UPDATE SET
	parent = COALESCE(EXCLUDED.parent, slot.parent),
	status = EXCLUDED.status,
	updated_at = now()
WHERE slot.status < EXCLUDED.status`

// PostgresSink upserts reconciled events into postgres.
type PostgresSink struct {
	pool *pgxpool.Pool
	// retryQueryMax bounds in-place retries of a failed batch before the
	// error is handed back to the queue.
	retryQueryMax uint64
	logger        *zap.Logger
}

// NewPostgresSink connects, verifies the connection and creates the tables.
func NewPostgresSink(ctx context.Context, cfg config.PostgresConfig, logger *zap.Logger) (*PostgresSink, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger = logging.Component(logger, "postgres_sink")
	logger.Info("connected to postgres", zap.Int32("max_conns", poolCfg.MaxConns))
	retries := uint64(0)
	if cfg.RetryQueryMaxCount > 0 {
		retries = uint64(cfg.RetryQueryMaxCount)
	}
	return &PostgresSink{pool: pool, retryQueryMax: retries, logger: logger}, nil
}

// WriteBatch applies the whole batch in one round trip.
func (s *PostgresSink) WriteBatch(ctx context.Context, batch []types.Update) error {
	if len(batch) == 0 {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	return backoff.RetryNotify(
		func() error { return s.send(ctx, batch) },
		backoff.WithContext(backoff.WithMaxRetries(policy, s.retryQueryMax), ctx),
		func(err error, next time.Duration) {
			s.logger.Warn("batch failed, retrying", zap.Error(err), zap.Duration("next", next))
		},
	)
}

func (s *PostgresSink) send(ctx context.Context, batch []types.Update) error {
	b := &pgx.Batch{}
	for _, u := range batch {
		queueUpdate(b, u)
	}
	if b.Len() == 0 {
		return nil
	}

	br := s.pool.SendBatch(ctx, b)
	for i := 0; i < b.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	return br.Close()
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}

func queueUpdate(b *pgx.Batch, u types.Update) {
	switch u.Kind {
	case types.KindAccountWrite:
		w := u.AccountWrite
		var sig *string
		if w.TxSignature != "" {
			sig = &w.TxSignature
		}
		b.Queue(upsertAccountSQL,
			w.Pubkey[:],
			w.Owner[:],
			int64(w.Slot),
			int64(w.WriteVersion),
			int64(w.Lamports),
			strconv.FormatUint(w.RentEpoch, 10),
			w.Executable,
			w.Data,
			sig,
			w.IsStartup,
		)
	case types.KindSlotUpdate:
		su := u.SlotUpdate
		var parent *int64
		if su.Parent != nil {
			p := int64(*su.Parent)
			parent = &p
		}
		b.Queue(upsertSlotSQL, int64(su.Slot), parent, int16(su.Status))
	}
}
