package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/jito-foundation/solana-accountsdb-connector/selector"
	"github.com/jito-foundation/solana-accountsdb-connector/types"
)

// ValidatePublisher checks the settings used by the serve command.
func (c *Config) ValidatePublisher() error {
	p := c.Publisher
	if p.BindAddress == "" {
		return fmt.Errorf("publisher.bind_address is required")
	}
	if p.BroadcastBufferSize < 1 {
		return fmt.Errorf("publisher.broadcast_buffer_size must be at least 1")
	}
	if p.SubscriberBufferSize < 1 {
		return fmt.Errorf("publisher.subscriber_buffer_size must be at least 1")
	}
	if p.HeartbeatIntervalSecs < 1 {
		return fmt.Errorf("publisher.heartbeat_interval_secs must be at least 1")
	}
	if p.ActiveAccountsCapacity < 0 {
		return fmt.Errorf("publisher.active_accounts_capacity must not be negative")
	}
	if _, err := selector.New(p.Selector()); err != nil {
		return fmt.Errorf("publisher.accounts_selector: %w", err)
	}
	return nil
}

// ValidateConsumer checks the settings used by the consume command.
func (c *Config) ValidateConsumer() error {
	cc := c.Consumer
	if cc.DedupQueueSize < 1 {
		return fmt.Errorf("consumer.dedup_queue_size must be at least 1")
	}
	if cc.SinkQueueSize < 1 {
		return fmt.Errorf("consumer.sink_queue_size must be at least 1")
	}
	if cc.MaxBatchSize < 1 {
		return fmt.Errorf("consumer.max_batch_size must be at least 1")
	}
	if cc.FlushIntervalMs < 1 {
		return fmt.Errorf("consumer.flush_interval_ms must be at least 1")
	}
	if cc.HeartbeatTimeoutSecs < 0 {
		return fmt.Errorf("consumer.heartbeat_timeout_secs must not be negative")
	}
	if len(cc.GrpcSources) == 0 {
		return fmt.Errorf("consumer.grpc_sources must list at least one source")
	}

	names := make(map[string]struct{}, len(cc.GrpcSources))
	for _, src := range cc.GrpcSources {
		if _, err := src.DialTarget(); err != nil {
			return fmt.Errorf("grpc source %q: connection_string: %w", src.Name, err)
		}
		if _, dup := names[src.Name]; dup {
			return fmt.Errorf("grpc source name %q is used twice", src.Name)
		}
		names[src.Name] = struct{}{}
		if src.RetryConnectionSleepSecs < 1 {
			return fmt.Errorf("grpc source %q: retry_connection_sleep_secs must be at least 1", src.Name)
		}
		switch src.Compression {
		case "", "none", "gzip", "zstd":
		default:
			return fmt.Errorf("grpc source %q: unsupported compression %q", src.Name, src.Compression)
		}
	}

	if s := cc.Snapshot; s != nil {
		if _, err := url.ParseRequestURI(s.RPCHTTPURL); err != nil {
			return fmt.Errorf("consumer.snapshot.rpc_http_url: %w", err)
		}
		if _, err := types.ParseAccountKey(s.ProgramID); err != nil {
			return fmt.Errorf("consumer.snapshot.program_id: %w", err)
		}
		if s.PendingBufferSize < 1 {
			return fmt.Errorf("consumer.snapshot.pending_buffer_size must be at least 1")
		}
	}

	switch cc.Sink.Type {
	case "log":
	case "postgres":
		if cc.Sink.Postgres == nil || cc.Sink.Postgres.ConnectionString == "" {
			return fmt.Errorf("consumer.sink.postgres.connection_string is required for the postgres sink")
		}
	default:
		return fmt.Errorf("consumer.sink.type must be log or postgres, got %q", cc.Sink.Type)
	}
	return nil
}

// DialTarget turns the connection string into a gRPC target. URLs of the
// form http(s)://host:port are reduced to host:port; resolver targets such
// as dns:///host:port or unix:path pass through unchanged.
func (g GrpcSourceConfig) DialTarget() (string, error) {
	s := strings.TrimSpace(g.ConnectionString)
	if s == "" {
		return "", errors.New("connection string is empty")
	}
	lower := strings.ToLower(s)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Path != "" && u.Path != "/" {
		return "", fmt.Errorf("%q: gRPC targets take no path", s)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%q: missing host", s)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if strings.EqualFold(u.Scheme, "https") {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}
