package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding/gzip"

	"github.com/jito-foundation/solana-accountsdb-connector/config"
	"github.com/jito-foundation/solana-accountsdb-connector/wire"
)

// maxRecvMsgSize leaves room for the largest account data (10 MiB).
const maxRecvMsgSize = 64 << 20

// GRPCConnector subscribes to a publisher over gRPC.
type GRPCConnector struct {
	endpoint   string
	clientName string
	dialOpts   []grpc.DialOption
	callOpts   []grpc.CallOption
}

// NewGRPCConnector builds a connector from a source's configuration.
func NewGRPCConnector(cfg config.GrpcSourceConfig, clientName string) (*GRPCConnector, error) {
	creds, err := transportCredentials(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	endpoint, err := cfg.DialTarget()
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}

	c := &GRPCConnector{
		endpoint:   endpoint,
		clientName: clientName,
		dialOpts: []grpc.DialOption{
			grpc.WithTransportCredentials(creds),
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(maxRecvMsgSize)),
		},
	}
	switch cfg.Compression {
	case "gzip":
		c.callOpts = append(c.callOpts, grpc.UseCompressor(gzip.Name))
	case "zstd":
		c.callOpts = append(c.callOpts, grpc.UseCompressor(wire.CompressorName))
	}
	return c, nil
}

// WithDialOptions appends extra dial options, mainly custom dialers.
func (c *GRPCConnector) WithDialOptions(opts ...grpc.DialOption) *GRPCConnector {
	c.dialOpts = append(c.dialOpts, opts...)
	return c
}

// Connect opens a new client connection and a Subscribe stream on it.
// Closing the returned stream closes the connection.
func (c *GRPCConnector) Connect(ctx context.Context) (Stream, error) {
	conn, err := grpc.NewClient(c.endpoint, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", c.endpoint, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub, err := wire.NewAccountStreamClient(conn).Subscribe(streamCtx,
		&wire.SubscribeRequest{ClientName: c.clientName}, c.callOpts...)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", c.endpoint, err)
	}
	return &grpcStream{sub: sub, cancel: cancel, conn: conn}, nil
}

type grpcStream struct {
	sub    wire.AccountStream_SubscribeClient
	cancel context.CancelFunc
	conn   *grpc.ClientConn
	once   sync.Once
}

func (s *grpcStream) Recv() (*wire.Update, error) {
	return s.sub.Recv()
}

func (s *grpcStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

func transportCredentials(cfg *config.TLSConfig) (credentials.TransportCredentials, error) {
	if cfg == nil {
		return insecure.NewCredentials(), nil
	}

	tlsCfg := &tls.Config{
		ServerName: cfg.DomainName,
		MinVersion: tls.VersionTLS12,
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read ca cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.ClientCertPath != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertPath, cfg.ClientKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsCfg), nil
}
