package wire

import (
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	grpcencoding "google.golang.org/grpc/encoding"
)

// CompressorName is the grpc-encoding value for zstd compressed streams.
// Clients opt in with grpc.UseCompressor(CompressorName); servers accept it
// once this package is linked in.
const CompressorName = "zstd"

func init() {
	grpcencoding.RegisterCompressor(&zstdCompressor{})
}

type zstdCompressor struct {
	encoders sync.Pool
	decoders sync.Pool
}

func (c *zstdCompressor) Name() string {
	return CompressorName
}

func (c *zstdCompressor) Compress(w io.Writer) (io.WriteCloser, error) {
	enc, ok := c.encoders.Get().(*zstd.Encoder)
	if ok {
		enc.Reset(w)
	} else {
		var err error
		enc, err = zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil, err
		}
	}
	return &pooledEncoder{Encoder: enc, pool: &c.encoders}, nil
}

func (c *zstdCompressor) Decompress(r io.Reader) (io.Reader, error) {
	dec, ok := c.decoders.Get().(*zstd.Decoder)
	if ok {
		if err := dec.Reset(r); err != nil {
			c.decoders.Put(dec)
			return nil, err
		}
	} else {
		var err error
		dec, err = zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
	}
	return &pooledDecoder{dec: dec, pool: &c.decoders}, nil
}

type pooledEncoder struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (e *pooledEncoder) Close() error {
	err := e.Encoder.Close()
	e.pool.Put(e.Encoder)
	return err
}

type pooledDecoder struct {
	dec  *zstd.Decoder
	pool *sync.Pool
}

// Read returns the decoder to the pool once the frame is exhausted.
func (d *pooledDecoder) Read(p []byte) (int, error) {
	if d.dec == nil {
		return 0, io.EOF
	}
	n, err := d.dec.Read(p)
	if err == io.EOF {
		d.pool.Put(d.dec)
		d.dec = nil
	}
	return n, err
}
