// Compression dispatch for Frame.Payload. This generalizes the teacher
// repository's Codec strategy-plus-factory pattern (codec.Codec /
// codec.GetCodec) to compression algorithms instead of message codecs: same
// shape, different concern.
package frame

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Compressor compresses and decompresses Frame payloads for one algorithm.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte, maxDecompressedBytes int) ([]byte, error)
	Type() Compression
}

// CompressorFor is the factory: it returns the Compressor for kind, or an
// error satisfying ErrUnsupportedCompression if kind cannot be served (spec
// §4.1 — "must either be available or cause REGISTER to fail with
// UNSUPPORTED_COMPRESSION").
func CompressorFor(kind Compression) (Compressor, error) {
	switch kind {
	case CompressionNone:
		return noneCompressor{}, nil
	case CompressionGzip:
		return gzipCompressor{}, nil
	case CompressionZstd:
		return zstdCompressor{}, nil
	case CompressionLZ4:
		return lz4Compressor{}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedCompression, kind)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (noneCompressor) Decompress(data []byte, _ int) ([]byte, error) {
	return data, nil
}
func (noneCompressor) Type() Compression { return CompressionNone }

type gzipCompressor struct{}

func (gzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gzipCompressor) Decompress(data []byte, maxDecompressedBytes int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	defer r.Close()
	return boundedReadAll(r, maxDecompressedBytes)
}

func (gzipCompressor) Type() Compression { return CompressionGzip }

type zstdCompressor struct{}

func (zstdCompressor) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (zstdCompressor) Decompress(data []byte, maxDecompressedBytes int) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	defer dec.Close()
	return boundedReadAll(dec, maxDecompressedBytes)
}

func (zstdCompressor) Type() Compression { return CompressionZstd }

type lz4Compressor struct{}

func (lz4Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (lz4Compressor) Decompress(data []byte, maxDecompressedBytes int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return boundedReadAll(r, maxDecompressedBytes)
}

func (lz4Compressor) Type() Compression { return CompressionLZ4 }

// boundedReadAll reads from r until EOF, failing with ErrDecompressBomb if
// more than limit bytes are produced (spec §4.1: "abort with
// DECOMPRESS_BOMB beyond that").
func boundedReadAll(r io.Reader, limit int) ([]byte, error) {
	lr := io.LimitReader(r, int64(limit)+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if len(data) > limit {
		return nil, ErrDecompressBomb
	}
	return data, nil
}
