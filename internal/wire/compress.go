package wire

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// CompressionMode selects the payload codec used by the FrameProcessor's
// optional compression stage, mirroring the gzip/zstd negotiation the
// teacher's wire protocol performs at handshake time.
type CompressionMode int

const (
	// CompressionNone leaves the payload untouched.
	CompressionNone CompressionMode = iota
	// CompressionGzip uses parallel gzip (pgzip).
	CompressionGzip
	// CompressionZstd uses zstd, better ratio at the cost of more CPU.
	CompressionZstd
)

// CompressWith dispatches to the codec named by mode. CompressionNone
// returns p unchanged.
func CompressWith(mode CompressionMode, p []byte, blockWorkers int) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return p, nil
	case CompressionGzip:
		return CompressPayload(p, blockWorkers)
	case CompressionZstd:
		return compressZstd(p)
	default:
		return nil, fmt.Errorf("wire: unknown compression mode %d", mode)
	}
}

// DecompressWith reverses CompressWith.
func DecompressWith(mode CompressionMode, p []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return p, nil
	case CompressionGzip:
		return DecompressPayload(p)
	case CompressionZstd:
		return decompressZstd(p)
	default:
		return nil, fmt.Errorf("wire: unknown compression mode %d", mode)
	}
}

func compressZstd(p []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("wire: creating zstd encoder: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(p, make([]byte, 0, len(p))), nil
}

func decompressZstd(p []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("wire: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	return dec.DecodeAll(p, nil)
}

// CompressPayload gzip-compresses p using pgzip, which parallelizes the
// deflate stage across blocks the way the FrameProcessor's own
// decomposition/conversion workers parallelize across frames. The gzip
// stream is returned whatever its size, so for small or incompressible
// payloads it can be larger than p.
func CompressPayload(p []byte, blockWorkers int) ([]byte, error) {
	var buf bytes.Buffer
	w, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("wire: creating pgzip writer: %w", err)
	}
	if blockWorkers > 0 {
		if err := w.SetConcurrency(1<<20, blockWorkers); err != nil {
			return nil, fmt.Errorf("wire: setting pgzip concurrency: %w", err)
		}
	}
	if _, err := w.Write(p); err != nil {
		w.Close()
		return nil, fmt.Errorf("wire: compressing payload: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("wire: closing pgzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecompressPayload reverses CompressPayload. Exercised by tests and by
// reference transport implementations that need to inspect a payload.
func DecompressPayload(p []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("wire: creating pgzip reader: %w", err)
	}
	defer r.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("wire: decompressing payload: %w", err)
	}
	return out.Bytes(), nil
}
