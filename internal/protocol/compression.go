package protocol

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

// Algorithm names a supported compression algorithm
type Algorithm string

// Supported algorithms
const (
	AlgorithmGzip    Algorithm = "gzip"
	AlgorithmDeflate Algorithm = "deflate"
)

// DefaultCompressionLevel matches gzip's balanced default
const DefaultCompressionLevel = 6

// Compress compresses data with the given algorithm and level. It is a pure
// function: no shared state, safe to call from any goroutine.
func Compress(data []byte, level int, alg Algorithm) ([]byte, error) {
	if level < 1 || level > 9 {
		level = DefaultCompressionLevel
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch alg {
	case AlgorithmGzip:
		w, err = gzip.NewWriterLevel(&buf, level)
	case AlgorithmDeflate:
		w, err = flate.NewWriter(&buf, level)
	default:
		return nil, errors.Errorf("unsupported compression algorithm %q", alg)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "create %s writer", alg)
	}

	if _, err := w.Write(data); err != nil {
		return nil, errors.Wrapf(err, "%s compress", alg)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "%s flush", alg)
	}
	return buf.Bytes(), nil
}

// Decompress reverses Compress for the given algorithm
func Decompress(data []byte, alg Algorithm) ([]byte, error) {
	var r io.ReadCloser
	var err error

	switch alg {
	case AlgorithmGzip:
		r, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, errors.Wrap(err, "open gzip reader")
		}
	case AlgorithmDeflate:
		r = flate.NewReader(bytes.NewReader(data))
	default:
		return nil, errors.Errorf("unsupported compression algorithm %q", alg)
	}
	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "%s decompress", alg)
	}
	return out, nil
}
