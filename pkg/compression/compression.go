// Package compression provides streaming decompression for dataset files
// stored with a compression suffix such as ".gz" or ".zst".
//
// Readers returned by NewReader are lazy: the codec is not constructed
// until the first Read. Opening a corrupt or truncated file therefore
// succeeds and the failure surfaces on the first read, where the caller
// can attribute it to the file being consumed.
//
// # Supported Algorithms
//
//   - Gzip (.gz)
//   - Zstd (.zst, .zstd)
//   - LZ4 frame (.lz4)
//   - Snappy framed (.sz)
//   - S2 (.s2)
//
// # Basic Usage
//
//	alg, ok := compression.FromSuffix("train.csv.gz")
//	r, err := compression.NewReader(f, alg)
//	defer r.Close()
package compression

import (
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
)

var suffixes = map[string]Algorithm{
	".gz":   Gzip,
	".zst":  Zstd,
	".zstd": Zstd,
	".lz4":  LZ4,
	".sz":   Snappy,
	".s2":   S2,
}

// FromSuffix reports the algorithm implied by the last extension of name.
// It returns None and false when the extension is not a compression suffix.
func FromSuffix(name string) (Algorithm, bool) {
	alg, ok := suffixes[strings.ToLower(path.Ext(name))]
	if !ok {
		return None, false
	}
	return alg, true
}

// Valid reports whether a is a known algorithm.
func (a Algorithm) Valid() bool {
	switch a {
	case None, Gzip, Zstd, LZ4, Snappy, S2:
		return true
	}
	return false
}

// NewReader wraps src with a decompressor for alg. For None, src is
// returned unchanged. Closing the returned reader releases the codec and
// then closes src.
func NewReader(src io.ReadCloser, alg Algorithm) (io.ReadCloser, error) {
	if alg == None || alg == "" {
		return src, nil
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
	}
	return &lazyReader{src: src, alg: alg}, nil
}

type lazyReader struct {
	src    io.ReadCloser
	alg    Algorithm
	r      io.Reader
	closer func() error
	err    error
}

func (lr *lazyReader) Read(p []byte) (int, error) {
	if lr.r == nil && lr.err == nil {
		lr.r, lr.closer, lr.err = openCodec(lr.src, lr.alg)
	}
	if lr.err != nil {
		return 0, lr.err
	}
	return lr.r.Read(p)
}

func (lr *lazyReader) Close() error {
	var codecErr error
	if lr.closer != nil {
		codecErr = lr.closer()
		lr.closer = nil
	}
	srcErr := lr.src.Close()
	if srcErr != nil {
		return srcErr
	}
	return codecErr
}

func openCodec(src io.Reader, alg Algorithm) (io.Reader, func() error, error) {
	switch alg {
	case Gzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("gzip: %w", err)
		}
		return r, r.Close, nil
	case Zstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, nil, fmt.Errorf("zstd: %w", err)
		}
		return d, func() error { d.Close(); return nil }, nil
	case LZ4:
		return lz4.NewReader(src), nil, nil
	case Snappy:
		return snappy.NewReader(src), nil, nil
	case S2:
		return s2.NewReader(src), nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
}

// NewWriter wraps dst with a compressor for alg. Closing the returned
// writer flushes the codec but does not close dst.
func NewWriter(dst io.Writer, alg Algorithm) (io.WriteCloser, error) {
	switch alg {
	case None, "":
		return nopWriteCloser{dst}, nil
	case Gzip:
		return gzip.NewWriter(dst), nil
	case Zstd:
		return zstd.NewWriter(dst)
	case LZ4:
		return lz4.NewWriter(dst), nil
	case Snappy:
		return snappy.NewBufferedWriter(dst), nil
	case S2:
		return s2.NewWriter(dst), nil
	}
	return nil, fmt.Errorf("unsupported compression algorithm: %s", alg)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
