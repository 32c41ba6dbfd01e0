// Package archive compresses run artifacts (DiagnosticClueReport JSON and
// the other stage outputs) for long-term storage, behind a small
// name-selected Codec registry rather than one hardcoded algorithm.
package archive

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec compresses and decompresses a byte slice under one algorithm.
type Codec interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Registry selects a Codec by name, defaulting to zstd when the caller
// doesn't care which algorithm is used.
type Registry struct {
	codecs     map[string]Codec
	defaultAlg string
}

// NewRegistry builds a registry with gzip, zstd, snappy, and lz4 codecs
// available, so a caller can pick whichever algorithm fits its durability
// and size tradeoffs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[string]Codec), defaultAlg: "zstd"}
	r.Register(gzipCodec{})
	r.Register(zstdCodec{})
	r.Register(snappyCodec{})
	r.Register(lz4Codec{})
	return r
}

func (r *Registry) Register(c Codec) {
	r.codecs[c.Name()] = c
}

// Compress encodes data with the named algorithm, or the registry default
// if alg is empty.
func (r *Registry) Compress(alg string, data []byte) (string, []byte, error) {
	if alg == "" {
		alg = r.defaultAlg
	}
	c, ok := r.codecs[alg]
	if !ok {
		return "", nil, fmt.Errorf("archive: unknown codec %q", alg)
	}
	out, err := c.Compress(data)
	if err != nil {
		return "", nil, fmt.Errorf("archive: compress with %s: %w", alg, err)
	}
	return alg, out, nil
}

// Decompress decodes data previously produced by Compress with alg.
func (r *Registry) Decompress(alg string, data []byte) ([]byte, error) {
	c, ok := r.codecs[alg]
	if !ok {
		return nil, fmt.Errorf("archive: unknown codec %q", alg)
	}
	out, err := c.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("archive: decompress with %s: %w", alg, err)
	}
	return out, nil
}

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Compress(data []byte) ([]byte, error) {
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

func (gzipCodec) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

type zstdCodec struct{}

func (zstdCodec) Name() string { return "zstd" }

func (zstdCodec) Compress(data []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func (zstdCodec) Decompress(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

type snappyCodec struct{}

func (snappyCodec) Name() string { return "snappy" }

func (snappyCodec) Compress(data []byte) ([]byte, error) {
	return snappy.Encode(nil, data), nil
}

func (snappyCodec) Decompress(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

type lz4Codec struct{}

func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) Compress(data []byte) ([]byte, error) {
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

func (lz4Codec) Decompress(data []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	return io.ReadAll(r)
}
