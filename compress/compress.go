// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package compress implements the streaming backup codec used by the vault.
//
// The codec tag is persisted next to every vault record so that old blobs
// remain readable after the default codec changes. The content hash is
// always computed over the pre-compression bytes.
package compress

import (
	"crypto/sha256"
	"encoding/hex"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/errs"
)

// Error is the default error class for compress errors.
var Error = errs.Class("compress")

// Codec identifies a compression algorithm.
type Codec string

const (
	// Zstd is the default backup codec.
	Zstd Codec = "zstd"
	// Gzip is kept for vaults written before zstd became the default.
	Gzip Codec = "gzip"
	// None stores bytes verbatim.
	None Codec = "none"
)

// Valid reports whether the codec tag is known.
func (c Codec) Valid() bool {
	switch c {
	case Zstd, Gzip, None:
		return true
	}
	return false
}

// Extension returns the blob filename extension for the codec.
func (c Codec) Extension() string { return string(c) }

// ParseCodec converts a stored codec tag back into a Codec.
func ParseCodec(s string) (Codec, error) {
	c := Codec(s)
	if !c.Valid() {
		return "", Error.New("unknown codec %q", s)
	}
	return c, nil
}

// Compress streams src through the codec into dst. It returns the number of
// bytes read from src, the number of bytes written to dst and the hex encoded
// SHA-256 of the uncompressed content.
func Compress(dst io.Writer, src io.Reader, codec Codec) (originalSize, storedSize int64, contentHash string, err error) {
	hasher := sha256.New()
	counted := &countingWriter{Writer: dst}

	var encoder io.WriteCloser
	switch codec {
	case Zstd:
		encoder, err = zstd.NewWriter(counted)
		if err != nil {
			return 0, 0, "", Error.Wrap(err)
		}
	case Gzip:
		encoder = gzip.NewWriter(counted)
	case None:
		encoder = nopWriteCloser{counted}
	default:
		return 0, 0, "", Error.New("unknown codec %q", codec)
	}

	originalSize, err = io.Copy(encoder, io.TeeReader(src, hasher))
	if err != nil {
		_ = encoder.Close()
		return 0, 0, "", Error.Wrap(err)
	}
	if err := encoder.Close(); err != nil {
		return 0, 0, "", Error.Wrap(err)
	}

	return originalSize, counted.n, hex.EncodeToString(hasher.Sum(nil)), nil
}

// Decompress streams codec-compressed bytes from src into dst and returns the
// number of uncompressed bytes written.
func Decompress(dst io.Writer, src io.Reader, codec Codec) (n int64, err error) {
	var decoded io.Reader
	switch codec {
	case Zstd:
		decoder, err := zstd.NewReader(src)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		defer decoder.Close()
		decoded = decoder.IOReadCloser()
	case Gzip:
		decoder, err := gzip.NewReader(src)
		if err != nil {
			return 0, Error.Wrap(err)
		}
		defer func() { err = errs.Combine(err, Error.Wrap(decoder.Close())) }()
		decoded = decoder
	case None:
		decoded = src
	default:
		return 0, Error.New("unknown codec %q", codec)
	}

	n, err = io.Copy(dst, decoded)
	return n, Error.Wrap(err)
}

// HashBytes returns the hex encoded SHA-256 of data, matching the content
// hash produced by Compress.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type countingWriter struct {
	io.Writer
	n int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.Writer.Write(p)
	w.n += int64(n)
	return n, err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
