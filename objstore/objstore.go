// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package objstore wraps the S3-compatible object store the collector
// operates on. The bucket is treated as a flat namespace of keys; object
// versioning is intentionally not modeled.
package objstore

import (
	"context"
	"io"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the default error class for objstore errors.
	Error = errs.Class("objstore")
	// ErrNotFound is returned when the requested key does not exist.
	ErrNotFound = errs.Class("object not found")
)

// ObjectInfo describes one listed object. A zero LastModified means the
// listing did not report a timestamp; callers must treat such objects as
// too young to collect.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// Client is the minimal bucket surface the collector needs. Implementations
// must be safe for concurrent use.
type Client interface {
	// Walk streams every key in the bucket through fn, paginating as
	// needed. Walk stops and returns the first error fn returns.
	Walk(ctx context.Context, fn func(ObjectInfo) error) error

	// Get opens the object for reading and reports its size.
	Get(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// Put writes an object under key. size may be -1 when unknown.
	Put(ctx context.Context, key string, body io.Reader, size int64) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Stat reports object metadata and whether the key exists.
	Stat(ctx context.Context, key string) (ObjectInfo, bool, error)

	// BucketReachable verifies the bucket exists and is accessible.
	BucketReachable(ctx context.Context) error
}
