// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory bucket for tests.
package teststore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"storj.io/s3gc/objstore"
)

// Object is one stored object with its metadata.
type Object struct {
	Data         []byte
	LastModified time.Time
}

// Client implements objstore.Client on an in-memory map.
type Client struct {
	mu      sync.Mutex
	objects map[string]Object

	CallCount struct {
		Walk   int
		Get    int
		Put    int
		Delete int
		Stat   int
	}
}

// New creates an empty in-memory bucket.
func New() *Client {
	return &Client{objects: map[string]Object{}}
}

// PutWithTime seeds an object with an explicit last-modified timestamp.
func (store *Client) PutWithTime(key string, data []byte, lastModified time.Time) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.objects[key] = Object{
		Data:         append([]byte(nil), data...),
		LastModified: lastModified,
	}
}

// Keys returns all keys in sorted order.
func (store *Client) Keys() []string {
	store.mu.Lock()
	defer store.mu.Unlock()
	keys := make([]string, 0, len(store.objects))
	for key := range store.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Walk implements objstore.Client.
func (store *Client) Walk(ctx context.Context, fn func(objstore.ObjectInfo) error) error {
	store.mu.Lock()
	store.CallCount.Walk++
	infos := make([]objstore.ObjectInfo, 0, len(store.objects))
	for key, object := range store.objects {
		infos = append(infos, objstore.ObjectInfo{
			Key:          key,
			Size:         int64(len(object.Data)),
			LastModified: object.LastModified,
		})
	}
	store.mu.Unlock()

	sort.Slice(infos, func(i, k int) bool { return infos[i].Key < infos[k].Key })
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(info); err != nil {
			return err
		}
	}
	return nil
}

// Get implements objstore.Client.
func (store *Client) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++

	object, ok := store.objects[key]
	if !ok {
		return nil, 0, objstore.ErrNotFound.New("%s", key)
	}
	data := append([]byte(nil), object.Data...)
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

// Put implements objstore.Client.
func (store *Client) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return objstore.Error.Wrap(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++
	store.objects[key] = Object{Data: data, LastModified: time.Now()}
	return nil
}

// Delete implements objstore.Client.
func (store *Client) Delete(ctx context.Context, key string) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++
	delete(store.objects, key)
	return nil
}

// Stat implements objstore.Client.
func (store *Client) Stat(ctx context.Context, key string) (objstore.ObjectInfo, bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Stat++

	object, ok := store.objects[key]
	if !ok {
		return objstore.ObjectInfo{}, false, nil
	}
	return objstore.ObjectInfo{
		Key:          key,
		Size:         int64(len(object.Data)),
		LastModified: object.LastModified,
	}, true, nil
}

// BucketReachable implements objstore.Client.
func (store *Client) BucketReachable(ctx context.Context) error { return nil }
