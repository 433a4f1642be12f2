// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/s3gc/internal/testcontext"
	"storj.io/s3gc/registry"
)

func startConsumer(t *testing.T, ctx *testcontext.Context) (*registry.DB, *MemSource, *Consumer, context.CancelFunc) {
	db, err := registry.Open(zaptest.NewLogger(t), ctx.File("registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(db.Close) })

	source := NewMemSource("test-stream")
	consumer := NewConsumer(zaptest.NewLogger(t), db, source, Watched{
		"users": {"avatar_url"},
	})
	consumer.flushInterval = 10 * time.Millisecond

	runCtx, cancel := context.WithCancel(ctx)
	ctx.Go(func() error {
		return consumer.Run(runCtx)
	})
	return db, source, consumer, cancel
}

func waitForCount(t *testing.T, ctx context.Context, db *registry.DB, key string, expected int64) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		count, err := db.CountOf(ctx, key)
		require.NoError(t, err)
		if count == expected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("count for %q never reached %d", key, expected)
}

func TestConsumerAppliesAndCheckpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db, source, consumer, cancel := startConsumer(t, ctx)
	defer cancel()

	source.Emit(Event{
		Op:    OpInsert,
		Table: "users",
		After: map[string]string{"avatar_url": "avatars/alice.jpg"},
	})
	source.Emit(Event{
		Op:     OpUpdate,
		Table:  "users",
		Before: map[string]string{"avatar_url": "avatars/alice.jpg"},
		After:  map[string]string{"avatar_url": "avatars/alice-2.jpg"},
	})

	waitForCount(t, ctx, db, "avatars/alice.jpg", 0)
	waitForCount(t, ctx, db, "avatars/alice-2.jpg", 1)

	checkpoint, ok, err := db.Checkpoint(ctx, "test-stream")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", checkpoint.Cursor)
	assert.True(t, consumer.Healthy())

	// The applied position gets acknowledged upstream.
	deadline := time.Now().Add(10 * time.Second)
	for source.Acked().Cursor != "2" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, "2", source.Acked().Cursor)
}

func TestConsumerReconnectsAfterStreamFailure(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db, source, consumer, cancel := startConsumer(t, ctx)
	defer cancel()

	source.Emit(Event{
		Op:    OpInsert,
		Table: "users",
		After: map[string]string{"avatar_url": "a"},
	})
	waitForCount(t, ctx, db, "a", 1)

	source.Fail(errors.New("stream torn down"))
	source.Emit(Event{
		Op:    OpInsert,
		Table: "users",
		After: map[string]string{"avatar_url": "b"},
	})

	// The consumer backs off, reconnects from the checkpoint, and applies
	// the post-failure event exactly once.
	waitForCount(t, ctx, db, "b", 1)
	waitForCount(t, ctx, db, "a", 1)

	status := consumer.Status()
	assert.EqualValues(t, 1, status.RestartCount)
	assert.True(t, consumer.Healthy())
}

func TestConcurrentFlushKeepsStreamOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := registry.Open(zaptest.NewLogger(t), ctx.File("registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(db.Close) })

	source := NewMemSource("test-stream")
	consumer := NewConsumer(zaptest.NewLogger(t), db, source, Watched{
		"users": {"avatar_url"},
	})
	consumer.maxBatch = 1

	stop := make(chan struct{})
	var group sync.WaitGroup
	group.Add(1)
	go func() {
		defer group.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = consumer.flushIfStale(ctx)
			}
		}
	}()

	// Each round adds a reference and removes it in the next transaction.
	// If the periodic flush ever commits a later batch first, a decrement
	// lands before its increment, the registry drops it, and the final
	// count drifts above zero.
	const rounds = 200
	for i := 0; i < rounds; i++ {
		require.NoError(t, consumer.handle(ctx, Message{
			Events: []Event{{
				Op:    OpInsert,
				Table: "users",
				After: map[string]string{"avatar_url": "k"},
			}},
			Position: Position{Cursor: strconv.Itoa(2*i + 1)},
		}))
		require.NoError(t, consumer.handle(ctx, Message{
			Events: []Event{{
				Op:     OpDelete,
				Table:  "users",
				Before: map[string]string{"avatar_url": "k"},
			}},
			Position: Position{Cursor: strconv.Itoa(2*i + 2)},
		}))
	}
	close(stop)
	group.Wait()
	require.NoError(t, consumer.flushIfStale(ctx))

	count, err := db.CountOf(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, count)

	checkpoint, ok, err := db.Checkpoint(ctx, "test-stream")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(2*rounds), checkpoint.Cursor)
	assert.EqualValues(t, 2*rounds, consumer.Status().AppliedDeltas)
}

func TestConsumerDrainsOnShutdown(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db, err := registry.Open(zaptest.NewLogger(t), ctx.File("registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(db.Close) })

	source := NewMemSource("test-stream")
	consumer := NewConsumer(zaptest.NewLogger(t), db, source, Watched{
		"users": {"avatar_url"},
	})
	// Keep the periodic flush out of the way; only the shutdown drain can
	// commit the buffered delta.
	consumer.flushInterval = time.Hour

	source.Emit(Event{
		Op:    OpInsert,
		Table: "users",
		After: map[string]string{"avatar_url": "k"},
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	deadline := time.Now().Add(10 * time.Second)
	for consumer.Status().PendingDeltas == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotZero(t, consumer.Status().PendingDeltas)

	cancel()
	require.NoError(t, <-done)

	count, err := db.CountOf(ctx, "k")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	checkpoint, ok, err := db.Checkpoint(ctx, "test-stream")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", checkpoint.Cursor)
}

func TestConsumerStatus(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db, source, consumer, cancel := startConsumer(t, ctx)
	defer cancel()

	assert.False(t, consumer.Healthy())

	source.Emit(Event{
		Op:    OpInsert,
		Table: "users",
		After: map[string]string{"avatar_url": "k"},
	})
	waitForCount(t, ctx, db, "k", 1)

	status := consumer.Status()
	assert.Equal(t, "test-stream", status.Stream)
	assert.True(t, status.Healthy)
	assert.EqualValues(t, 1, status.AppliedDeltas)
	assert.NotEmpty(t, status.Position)
}
