// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"storj.io/s3gc/registry"
)

const (
	// DefaultMaxBatch flushes a batch once it holds this many deltas.
	DefaultMaxBatch = 5000
	// DefaultFlushInterval flushes a non-empty batch at least this often.
	DefaultFlushInterval = 500 * time.Millisecond

	backoffMin = 100 * time.Millisecond
	backoffMax = 30 * time.Second
)

// ConsumerStatus is a snapshot of the consumer for the admin surface.
type ConsumerStatus struct {
	Stream         string    `json:"stream"`
	Healthy        bool      `json:"healthy"`
	LastError      string    `json:"last_error,omitempty"`
	Position       string    `json:"position"`
	Seq            int64     `json:"seq"`
	AppliedDeltas  int64     `json:"applied_deltas"`
	LastAppliedAt  time.Time `json:"last_applied_at"`
	PendingDeltas  int       `json:"pending_deltas"`
	RestartCount   int64     `json:"restart_count"`
	CurrentBackoff string    `json:"current_backoff,omitempty"`
}

// Consumer applies one source's change stream to the registry.
type Consumer struct {
	log      *zap.Logger
	registry *registry.DB
	source   Source
	watch    Watched

	maxBatch      int
	flushInterval time.Duration

	// flushMu is held across a whole flush, extraction through commit,
	// so batches reach the registry in the order they left the buffer.
	flushMu sync.Mutex

	mu         sync.Mutex
	pending    []registry.Delta
	pendingPos Position
	seq        int64
	position   Position
	applied    int64
	appliedAt  time.Time
	healthy    bool
	lastErr    error
	restarts   int64
	backoff    time.Duration
}

// NewConsumer creates a consumer for source feeding db. watch names the
// table columns that hold object keys.
func NewConsumer(log *zap.Logger, db *registry.DB, source Source, watch Watched) *Consumer {
	return &Consumer{
		log:           log,
		registry:      db,
		source:        source,
		watch:         watch,
		maxBatch:      DefaultMaxBatch,
		flushInterval: DefaultFlushInterval,
	}
}

// Run tails the source until ctx is cancelled, reconnecting with
// exponential backoff on stream failures. Every reconnect resumes from the
// last checkpoint the registry committed, so no delta is lost or applied
// out of order.
func (consumer *Consumer) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ticker := time.NewTicker(consumer.flushInterval)
	defer ticker.Stop()

	var group sync.WaitGroup
	group.Add(1)
	tickerCtx, tickerCancel := context.WithCancel(ctx)
	defer func() {
		tickerCancel()
		group.Wait()
	}()
	go func() {
		defer group.Done()
		for {
			select {
			case <-tickerCtx.Done():
				return
			case <-ticker.C:
				if err := consumer.flushIfStale(tickerCtx); err != nil {
					consumer.log.Error("periodic flush failed", zap.Error(err))
				}
			}
		}
	}()

	for {
		start, err := consumer.loadCheckpoint(ctx)
		if err != nil {
			return err
		}

		consumer.log.Info("connecting to change stream",
			zap.String("stream", consumer.source.Name()),
			zap.String("position", start.Cursor))

		err = consumer.source.Run(ctx, start, consumer.handle)
		if ctx.Err() != nil {
			consumer.drain(ctx)
			return nil
		}

		consumer.mu.Lock()
		consumer.healthy = false
		consumer.lastErr = err
		consumer.restarts++
		consumer.pending = consumer.pending[:0]
		consumer.pendingPos = Position{}
		if consumer.backoff == 0 {
			consumer.backoff = backoffMin
		} else {
			consumer.backoff *= 2
			if consumer.backoff > backoffMax {
				consumer.backoff = backoffMax
			}
		}
		wait := consumer.backoff
		consumer.mu.Unlock()

		mon.Counter("cdc_stream_restart").Inc(1)
		consumer.log.Warn("change stream failed, reconnecting",
			zap.String("stream", consumer.source.Name()),
			zap.Duration("backoff", wait),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (consumer *Consumer) loadCheckpoint(ctx context.Context) (Position, error) {
	checkpoint, ok, err := consumer.registry.Checkpoint(ctx, consumer.source.Name())
	if err != nil {
		return Position{}, err
	}
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	if ok {
		consumer.seq = checkpoint.Seq
		consumer.position = Position{Cursor: checkpoint.Cursor}
	}
	return consumer.position, nil
}

// handle buffers one transaction's deltas and flushes when the batch is
// large enough. Called from the source goroutine only.
func (consumer *Consumer) handle(ctx context.Context, message Message) error {
	consumer.mu.Lock()
	for _, event := range message.Events {
		consumer.pending = append(consumer.pending, Deltas(consumer.watch, event)...)
	}
	consumer.pendingPos = message.Position
	full := len(consumer.pending) >= consumer.maxBatch
	consumer.mu.Unlock()

	if full {
		return consumer.flush(ctx)
	}
	return nil
}

func (consumer *Consumer) flushIfStale(ctx context.Context) error {
	consumer.mu.Lock()
	empty := len(consumer.pending) == 0 && consumer.pendingPos.IsZero()
	consumer.mu.Unlock()
	if empty {
		return nil
	}
	return consumer.flush(ctx)
}

// drain flushes the buffered batch during shutdown. When it fails the
// next start replays it from the checkpoint.
func (consumer *Consumer) drain(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := consumer.flush(flushCtx); err != nil {
		consumer.log.Warn("shutdown flush failed", zap.Error(err))
	}
}

// flush commits the buffered deltas and their position as one registry
// transaction, then acknowledges the position upstream. Flushes are
// serialized; handle and the periodic ticker may call concurrently.
func (consumer *Consumer) flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	consumer.flushMu.Lock()
	defer consumer.flushMu.Unlock()

	consumer.mu.Lock()
	if len(consumer.pending) == 0 && consumer.pendingPos.IsZero() {
		consumer.mu.Unlock()
		return nil
	}
	deltas := consumer.pending
	position := consumer.pendingPos
	seq := consumer.seq + 1
	consumer.pending = nil
	consumer.pendingPos = Position{}
	consumer.mu.Unlock()

	err = consumer.registry.ApplyBatch(ctx, deltas, registry.Checkpoint{
		Stream: consumer.source.Name(),
		Cursor: position.Cursor,
		Seq:    seq,
	})
	if err != nil {
		// Push the batch back so a later flush retries it; the stream
		// position has not advanced.
		consumer.mu.Lock()
		consumer.pending = append(deltas, consumer.pending...)
		if consumer.pendingPos.IsZero() {
			consumer.pendingPos = position
		}
		consumer.healthy = false
		consumer.lastErr = err
		consumer.mu.Unlock()
		return err
	}

	consumer.mu.Lock()
	consumer.seq = seq
	consumer.position = position
	consumer.applied += int64(len(deltas))
	consumer.appliedAt = time.Now()
	consumer.healthy = true
	consumer.lastErr = nil
	consumer.backoff = 0
	consumer.mu.Unlock()

	mon.IntVal("cdc_batch_deltas").Observe(int64(len(deltas)))

	if acker, ok := consumer.source.(Acker); ok {
		if err := acker.Ack(ctx, position); err != nil {
			consumer.log.Warn("position ack failed", zap.Error(err))
		}
	}
	return nil
}

// Healthy reports whether the stream is connected and applying.
func (consumer *Consumer) Healthy() bool {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()
	return consumer.healthy
}

// Status returns a snapshot for the admin surface.
func (consumer *Consumer) Status() ConsumerStatus {
	consumer.mu.Lock()
	defer consumer.mu.Unlock()

	status := ConsumerStatus{
		Stream:        consumer.source.Name(),
		Healthy:       consumer.healthy,
		Position:      consumer.position.Cursor,
		Seq:           consumer.seq,
		AppliedDeltas: consumer.applied,
		LastAppliedAt: consumer.appliedAt,
		PendingDeltas: len(consumer.pending),
		RestartCount:  consumer.restarts,
	}
	if consumer.lastErr != nil {
		status.LastError = consumer.lastErr.Error()
	}
	if consumer.backoff > 0 {
		status.CurrentBackoff = consumer.backoff.String()
	}
	return status
}
