// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package cdc

import (
	"context"
	"strconv"
	"sync"
)

// MemSource is an in-memory Source for tests. Messages pushed with Emit are
// delivered in order; positions are the message index as a decimal string.
// Fail injects a stream error so reconnect behavior can be exercised.
type MemSource struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []memEntry
	next    int
	acked   Position
	closed  bool
	failErr error
}

type memEntry struct {
	events   []Event
	err      error
	consumed bool
}

// NewMemSource creates an empty in-memory stream.
func NewMemSource(name string) *MemSource {
	source := &MemSource{name: name}
	source.cond = sync.NewCond(&source.mu)
	return source
}

// Name implements Source.
func (source *MemSource) Name() string { return source.name }

// Emit queues one transaction of events.
func (source *MemSource) Emit(events ...Event) {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.queue = append(source.queue, memEntry{events: events})
	source.cond.Broadcast()
}

// Fail queues a stream error. Run returns it after delivering everything
// queued before it.
func (source *MemSource) Fail(err error) {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.queue = append(source.queue, memEntry{err: err})
	source.cond.Broadcast()
}

// Run implements Source.
func (source *MemSource) Run(ctx context.Context, start Position, emit func(context.Context, Message) error) error {
	index := 0
	if !start.IsZero() {
		parsed, err := strconv.Atoi(start.Cursor)
		if err != nil {
			return Error.Wrap(err)
		}
		index = parsed
	}

	stop := context.AfterFunc(ctx, func() {
		source.mu.Lock()
		defer source.mu.Unlock()
		source.cond.Broadcast()
	})
	defer stop()

	for {
		source.mu.Lock()
		for index >= len(source.queue) && !source.closed && ctx.Err() == nil {
			source.cond.Wait()
		}
		if ctx.Err() != nil || source.closed {
			source.mu.Unlock()
			return ctx.Err()
		}
		entry := source.queue[index]
		if entry.err != nil {
			if entry.consumed {
				// Error already delivered on a previous connection.
				index++
				source.mu.Unlock()
				continue
			}
			source.queue[index].consumed = true
			source.mu.Unlock()
			return entry.err
		}
		source.mu.Unlock()

		index++
		err := emit(ctx, Message{
			Events:   entry.events,
			Position: Position{Cursor: strconv.Itoa(index)},
		})
		if err != nil {
			return err
		}
	}
}

// Ack implements Acker.
func (source *MemSource) Ack(ctx context.Context, pos Position) error {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.acked = pos
	return nil
}

// Acked returns the last acknowledged position.
func (source *MemSource) Acked() Position {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.acked
}

// Close implements Source.
func (source *MemSource) Close() error {
	source.mu.Lock()
	defer source.mu.Unlock()
	source.closed = true
	source.cond.Broadcast()
	return nil
}
