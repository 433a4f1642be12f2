// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package cdc turns database change streams into reference count deltas.
//
// A Source tails one replication stream (Postgres logical replication or a
// MySQL binlog) and emits row change events grouped by transaction. The
// Consumer decodes events into deltas for the watched columns and applies
// them to the registry in batches, each batch committed atomically with the
// stream position it covers.
package cdc

import (
	"context"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"

	"storj.io/s3gc/registry"
)

var (
	mon = monkit.Package()

	// Error is the default error class for cdc errors.
	Error = errs.Class("cdc")
)

// Op is the kind of row change.
type Op int

// Row change kinds.
const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

// String returns the lowercase op name.
func (op Op) String() string {
	switch op {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one row change. Before and After carry the watched column values
// as strings; NULL columns are absent from the map. Only the watched
// columns need to be present.
type Event struct {
	Op     Op
	Table  string
	Before map[string]string
	After  map[string]string
}

// Position is an opaque stream cursor: a Postgres LSN string or a
// serialized binlog position. The zero Position means the stream head.
type Position struct {
	Cursor string
}

// IsZero reports whether the position is unset.
func (p Position) IsZero() bool { return p.Cursor == "" }

// Message is the events of one source transaction together with the
// position a restart should resume from once they are applied.
type Message struct {
	Events   []Event
	Position Position
}

// Source tails one replication stream.
type Source interface {
	// Name identifies the stream for checkpointing. It must be stable
	// across restarts.
	Name() string

	// Run connects and emits messages until ctx is cancelled or the
	// stream fails. start is the last durably applied position; the zero
	// position means begin at the current stream head.
	Run(ctx context.Context, start Position, emit func(context.Context, Message) error) error

	// Close releases the stream resources.
	Close() error
}

// Acker is implemented by sources that confirm applied positions upstream,
// such as Postgres standby status updates that let the server discard WAL.
type Acker interface {
	Ack(ctx context.Context, pos Position) error
}

// Watched maps table names to the columns holding object keys.
type Watched map[string][]string

// Deltas decodes one event into reference count deltas. Empty and absent
// column values produce no delta. An update emits the decrement for the old
// value before the increment for the new one.
func Deltas(watch Watched, event Event) []registry.Delta {
	columns, ok := watch[event.Table]
	if !ok {
		return nil
	}

	var deltas []registry.Delta
	for _, column := range columns {
		oldValue := event.Before[column]
		newValue := event.After[column]

		switch event.Op {
		case OpInsert:
			if newValue != "" {
				deltas = append(deltas, registry.Delta{
					Key: newValue, Sign: +1, Table: event.Table, Column: column,
				})
			}
		case OpDelete:
			if oldValue != "" {
				deltas = append(deltas, registry.Delta{
					Key: oldValue, Sign: -1, Table: event.Table, Column: column,
				})
			}
		case OpUpdate:
			if oldValue == newValue {
				continue
			}
			if oldValue != "" {
				deltas = append(deltas, registry.Delta{
					Key: oldValue, Sign: -1, Table: event.Table, Column: column,
				})
			}
			if newValue != "" {
				deltas = append(deltas, registry.Delta{
					Key: newValue, Sign: +1, Table: event.Table, Column: column,
				})
			}
		}
	}
	return deltas
}
