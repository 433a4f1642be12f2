// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package pgrepl tails a Postgres logical replication slot with the
// pgoutput plugin and turns row changes into cdc events.
//
// The slot and publication are created by the operator, not by this
// process; replicating from a slot this process created and later lost
// would silently skip changes. Watched tables need REPLICA IDENTITY FULL so
// deletes and updates carry the old column values.
package pgrepl

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/s3gc/cdc"
)

var (
	mon = monkit.Package()

	// Error is the default error class for pgrepl errors.
	Error = errs.Class("pgrepl")
	// ErrSlotMissing means the configured replication slot does not exist.
	// This is fatal: retrying cannot create it and the stream would lose
	// every change made meanwhile.
	ErrSlotMissing = errs.Class("replication slot missing")
)

const standbyStatusInterval = 10 * time.Second

// Config configures the Postgres source.
type Config struct {
	// ConnString is a libpq-style connection string. The source appends
	// replication=database itself.
	ConnString string
	// Slot is the logical replication slot name.
	Slot string
	// Publication is the publication the slot decodes through.
	Publication string
}

// Source implements cdc.Source over a logical replication connection.
type Source struct {
	log    *zap.Logger
	config Config

	mu        sync.Mutex
	conn      *pgconn.PgConn
	relations map[uint32]*pglogrepl.RelationMessage
	ackedLSN  pglogrepl.LSN
}

// New creates a Postgres source.
func New(log *zap.Logger, config Config) *Source {
	if config.Publication == "" {
		config.Publication = config.Slot
	}
	return &Source{
		log:       log,
		config:    config,
		relations: map[uint32]*pglogrepl.RelationMessage{},
	}
}

// Name implements cdc.Source.
func (source *Source) Name() string { return "postgres:" + source.config.Slot }

// Preflight verifies the replication slot exists. Called once at startup so
// a missing slot fails the process instead of spinning in reconnects.
func (source *Source) Preflight(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	conn, err := pgconn.Connect(ctx, source.config.ConnString)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, conn.Close(ctx)) }()

	result := conn.ExecParams(ctx,
		`SELECT 1 FROM pg_replication_slots WHERE slot_name = $1 AND plugin = 'pgoutput'`,
		[][]byte{[]byte(source.config.Slot)}, nil, nil, nil).Read()
	if result.Err != nil {
		return Error.Wrap(result.Err)
	}
	if len(result.Rows) == 0 {
		return ErrSlotMissing.New("%q", source.config.Slot)
	}
	return nil
}

// Run implements cdc.Source.
func (source *Source) Run(ctx context.Context, start cdc.Position, emit func(context.Context, cdc.Message) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	connString := source.config.ConnString
	if !strings.Contains(connString, "replication=") {
		connString += " replication=database"
	}
	conn, err := pgconn.Connect(ctx, connString)
	if err != nil {
		return Error.Wrap(err)
	}
	source.mu.Lock()
	source.conn = conn
	source.mu.Unlock()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		err = errs.Combine(err, conn.Close(closeCtx))
	}()

	var startLSN pglogrepl.LSN
	if !start.IsZero() {
		startLSN, err = pglogrepl.ParseLSN(start.Cursor)
		if err != nil {
			return Error.Wrap(err)
		}
	} else {
		system, err := pglogrepl.IdentifySystem(ctx, conn)
		if err != nil {
			return Error.Wrap(err)
		}
		startLSN = system.XLogPos
	}

	err = pglogrepl.StartReplication(ctx, conn, source.config.Slot, startLSN,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				"publication_names '" + source.config.Publication + "'",
			},
		})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "42704" {
			return ErrSlotMissing.New("%q", source.config.Slot)
		}
		return Error.Wrap(err)
	}

	source.setAcked(startLSN)
	source.log.Info("logical replication started",
		zap.String("slot", source.config.Slot),
		zap.String("lsn", startLSN.String()))

	var txEvents []cdc.Event
	nextStatus := time.Now().Add(standbyStatusInterval)

	for {
		if time.Now().After(nextStatus) {
			if err := source.sendStatus(ctx, conn); err != nil {
				return err
			}
			nextStatus = time.Now().Add(standbyStatusInterval)
		}

		receiveCtx, cancel := context.WithDeadline(ctx, nextStatus)
		rawMessage, err := conn.ReceiveMessage(receiveCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) && ctx.Err() == nil {
				continue
			}
			return Error.Wrap(err)
		}

		message, ok := rawMessage.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch message.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			keepalive, err := pglogrepl.ParsePrimaryKeepaliveMessage(message.Data[1:])
			if err != nil {
				return Error.Wrap(err)
			}
			if keepalive.ReplyRequested {
				nextStatus = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(message.Data[1:])
			if err != nil {
				return Error.Wrap(err)
			}
			logical, err := pglogrepl.Parse(xld.WALData)
			if err != nil {
				return Error.Wrap(err)
			}

			switch decoded := logical.(type) {
			case *pglogrepl.RelationMessage:
				source.mu.Lock()
				source.relations[decoded.RelationID] = decoded
				source.mu.Unlock()

			case *pglogrepl.BeginMessage:
				txEvents = txEvents[:0]

			case *pglogrepl.InsertMessage:
				event, ok := source.decodeEvent(cdc.OpInsert, decoded.RelationID, nil, decoded.Tuple)
				if ok {
					txEvents = append(txEvents, event)
				}

			case *pglogrepl.UpdateMessage:
				event, ok := source.decodeEvent(cdc.OpUpdate, decoded.RelationID, decoded.OldTuple, decoded.NewTuple)
				if ok {
					txEvents = append(txEvents, event)
				}

			case *pglogrepl.DeleteMessage:
				event, ok := source.decodeEvent(cdc.OpDelete, decoded.RelationID, decoded.OldTuple, nil)
				if ok {
					txEvents = append(txEvents, event)
				}

			case *pglogrepl.CommitMessage:
				err := emit(ctx, cdc.Message{
					Events:   txEvents,
					Position: cdc.Position{Cursor: decoded.CommitLSN.String()},
				})
				if err != nil {
					return err
				}
				txEvents = nil
			}
		}
	}
}

// decodeEvent maps a tuple pair onto a cdc event using the cached relation
// metadata. Unknown relations are skipped; the server always sends the
// relation message before the first row of a table.
func (source *Source) decodeEvent(op cdc.Op, relationID uint32, old, new *pglogrepl.TupleData) (cdc.Event, bool) {
	source.mu.Lock()
	relation, ok := source.relations[relationID]
	source.mu.Unlock()
	if !ok {
		source.log.Warn("row for unknown relation", zap.Uint32("relation_id", relationID))
		return cdc.Event{}, false
	}

	return cdc.Event{
		Op:     op,
		Table:  relation.RelationName,
		Before: decodeTuple(relation, old),
		After:  decodeTuple(relation, new),
	}, true
}

func decodeTuple(relation *pglogrepl.RelationMessage, tuple *pglogrepl.TupleData) map[string]string {
	if tuple == nil {
		return nil
	}
	values := make(map[string]string, len(tuple.Columns))
	for i, column := range tuple.Columns {
		if i >= len(relation.Columns) {
			break
		}
		// 't' is a text value; nulls and unchanged toast values stay
		// absent so the decoder treats them as no reference.
		if column.DataType == pglogrepl.TupleDataTypeText {
			values[relation.Columns[i].Name] = string(column.Data)
		}
	}
	return values
}

func (source *Source) sendStatus(ctx context.Context, conn *pgconn.PgConn) error {
	acked := source.acked()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: acked,
		WALFlushPosition: acked,
		WALApplyPosition: acked,
	})
	return Error.Wrap(err)
}

func (source *Source) acked() pglogrepl.LSN {
	source.mu.Lock()
	defer source.mu.Unlock()
	return source.ackedLSN
}

func (source *Source) setAcked(lsn pglogrepl.LSN) {
	source.mu.Lock()
	defer source.mu.Unlock()
	if lsn > source.ackedLSN {
		source.ackedLSN = lsn
	}
}

// Ack implements cdc.Acker. The acknowledged position is reported with the
// next standby status update, letting the server discard WAL up to it.
func (source *Source) Ack(ctx context.Context, pos cdc.Position) error {
	lsn, err := pglogrepl.ParseLSN(pos.Cursor)
	if err != nil {
		return Error.Wrap(err)
	}
	source.setAcked(lsn)
	return nil
}

// Close implements cdc.Source.
func (source *Source) Close() error {
	source.mu.Lock()
	conn := source.conn
	source.mu.Unlock()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return Error.Wrap(conn.Close(ctx))
}
