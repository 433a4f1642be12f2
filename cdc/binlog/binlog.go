// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package binlog tails a MySQL binary log and turns row changes into cdc
// events. It requires binlog_format=ROW and binlog_row_image=FULL so
// updates and deletes carry the old column values.
package binlog

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-mysql-org/go-mysql/canal"
	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/s3gc/cdc"
)

var (
	mon = monkit.Package()

	// Error is the default error class for binlog errors.
	Error = errs.Class("binlog")
)

// Config configures the MySQL source.
type Config struct {
	Addr     string // host:port
	User     string
	Password string
	Database string
	// ServerID must be unique among all replicas of the server.
	ServerID uint32
}

// Source implements cdc.Source over a binlog replication connection.
type Source struct {
	log    *zap.Logger
	config Config

	mu    sync.Mutex
	canal *canal.Canal
}

// New creates a MySQL source.
func New(log *zap.Logger, config Config) *Source {
	if config.ServerID == 0 {
		config.ServerID = 4001
	}
	return &Source{log: log, config: config}
}

// Name implements cdc.Source.
func (source *Source) Name() string {
	return fmt.Sprintf("mysql:%s:%d", source.config.Addr, source.config.ServerID)
}

// formatPosition serializes a binlog position as file:pos:serverid. The
// server id is informational; resume only needs file and offset.
func (source *Source) formatPosition(pos mysql.Position) string {
	return fmt.Sprintf("%s:%d:%d", pos.Name, pos.Pos, source.config.ServerID)
}

func parsePosition(cursor string) (mysql.Position, error) {
	parts := strings.Split(cursor, ":")
	if len(parts) < 2 {
		return mysql.Position{}, Error.New("malformed position %q", cursor)
	}
	offset, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return mysql.Position{}, Error.New("malformed position %q: %v", cursor, err)
	}
	return mysql.Position{Name: parts[0], Pos: uint32(offset)}, nil
}

// Run implements cdc.Source.
func (source *Source) Run(ctx context.Context, start cdc.Position, emit func(context.Context, cdc.Message) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	cfg := canal.NewDefaultConfig()
	cfg.Addr = source.config.Addr
	cfg.User = source.config.User
	cfg.Password = source.config.Password
	cfg.ServerID = source.config.ServerID
	cfg.Dump.ExecutionPath = "" // stream only, never mysqldump a backfill

	c, err := canal.NewCanal(cfg)
	if err != nil {
		return Error.Wrap(err)
	}
	source.mu.Lock()
	source.canal = c
	source.mu.Unlock()

	var startPos mysql.Position
	if start.IsZero() {
		startPos, err = c.GetMasterPos()
		if err != nil {
			c.Close()
			return Error.Wrap(err)
		}
	} else {
		startPos, err = parsePosition(start.Cursor)
		if err != nil {
			c.Close()
			return err
		}
	}

	handler := &eventHandler{ctx: ctx, source: source, emit: emit}
	c.SetEventHandler(handler)

	source.log.Info("binlog replication started",
		zap.String("addr", source.config.Addr),
		zap.String("position", source.formatPosition(startPos)))

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	err = c.RunFrom(startPos)
	close(done)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if handler.emitErr != nil {
		return handler.emitErr
	}
	return Error.Wrap(err)
}

// Close implements cdc.Source.
func (source *Source) Close() error {
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.canal != nil {
		source.canal.Close()
	}
	return nil
}

// eventHandler buffers the row events of a transaction and hands them to
// the consumer when the commit is seen.
type eventHandler struct {
	canal.DummyEventHandler

	ctx    context.Context
	source *Source
	emit   func(context.Context, cdc.Message) error

	pending []cdc.Event
	emitErr error
}

// OnRow buffers one row event. Rows on an update event arrive as
// before/after pairs.
func (handler *eventHandler) OnRow(e *canal.RowsEvent) error {
	if handler.source.config.Database != "" && e.Table.Schema != handler.source.config.Database {
		return nil
	}

	columns := e.Table.Columns
	rowValues := func(row []interface{}) map[string]string {
		values := make(map[string]string, len(columns))
		for i := range columns {
			if i >= len(row) || row[i] == nil {
				continue
			}
			switch v := row[i].(type) {
			case string:
				values[columns[i].Name] = v
			case []byte:
				values[columns[i].Name] = string(v)
			default:
				values[columns[i].Name] = fmt.Sprint(v)
			}
		}
		return values
	}

	switch e.Action {
	case canal.InsertAction:
		for _, row := range e.Rows {
			handler.pending = append(handler.pending, cdc.Event{
				Op:    cdc.OpInsert,
				Table: e.Table.Name,
				After: rowValues(row),
			})
		}
	case canal.DeleteAction:
		for _, row := range e.Rows {
			handler.pending = append(handler.pending, cdc.Event{
				Op:     cdc.OpDelete,
				Table:  e.Table.Name,
				Before: rowValues(row),
			})
		}
	case canal.UpdateAction:
		for i := 0; i+1 < len(e.Rows); i += 2 {
			handler.pending = append(handler.pending, cdc.Event{
				Op:     cdc.OpUpdate,
				Table:  e.Table.Name,
				Before: rowValues(e.Rows[i]),
				After:  rowValues(e.Rows[i+1]),
			})
		}
	}
	return nil
}

// OnXID fires at transaction commit; nextPos is the resume position after
// the transaction.
func (handler *eventHandler) OnXID(header *replication.EventHeader, nextPos mysql.Position) error {
	events := handler.pending
	handler.pending = nil

	err := handler.emit(handler.ctx, cdc.Message{
		Events:   events,
		Position: cdc.Position{Cursor: handler.source.formatPosition(nextPos)},
	})
	if err != nil {
		handler.emitErr = err
		return err
	}
	return nil
}

// OnRotate tracks log file rotation so a resume position never points into
// a purged file.
func (handler *eventHandler) OnRotate(header *replication.EventHeader, rotateEvent *replication.RotateEvent) error {
	handler.source.log.Debug("binlog rotated", zap.ByteString("file", rotateEvent.NextLogName))
	return nil
}

// String implements canal.EventHandler.
func (handler *eventHandler) String() string { return "s3gc-binlog" }
