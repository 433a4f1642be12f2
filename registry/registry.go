// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package registry maintains the durable reference counts for object keys.
//
// The registry is fed online by the CDC consumer and offline by full table
// scans. Counts never drop below zero and rows are kept after they reach
// zero so the collector can reason about keys it has seen before.
package registry

import (
	"context"
	"database/sql"
	"net/url"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver.
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for registry errors.
	Error = errs.Class("registry")
	// ErrUnderflow is returned when a decrement would drop a count below zero.
	ErrUnderflow = errs.Class("registry underflow")
)

// Delta is a single reference count adjustment. Sign is +1 or -1. Table and
// Column record where the reference originated; they are logged for
// debugging but do not affect the count.
type Delta struct {
	Key    string
	Sign   int
	Table  string
	Column string
}

// Checkpoint is an opaque CDC stream position. Cursor is a Postgres LSN
// string or a serialized MySQL binlog position; Seq advances monotonically
// with every persisted batch.
type Checkpoint struct {
	Stream string
	Cursor string
	Seq    int64
}

// Stats summarizes the registry contents.
type Stats struct {
	TotalKeys      int64
	ReferencedKeys int64
	OrphanedKeys   int64
	TotalRefs      int64
}

// DB is the sqlite backed registry. Writes are serialized behind a single
// connection and a mutex so deltas from one CDC stream are applied in
// order; reads use a separate handle and see snapshot state under WAL.
type DB struct {
	log *zap.Logger

	writeMu sync.Mutex
	writes  *sql.DB
	reads   *sql.DB
}

// Open opens or creates the registry database at path.
func Open(log *zap.Logger, path string) (*DB, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_journal_mode": []string{"WAL"},
		"_busy_timeout": []string{"5000"},
		"_synchronous":  []string{"FULL"},
	}.Encode()

	writes, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	writes.SetMaxOpenConns(1)

	reads, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errs.Combine(Error.Wrap(err), writes.Close())
	}

	db := &DB{log: log, writes: writes, reads: reads}
	if err := db.migrate(context.Background()); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.writes.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS refs (
			s3_key     TEXT PRIMARY KEY,
			ref_count  INTEGER NOT NULL DEFAULT 0 CHECK (ref_count >= 0),
			first_seen TIMESTAMP NOT NULL,
			last_seen  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_refs_ref_count ON refs(ref_count);
		CREATE TABLE IF NOT EXISTS checkpoints (
			stream     TEXT PRIMARY KEY,
			cursor     TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);
	`)
	return Error.Wrap(err)
}

// Close releases both database handles.
func (db *DB) Close() error {
	return Error.Wrap(errs.Combine(db.writes.Close(), db.reads.Close()))
}

// Increment atomically raises the count for key by one, creating the row
// when absent.
func (db *DB) Increment(ctx context.Context, key string, source Delta) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.log.Debug("increment",
		zap.String("key", key),
		zap.String("table", source.Table),
		zap.String("column", source.Column))

	now := time.Now().UTC()
	_, err = db.writes.ExecContext(ctx, `
		INSERT INTO refs (s3_key, ref_count, first_seen, last_seen)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(s3_key) DO UPDATE SET
			ref_count = ref_count + 1,
			last_seen = excluded.last_seen
	`, key, now, now)
	return Error.Wrap(err)
}

// Decrement atomically lowers the count for key by one. It returns
// ErrUnderflow when the row is missing or already at zero.
func (db *DB) Decrement(ctx context.Context, key string, source Delta) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	db.log.Debug("decrement",
		zap.String("key", key),
		zap.String("table", source.Table),
		zap.String("column", source.Column))

	return db.decrementLocked(ctx, db.writes, key)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) decrementLocked(ctx context.Context, ex execer, key string) error {
	result, err := ex.ExecContext(ctx, `
		UPDATE refs
		SET ref_count = ref_count - 1, last_seen = ?
		WHERE s3_key = ? AND ref_count > 0
	`, time.Now().UTC(), key)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrUnderflow.New("key %q", key)
	}
	return nil
}

// CountOf returns the current count for key, zero for unknown keys.
func (db *DB) CountOf(ctx context.Context, key string) (count int64, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.reads.QueryRowContext(ctx,
		`SELECT ref_count FROM refs WHERE s3_key = ?`, key).Scan(&count)
	if errs.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return count, Error.Wrap(err)
}

// ApplyBatch applies an ordered list of deltas and persists the checkpoint
// in a single transaction. This is the sole durability contract the CDC
// consumer relies on: either all deltas and the checkpoint commit, or none
// do, so a retry from the previous checkpoint is always safe.
//
// Underflowing decrements inside a batch are logged and skipped; they mean
// the delta was already applied before a crash and the stream is replaying.
func (db *DB) ApplyBatch(ctx context.Context, deltas []Delta, checkpoint Checkpoint) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.writes.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	now := time.Now().UTC()
	for _, delta := range deltas {
		switch {
		case delta.Sign > 0:
			_, err = tx.ExecContext(ctx, `
				INSERT INTO refs (s3_key, ref_count, first_seen, last_seen)
				VALUES (?, 1, ?, ?)
				ON CONFLICT(s3_key) DO UPDATE SET
					ref_count = ref_count + 1,
					last_seen = excluded.last_seen
			`, delta.Key, now, now)
			if err != nil {
				return Error.Wrap(err)
			}
		case delta.Sign < 0:
			if err := db.decrementLocked(ctx, tx, delta.Key); err != nil {
				if !ErrUnderflow.Has(err) {
					return err
				}
				mon.Counter("registry_underflow").Inc(1)
				db.log.Warn("underflow in batch, treating as duplicate",
					zap.String("key", delta.Key),
					zap.String("table", delta.Table),
					zap.String("column", delta.Column))
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (stream, cursor, seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream) DO UPDATE SET
			cursor = excluded.cursor,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`, checkpoint.Stream, checkpoint.Cursor, checkpoint.Seq, now)
	if err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(tx.Commit())
}

// Checkpoint returns the persisted position for stream, reporting whether
// one exists.
func (db *DB) Checkpoint(ctx context.Context, stream string) (_ Checkpoint, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	checkpoint := Checkpoint{Stream: stream}
	err = db.reads.QueryRowContext(ctx,
		`SELECT cursor, seq FROM checkpoints WHERE stream = ?`, stream).
		Scan(&checkpoint.Cursor, &checkpoint.Seq)
	if errs.Is(err, sql.ErrNoRows) {
		return Checkpoint{Stream: stream}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, Error.Wrap(err)
	}
	return checkpoint, true, nil
}

// Count is an absolute count for one key, produced by a full table scan.
type Count struct {
	Key   string
	Count int64
}

// Rebuild replaces the counts for every supplied key in one transaction.
// Keys not present in counts are left untouched. Used only by scan-based
// rebuild, where counts are authoritative.
func (db *DB) Rebuild(ctx context.Context, counts []Count) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.writes.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	now := time.Now().UTC()
	for _, count := range counts {
		if count.Count < 0 {
			return Error.New("negative count %d for key %q", count.Count, count.Key)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO refs (s3_key, ref_count, first_seen, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(s3_key) DO UPDATE SET
				ref_count = excluded.ref_count,
				last_seen = excluded.last_seen
		`, count.Key, count.Count, now, now)
		if err != nil {
			return Error.Wrap(err)
		}
	}

	return Error.Wrap(tx.Commit())
}

// Stats returns aggregate numbers over the registry.
func (db *DB) Stats(ctx context.Context) (stats Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.reads.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(CASE WHEN ref_count > 0 THEN 1 END),
			COUNT(CASE WHEN ref_count = 0 THEN 1 END),
			COALESCE(SUM(ref_count), 0)
		FROM refs
	`).Scan(&stats.TotalKeys, &stats.ReferencedKeys, &stats.OrphanedKeys, &stats.TotalRefs)
	return stats, Error.Wrap(err)
}

// Cleanup removes zero-count rows whose last_seen is before cutoff. It
// exists for operators; the collector never calls it on its own.
func (db *DB) Cleanup(ctx context.Context, cutoff time.Time) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	result, err := db.writes.ExecContext(ctx,
		`DELETE FROM refs WHERE ref_count = 0 AND last_seen < ?`, cutoff.UTC())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	return removed, Error.Wrap(err)
}
