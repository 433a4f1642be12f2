// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package vault implements the immutable audit trail and the
// content-addressed backup store deleted objects are copied into.
//
// Records are append-only: the single permitted mutation is marking a
// deletion restored, exactly once. The audit database and the blob
// directory live together under the vault root so an operator can archive
// or replicate the whole directory as one unit.
package vault

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for vault errors.
	Error = errs.Class("vault")
	// ErrConflict is returned when a deletion record already exists for
	// the (operation, key) pair.
	ErrConflict = errs.Class("vault conflict")
	// ErrAlreadyRestored is returned when a record was restored before.
	ErrAlreadyRestored = errs.Class("already restored")
	// ErrNotFound is returned when no matching record exists.
	ErrNotFound = errs.Class("vault record not found")
)

// Counters are the aggregate numbers of one collection cycle.
type Counters struct {
	TotalScanned    int64 `json:"total_scanned"`
	CandidatesFound int64 `json:"candidates_found"`
	VerifiedOrphans int64 `json:"verified_orphans"`
	DeletedCount    int64 `json:"deleted_count"`
	BackedUpCount   int64 `json:"backed_up_count"`
	ErrorCount      int64 `json:"error_count"`
}

// Operation is one collection cycle as recorded in the audit trail.
type Operation struct {
	ID           string     `json:"operation_id"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	Mode         string     `json:"mode"`
	ConfigDigest string     `json:"config_digest"`
	Status       string     `json:"status"`
	Counters     Counters   `json:"counters"`
}

// Record describes one deleted object.
type Record struct {
	OperationID        string     `json:"operation_id"`
	Key                string     `json:"s3_key"`
	BackupPath         string     `json:"backup_path"`
	OriginalSize       int64      `json:"original_size"`
	StoredSize         int64      `json:"stored_size"`
	Codec              string     `json:"codec"`
	ContentHash        string     `json:"content_hash"`
	DeletedAt          time.Time  `json:"deleted_at"`
	RestoredAt         *time.Time `json:"restored_at"`
	RestoreOperationID string     `json:"restore_operation_id,omitempty"`
}

// Stats summarizes the vault contents.
type Stats struct {
	TotalOperations  int64   `json:"total_operations"`
	TotalDeletions   int64   `json:"total_deletions"`
	RestoredCount    int64   `json:"restored_deletions"`
	OriginalBytes    int64   `json:"total_original_bytes"`
	StoredBytes      int64   `json:"total_stored_bytes"`
	CompressionRatio float64 `json:"avg_compression_ratio"`
	VaultSizeBytes   int64   `json:"vault_size_bytes"`
}

// DB is the sqlite backed vault, rooted at a directory holding audit.db
// and the backups/ blob tree.
type DB struct {
	log  *zap.Logger
	root string

	writeMu sync.Mutex
	writes  *sql.DB
	reads   *sql.DB
}

// Open opens or creates a vault rooted at dir.
func Open(log *zap.Logger, dir string) (*DB, error) {
	if err := os.MkdirAll(filepath.Join(dir, "backups"), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}

	dsn := "file:" + filepath.Join(dir, "audit.db") + "?" + url.Values{
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

	db := &DB{log: log, root: dir, writes: writes, reads: reads}
	if err := db.migrate(context.Background()); err != nil {
		return nil, errs.Combine(err, db.Close())
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	_, err := db.writes.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS operations (
			id               TEXT PRIMARY KEY,
			started_at       TIMESTAMP NOT NULL,
			finished_at      TIMESTAMP,
			mode             TEXT NOT NULL,
			config_digest    TEXT NOT NULL DEFAULT '',
			status           TEXT NOT NULL DEFAULT 'running',
			total_scanned    INTEGER NOT NULL DEFAULT 0,
			candidates_found INTEGER NOT NULL DEFAULT 0,
			verified_orphans INTEGER NOT NULL DEFAULT 0,
			deleted_count    INTEGER NOT NULL DEFAULT 0,
			backed_up_count  INTEGER NOT NULL DEFAULT 0,
			error_count      INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS deletions (
			operation_id         TEXT NOT NULL,
			s3_key               TEXT NOT NULL,
			backup_path          TEXT NOT NULL,
			original_size        INTEGER NOT NULL,
			stored_size          INTEGER NOT NULL,
			codec                TEXT NOT NULL,
			content_hash         TEXT NOT NULL,
			deleted_at           TIMESTAMP NOT NULL,
			restored_at          TIMESTAMP,
			restore_operation_id TEXT,
			PRIMARY KEY (operation_id, s3_key),
			FOREIGN KEY (operation_id) REFERENCES operations(id)
		);
		CREATE INDEX IF NOT EXISTS idx_deletions_s3_key ON deletions(s3_key);
		CREATE INDEX IF NOT EXISTS idx_deletions_deleted_at ON deletions(deleted_at);
	`)
	return Error.Wrap(err)
}

// Close releases the database handles.
func (db *DB) Close() error {
	return Error.Wrap(errs.Combine(db.writes.Close(), db.reads.Close()))
}

// Root returns the vault root directory.
func (db *DB) Root() string { return db.root }

// BeginOperation records the start of a collection cycle.
func (db *DB) BeginOperation(ctx context.Context, operationID, mode, configDigest string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err = db.writes.ExecContext(ctx, `
		INSERT INTO operations (id, started_at, mode, config_digest)
		VALUES (?, ?, ?, ?)
	`, operationID, time.Now().UTC(), mode, configDigest)
	return Error.Wrap(err)
}

// EndOperation closes a cycle with its final counters and status.
func (db *DB) EndOperation(ctx context.Context, operationID string, counters Counters, status string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	result, err := db.writes.ExecContext(ctx, `
		UPDATE operations
		SET finished_at = ?, status = ?,
			total_scanned = ?, candidates_found = ?, verified_orphans = ?,
			deleted_count = ?, backed_up_count = ?, error_count = ?
		WHERE id = ? AND finished_at IS NULL
	`, time.Now().UTC(), status,
		counters.TotalScanned, counters.CandidatesFound, counters.VerifiedOrphans,
		counters.DeletedCount, counters.BackedUpCount, counters.ErrorCount,
		operationID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return ErrNotFound.New("open operation %q", operationID)
	}
	return nil
}

// RecordDeletion appends the audit row for one deleted object. A duplicate
// (operation, key) pair returns ErrConflict.
func (db *DB) RecordDeletion(ctx context.Context, record Record) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	deletedAt := record.DeletedAt
	if deletedAt.IsZero() {
		deletedAt = time.Now().UTC()
	}
	_, err = db.writes.ExecContext(ctx, `
		INSERT INTO deletions
			(operation_id, s3_key, backup_path, original_size, stored_size, codec, content_hash, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, record.OperationID, record.Key, record.BackupPath,
		record.OriginalSize, record.StoredSize, record.Codec, record.ContentHash, deletedAt)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return ErrConflict.New("operation %q key %q", record.OperationID, record.Key)
		}
		return Error.Wrap(err)
	}
	return nil
}

// DeleteRecord removes an audit row. It exists only as best-effort cleanup
// for objects whose backup failed before the bucket delete; completed
// records are never removed.
func (db *DB) DeleteRecord(ctx context.Context, operationID, key string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	_, err = db.writes.ExecContext(ctx,
		`DELETE FROM deletions WHERE operation_id = ? AND s3_key = ? AND restored_at IS NULL`,
		operationID, key)
	return Error.Wrap(err)
}

// MarkRestored sets restored_at on a record, exactly once. Repeating the
// call returns ErrAlreadyRestored.
func (db *DB) MarkRestored(ctx context.Context, operationID, key, restoreOperationID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	// restored_at IS NULL in the predicate is what makes records
	// immutable: a second restore matches zero rows.
	result, err := db.writes.ExecContext(ctx, `
		UPDATE deletions
		SET restored_at = ?, restore_operation_id = ?
		WHERE operation_id = ? AND s3_key = ? AND restored_at IS NULL
	`, time.Now().UTC(), restoreOperationID, operationID, key)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		var exists bool
		err = db.reads.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM deletions WHERE operation_id = ? AND s3_key = ?)`,
			operationID, key).Scan(&exists)
		if err != nil {
			return Error.Wrap(err)
		}
		if exists {
			return ErrAlreadyRestored.New("operation %q key %q", operationID, key)
		}
		return ErrNotFound.New("operation %q key %q", operationID, key)
	}
	return nil
}

const recordColumns = `operation_id, s3_key, backup_path, original_size, stored_size,
	codec, content_hash, deleted_at, restored_at, restore_operation_id`

func scanRecord(row interface{ Scan(...any) error }) (Record, error) {
	var record Record
	var restoredAt sql.NullTime
	var restoreOp sql.NullString
	err := row.Scan(&record.OperationID, &record.Key, &record.BackupPath,
		&record.OriginalSize, &record.StoredSize, &record.Codec,
		&record.ContentHash, &record.DeletedAt, &restoredAt, &restoreOp)
	if err != nil {
		return Record{}, err
	}
	if restoredAt.Valid {
		t := restoredAt.Time
		record.RestoredAt = &t
	}
	record.RestoreOperationID = restoreOp.String
	return record, nil
}

// LookupByKey returns the most recent unrestored record for key.
func (db *DB) LookupByKey(ctx context.Context, key string) (_ Record, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := scanRecord(db.reads.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM deletions
		WHERE s3_key = ? AND restored_at IS NULL
		ORDER BY deleted_at DESC, operation_id DESC
		LIMIT 1
	`, key))
	if errs.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound.New("key %q", key)
	}
	return record, Error.Wrap(err)
}

// LookupByOperation returns all records of an operation in key order.
// Restored records are included; callers filter on RestoredAt.
func (db *DB) LookupByOperation(ctx context.Context, operationID string) (_ []Record, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.reads.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM deletions
		WHERE operation_id = ?
		ORDER BY s3_key
	`, operationID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var records []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		records = append(records, record)
	}
	return records, Error.Wrap(rows.Err())
}

// GetOperation returns one operation by id.
func (db *DB) GetOperation(ctx context.Context, operationID string) (_ Operation, err error) {
	defer mon.Task()(&ctx)(&err)

	op, err := scanOperation(db.reads.QueryRowContext(ctx, `
		SELECT `+operationColumns+` FROM operations WHERE id = ?
	`, operationID))
	if errs.Is(err, sql.ErrNoRows) {
		return Operation{}, ErrNotFound.New("operation %q", operationID)
	}
	return op, Error.Wrap(err)
}

const operationColumns = `id, started_at, finished_at, mode, config_digest, status,
	total_scanned, candidates_found, verified_orphans, deleted_count, backed_up_count, error_count`

func scanOperation(row interface{ Scan(...any) error }) (Operation, error) {
	var op Operation
	var finishedAt sql.NullTime
	err := row.Scan(&op.ID, &op.StartedAt, &finishedAt, &op.Mode, &op.ConfigDigest, &op.Status,
		&op.Counters.TotalScanned, &op.Counters.CandidatesFound, &op.Counters.VerifiedOrphans,
		&op.Counters.DeletedCount, &op.Counters.BackedUpCount, &op.Counters.ErrorCount)
	if err != nil {
		return Operation{}, err
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		op.FinishedAt = &t
	}
	return op, nil
}

// ListOperations pages through operations newest first. cursor is the last
// id of the previous page; empty means start from the newest. The returned
// cursor is empty when there are no further pages.
func (db *DB) ListOperations(ctx context.Context, limit int, cursor string) (_ []Operation, nextCursor string, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	query := `SELECT ` + operationColumns + ` FROM operations`
	args := []any{}
	if cursor != "" {
		query += ` WHERE id < ?`
		args = append(args, cursor)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.reads.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, "", Error.Wrap(err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, "", Error.Wrap(err)
	}
	if len(ops) == limit {
		nextCursor = ops[len(ops)-1].ID
	}
	return ops, nextCursor, nil
}

// Stats returns aggregates over the audit trail and the size of the vault
// directory on disk.
func (db *DB) Stats(ctx context.Context) (stats Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.reads.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM operations),
			COUNT(*),
			COUNT(restored_at),
			COALESCE(SUM(original_size), 0),
			COALESCE(SUM(stored_size), 0),
			COALESCE(AVG(CAST(original_size AS REAL) / NULLIF(stored_size, 0)), 0)
		FROM deletions
	`).Scan(&stats.TotalOperations, &stats.TotalDeletions, &stats.RestoredCount,
		&stats.OriginalBytes, &stats.StoredBytes, &stats.CompressionRatio)
	if err != nil {
		return Stats{}, Error.Wrap(err)
	}

	err = filepath.Walk(db.root, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			// Blobs may vanish mid-walk; size is best-effort.
			return nil
		}
		if !info.IsDir() {
			stats.VaultSizeBytes += info.Size()
		}
		return nil
	})
	return stats, Error.Wrap(err)
}
