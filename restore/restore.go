// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package restore puts backed up objects back into the bucket from their
// vault blobs, verifying content hashes before any write.
package restore

import (
	"bytes"
	"context"
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/s3gc/compress"
	"storj.io/s3gc/objstore"
	"storj.io/s3gc/vault"
)

var (
	mon = monkit.Package()

	// Error is the default error class for restore errors.
	Error = errs.Class("restore")
)

// ObjectError is one per-record restore failure.
type ObjectError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// Result is the outcome of one restore invocation.
type Result struct {
	OperationID        string        `json:"operation_id,omitempty"`
	RestoreOperationID string        `json:"restore_operation_id"`
	DryRun             bool          `json:"dry_run"`
	RestoredCount      int           `json:"restored_count"`
	SkippedCount       int           `json:"skipped_count"`
	FailedCount        int           `json:"failed_count"`
	RestoredKeys       []string      `json:"restored_keys"`
	Errors             []ObjectError `json:"errors"`
	Duration           time.Duration `json:"duration"`
}

// Service restores vault records.
type Service struct {
	log   *zap.Logger
	vault *vault.DB
	store objstore.Client

	ulidMu      sync.Mutex
	ulidEntropy *ulid.MonotonicEntropy
}

// NewService creates the restore service.
func NewService(log *zap.Logger, vaultDB *vault.DB, store objstore.Client) *Service {
	return &Service{
		log:         log,
		vault:       vaultDB,
		store:       store,
		ulidEntropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (service *Service) newRestoreID() string {
	service.ulidMu.Lock()
	defer service.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), service.ulidEntropy).String()
}

// RestoreOperation restores every unrestored record of one collection
// operation. Already restored records are not touched, so re-invoking after
// a partial failure only retries what is still missing.
func (service *Service) RestoreOperation(ctx context.Context, operationID string, dryRun, skipExisting bool) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := service.vault.GetOperation(ctx, operationID); err != nil {
		return nil, err
	}
	records, err := service.vault.LookupByOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OperationID:        operationID,
		RestoreOperationID: service.newRestoreID(),
		DryRun:             dryRun,
	}
	startedAt := time.Now()

	for _, record := range records {
		if record.RestoredAt != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, Error.Wrap(err)
		}
		service.restoreRecord(ctx, record, result, dryRun, skipExisting)
	}

	sort.Strings(result.RestoredKeys)
	result.Duration = time.Since(startedAt)

	service.log.Info("restore finished",
		zap.String("operation_id", operationID),
		zap.String("restore_operation_id", result.RestoreOperationID),
		zap.Bool("dry_run", dryRun),
		zap.Int("restored", result.RestoredCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("failed", result.FailedCount))
	return result, nil
}

// RestoreKey restores the most recent unrestored record for one key.
func (service *Service) RestoreKey(ctx context.Context, key string, dryRun bool) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	record, err := service.vault.LookupByKey(ctx, key)
	if err != nil {
		return nil, err
	}

	result := &Result{
		OperationID:        record.OperationID,
		RestoreOperationID: service.newRestoreID(),
		DryRun:             dryRun,
	}
	startedAt := time.Now()
	service.restoreRecord(ctx, record, result, dryRun, false)
	result.Duration = time.Since(startedAt)
	return result, nil
}

// restoreRecord brings one record back: open blob, decompress, verify the
// content hash, put under the original key, mark restored. Any failure is
// recorded on the result and aborts only this record.
func (service *Service) restoreRecord(ctx context.Context, record vault.Record, result *Result, dryRun, skipExisting bool) {
	fail := func(message string) {
		result.FailedCount++
		result.Errors = append(result.Errors, ObjectError{Key: record.Key, Message: message})
		service.log.Warn("restore failed",
			zap.String("key", record.Key), zap.String("message", message))
	}

	// Records written in audit_only mode have no blob behind them.
	if record.ContentHash == "" || record.BackupPath == "" {
		fail("record has no backup content, written in audit_only mode")
		return
	}

	if skipExisting {
		_, exists, err := service.store.Stat(ctx, record.Key)
		if err != nil {
			fail(err.Error())
			return
		}
		if exists {
			// Skipping does not mark the record; a later restore without
			// skip_existing can still overwrite.
			result.SkippedCount++
			return
		}
	}

	codec, err := compress.ParseCodec(record.Codec)
	if err != nil {
		fail(err.Error())
		return
	}

	blob, err := service.vault.OpenBlob(record.BackupPath)
	if err != nil {
		fail(err.Error())
		return
	}
	defer func() { _ = blob.Close() }()

	var content bytes.Buffer
	if _, err := compress.Decompress(&content, blob, codec); err != nil {
		fail(err.Error())
		return
	}
	if hash := compress.HashBytes(content.Bytes()); hash != record.ContentHash {
		fail("content hash mismatch: blob is corrupt")
		return
	}

	if dryRun {
		result.RestoredCount++
		result.RestoredKeys = append(result.RestoredKeys, record.Key)
		return
	}

	err = service.store.Put(ctx, record.Key, bytes.NewReader(content.Bytes()), int64(content.Len()))
	if err != nil {
		fail(err.Error())
		return
	}

	err = service.vault.MarkRestored(ctx, record.OperationID, record.Key, result.RestoreOperationID)
	if err != nil && !vault.ErrAlreadyRestored.Has(err) {
		fail(err.Error())
		return
	}

	result.RestoredCount++
	result.RestoredKeys = append(result.RestoredKeys, record.Key)
}
