// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package gc

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/s3gc/compress"
	"storj.io/s3gc/objstore"
	"storj.io/s3gc/registry"
	"storj.io/s3gc/vault"
)

// cycleState accumulates counters, keys and bounded errors across workers.
type cycleState struct {
	mu          sync.Mutex
	counters    vault.Counters
	orphanKeys  []string
	deletedKeys []string
	errors      []CycleError
	truncated   bool
}

func (state *cycleState) addError(log *zap.Logger, key, kind, message string) {
	mon.Counter("gc_object_error").Inc(1)
	log.Warn("object error",
		zap.String("key", key),
		zap.String("kind", kind),
		zap.String("message", message))

	state.mu.Lock()
	defer state.mu.Unlock()
	state.counters.ErrorCount++
	if len(state.errors) >= maxRecordedErrors {
		state.truncated = true
		return
	}
	state.errors = append(state.errors, CycleError{Key: key, Kind: kind, Message: message})
}

func (state *cycleState) markOrphan(key string) {
	state.mu.Lock()
	state.counters.VerifiedOrphans++
	state.orphanKeys = append(state.orphanKeys, key)
	state.mu.Unlock()
}

// RunCycle performs one complete collection pass. Only one cycle (or
// rebuild) runs at a time; a second call returns ErrCycleBusy. When ctx
// ends mid-cycle, in-flight objects finish, the operation closes with
// status cancelled, and the partial result is returned with ErrCancelled.
func (service *Service) RunCycle(ctx context.Context) (_ *Result, err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.running.TryLock() {
		return nil, ErrCycleBusy.New("a cycle is already running")
	}
	defer service.running.Unlock()

	operationID := service.newOperationID()
	startedAt := time.Now()

	service.mu.Lock()
	service.isRunning = true
	service.lastOpID = operationID
	service.mu.Unlock()
	defer func() {
		service.mu.Lock()
		service.isRunning = false
		service.mu.Unlock()
	}()

	service.log.Info("cycle started",
		zap.String("operation_id", operationID),
		zap.String("mode", string(service.config.Mode)))

	err = service.vault.BeginOperation(ctx, operationID, string(service.config.Mode), service.config.ConfigDigest)
	if err != nil {
		return nil, err
	}

	state := &cycleState{}
	queue := make(chan objstore.ObjectInfo, 2*service.config.Workers)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		defer close(queue)
		return service.listCandidates(groupCtx, queue, state)
	})
	for i := 0; i < service.config.Workers; i++ {
		group.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					// Stop dequeuing; whatever was picked up already
					// has finished by now.
					return nil
				case info, ok := <-queue:
					if !ok {
						return nil
					}
					service.processObject(groupCtx, operationID, info, state)
				}
			}
		})
	}

	groupErr := group.Wait()

	cancelled := ctx.Err() != nil
	status := "completed"
	switch {
	case cancelled:
		status = "cancelled"
	case groupErr != nil:
		status = "failed"
	}

	// The operation row must close even when ctx is already gone.
	endCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if endErr := service.vault.EndOperation(endCtx, operationID, state.counters, status); endErr != nil {
		service.log.Error("closing operation failed",
			zap.String("operation_id", operationID), zap.Error(endErr))
		groupErr = errs.Combine(groupErr, endErr)
	}

	sort.Strings(state.orphanKeys)
	sort.Strings(state.deletedKeys)
	result := &Result{
		OperationID:     operationID,
		Mode:            service.config.Mode,
		Status:          status,
		Counters:        state.counters,
		OrphanKeys:      state.orphanKeys,
		DeletedKeys:     state.deletedKeys,
		Errors:          state.errors,
		ErrorsTruncated: state.truncated,
		StartedAt:       startedAt,
		Duration:        time.Since(startedAt),
	}

	service.mu.Lock()
	service.lastRunAt = startedAt
	service.totalRuns++
	service.totalDeleted += state.counters.DeletedCount
	service.mu.Unlock()

	service.log.Info("cycle finished",
		zap.String("operation_id", operationID),
		zap.String("status", status),
		zap.Int64("scanned", state.counters.TotalScanned),
		zap.Int64("orphans", state.counters.VerifiedOrphans),
		zap.Int64("deleted", state.counters.DeletedCount),
		zap.Int64("errors", state.counters.ErrorCount),
		zap.Duration("duration", result.Duration))

	mon.IntVal("gc_cycle_deleted").Observe(state.counters.DeletedCount)

	if cancelled {
		return result, ErrCancelled.New("operation %q", operationID)
	}
	if groupErr != nil {
		return result, Error.Wrap(groupErr)
	}
	return result, nil
}

// listCandidates streams the bucket listing through the exclusion and
// retention gates into queue.
func (service *Service) listCandidates(ctx context.Context, queue chan<- objstore.ObjectInfo, state *cycleState) error {
	cutoff := time.Now().Add(-time.Duration(service.config.RetentionDays) * 24 * time.Hour)

	err := service.store.Walk(ctx, func(info objstore.ObjectInfo) error {
		state.mu.Lock()
		state.counters.TotalScanned++
		state.mu.Unlock()

		if service.excluded(info.Key) {
			return nil
		}
		// A missing timestamp reads as zero and fails the age check:
		// objects of unknown age are never collected.
		if info.LastModified.IsZero() || info.LastModified.After(cutoff) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case queue <- info:
			return nil
		}
	})
	if err != nil && ctx.Err() == nil {
		return Error.New("bucket listing: %w", err)
	}
	return nil
}

func (service *Service) excluded(key string) bool {
	for _, prefix := range service.config.ExcludePrefixes {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}
	return false
}

// processObject takes one aged, non-excluded key through the registry
// filter, database re-verification, and the mode action. Failures are
// recorded per object; they never abort the cycle.
func (service *Service) processObject(ctx context.Context, operationID string, info objstore.ObjectInfo, state *cycleState) {
	count, err := service.registry.CountOf(ctx, info.Key)
	if err != nil {
		state.addError(service.log, info.Key, "registry_error", err.Error())
		return
	}
	if count > 0 {
		return
	}

	state.mu.Lock()
	state.counters.CandidatesFound++
	state.mu.Unlock()

	// Re-verification against the live database decides; a committed
	// reference here wins over any registry state.
	referenced, err := service.verifier.Referenced(ctx, info.Key)
	if err != nil {
		state.addError(service.log, info.Key, "verify_error", err.Error())
		return
	}
	if referenced {
		state.addError(service.log, info.Key, "registry_stale", "key is referenced in the database")
		if err := service.registry.Increment(ctx, info.Key, registry.Delta{}); err != nil {
			service.log.Error("correcting stale registry count failed",
				zap.String("key", info.Key), zap.Error(err))
		}
		return
	}

	switch service.config.Mode {
	case ModeDryRun:
		state.markOrphan(info.Key)

	case ModeAuditOnly:
		err := service.vault.RecordDeletion(ctx, vault.Record{
			OperationID:  operationID,
			Key:          info.Key,
			OriginalSize: info.Size,
			Codec:        string(compress.None),
		})
		if err != nil && vault.ErrConflict.Has(err) {
			// The listing emitted the key twice; the first entry owns
			// the record.
			service.log.Debug("duplicate listing entry", zap.String("key", info.Key))
			return
		}
		state.markOrphan(info.Key)
		if err != nil {
			state.addError(service.log, info.Key, "vault_error", err.Error())
			return
		}

	case ModeExecute:
		deleted, skip := service.backupAndDelete(ctx, operationID, info, state)
		if skip {
			return
		}
		state.markOrphan(info.Key)
		if deleted {
			state.mu.Lock()
			state.counters.DeletedCount++
			state.deletedKeys = append(state.deletedKeys, info.Key)
			state.mu.Unlock()
		}
	}
}

// backupAndDelete runs download, compress, blob write, audit record, and
// only then the bucket delete. Any failure before the delete aborts the
// object with best-effort cleanup of the partial blob and record; the
// object in the bucket stays untouched. skip reports entries that need no
// action and no orphan count: the object vanished since listing, or a
// duplicate listing entry whose record is already committed.
func (service *Service) backupAndDelete(ctx context.Context, operationID string, info objstore.ObjectInfo, state *cycleState) (deleted, skip bool) {
	reader, _, err := service.store.Get(ctx, info.Key)
	if err != nil {
		if objstore.ErrNotFound.Has(err) {
			// Deleted out from under us between listing and now.
			return false, true
		}
		state.addError(service.log, info.Key, "backup_error", err.Error())
		return false, false
	}
	defer func() { _ = reader.Close() }()

	codec := service.config.Codec
	blobPath := service.vault.BlobPath(operationID, info.Key, codec.Extension())

	var originalSize, storedSize int64
	var contentHash string
	pipeReader, pipeWriter := io.Pipe()
	compressDone := make(chan error, 1)
	go func() {
		var compressErr error
		originalSize, storedSize, contentHash, compressErr = compress.Compress(pipeWriter, reader, codec)
		pipeWriter.CloseWithError(compressErr)
		compressDone <- compressErr
	}()

	_, blobErr := service.vault.CreateBlob(blobPath, pipeReader)
	compressErr := <-compressDone
	if err := errs.Combine(compressErr, blobErr); err != nil {
		_ = service.vault.RemoveBlob(blobPath)
		state.addError(service.log, info.Key, "backup_error", err.Error())
		return false, false
	}

	err = service.vault.RecordDeletion(ctx, vault.Record{
		OperationID:  operationID,
		Key:          info.Key,
		BackupPath:   blobPath,
		OriginalSize: originalSize,
		StoredSize:   storedSize,
		Codec:        string(codec),
		ContentHash:  contentHash,
	})
	if err != nil {
		// The listing emitted the key twice; the record and the blob at
		// this path belong to the entry that committed first, so the
		// blob must stay.
		if vault.ErrConflict.Has(err) {
			service.log.Debug("duplicate listing entry", zap.String("key", info.Key))
			return false, true
		}
		_ = service.vault.RemoveBlob(blobPath)
		state.addError(service.log, info.Key, "vault_error", err.Error())
		return false, false
	}

	state.mu.Lock()
	state.counters.BackedUpCount++
	state.mu.Unlock()

	if err := service.store.Delete(ctx, info.Key); err != nil {
		// The object is still in the bucket, so the audit row and blob
		// describe a deletion that never happened. Roll them back.
		_ = service.vault.DeleteRecord(ctx, operationID, info.Key)
		_ = service.vault.RemoveBlob(blobPath)
		state.addError(service.log, info.Key, "delete_error", err.Error())
		return false, false
	}
	return true, false
}
