// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package gc_test

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/s3gc/compress"
	"storj.io/s3gc/gc"
	"storj.io/s3gc/internal/testcontext"
	"storj.io/s3gc/objstore"
	"storj.io/s3gc/objstore/teststore"
	"storj.io/s3gc/registry"
	"storj.io/s3gc/vault"
	"storj.io/s3gc/verify"
)

type testEnv struct {
	store    *teststore.Client
	registry *registry.DB
	vault    *vault.DB
	sourceDB *sql.DB
	service  *gc.Service
}

func newEnv(t *testing.T, ctx *testcontext.Context, config gc.Config) *testEnv {
	env := newEnvWithStore(t, ctx, config, teststore.New())
	return env
}

func newEnvWithStore(t *testing.T, ctx *testcontext.Context, config gc.Config, base objstore.Client) *testEnv {
	log := zaptest.NewLogger(t)

	reg, err := registry.Open(log.Named("registry"), ctx.File("registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(reg.Close) })

	vaultDB, err := vault.Open(log.Named("vault"), ctx.Dir("vault"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(vaultDB.Close) })

	sourceDB, err := sql.Open("sqlite3", ctx.File("source.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(sourceDB.Close) })
	_, err = sourceDB.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, avatar_url TEXT)`)
	require.NoError(t, err)

	verifier, err := verify.New(log.Named("verify"), sourceDB,
		[]verify.Ref{{Table: "users", Column: "avatar_url"}}, verify.Question)
	require.NoError(t, err)

	env := &testEnv{
		registry: reg,
		vault:    vaultDB,
		sourceDB: sourceDB,
		service:  gc.NewService(log.Named("gc"), config, base, reg, verifier, vaultDB),
	}
	if direct, ok := base.(*teststore.Client); ok {
		env.store = direct
	}
	return env
}

// reference inserts a database row for key and applies the matching CDC
// delta to the registry, as a caught-up ingester would have.
func (env *testEnv) reference(t *testing.T, ctx context.Context, key string) {
	_, err := env.sourceDB.ExecContext(ctx, `INSERT INTO users (avatar_url) VALUES (?)`, key)
	require.NoError(t, err)
	require.NoError(t, env.registry.Increment(ctx, key, registry.Delta{Table: "users", Column: "avatar_url"}))
}

func age(days int) time.Time { return time.Now().Add(-time.Duration(days) * 24 * time.Hour) }

func TestOrphanDetectionDryRun(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeDryRun, RetentionDays: 7})

	env.reference(t, ctx, "avatars/alice.jpg")
	env.store.PutWithTime("avatars/alice.jpg", []byte("alice"), age(30))
	env.store.PutWithTime("avatars/bob.jpg", []byte("bob"), age(30))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)

	assert.Equal(t, "completed", result.Status)
	assert.EqualValues(t, 2, result.Counters.TotalScanned)
	assert.EqualValues(t, 1, result.Counters.CandidatesFound)
	assert.EqualValues(t, 1, result.Counters.VerifiedOrphans)
	assert.EqualValues(t, 0, result.Counters.DeletedCount)
	assert.Equal(t, []string{"avatars/bob.jpg"}, result.OrphanKeys)
	assert.Empty(t, result.DeletedKeys)

	// Dry run touches nothing.
	assert.Equal(t, []string{"avatars/alice.jpg", "avatars/bob.jpg"}, env.store.Keys())
}

func TestBackupThenDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeExecute, RetentionDays: 7})

	bobBytes := []byte("bob's avatar bytes")
	env.reference(t, ctx, "avatars/alice.jpg")
	env.store.PutWithTime("avatars/alice.jpg", []byte("alice"), age(30))
	env.store.PutWithTime("avatars/bob.jpg", bobBytes, age(30))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, result.Counters.DeletedCount)
	assert.EqualValues(t, 1, result.Counters.BackedUpCount)
	assert.Equal(t, []string{"avatars/bob.jpg"}, result.DeletedKeys)
	assert.Equal(t, []string{"avatars/alice.jpg"}, env.store.Keys())

	// The audit row matches the deleted bytes and the blob is readable.
	records, err := env.vault.LookupByOperation(ctx, result.OperationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	record := records[0]
	assert.Equal(t, "avatars/bob.jpg", record.Key)
	assert.Equal(t, compress.HashBytes(bobBytes), record.ContentHash)
	assert.EqualValues(t, len(bobBytes), record.OriginalSize)
	assert.Nil(t, record.RestoredAt)

	blob, err := env.vault.OpenBlob(record.BackupPath)
	require.NoError(t, err)
	defer ctx.Check(blob.Close)
	var restored bytes.Buffer
	_, err = compress.Decompress(&restored, blob, compress.Codec(record.Codec))
	require.NoError(t, err)
	assert.Equal(t, bobBytes, restored.Bytes())

	operation, err := env.vault.GetOperation(ctx, result.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "completed", operation.Status)
	require.NotNil(t, operation.FinishedAt)
}

func TestRetentionGate(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeExecute, RetentionDays: 7})

	env.store.PutWithTime("k1", []byte("young"), age(2))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, result.Counters.DeletedCount)
	assert.Equal(t, []string{"k1"}, env.store.Keys())

	// Six days later the same object has aged past the floor.
	env.store.PutWithTime("k1", []byte("young"), age(8))

	result, err = env.service.RunCycle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Counters.DeletedCount)
	assert.Empty(t, env.store.Keys())
}

func TestMissingTimestampFailsClosed(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeExecute, RetentionDays: 7})

	env.store.PutWithTime("no-timestamp", []byte("data"), time.Time{})

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Counters.TotalScanned)
	assert.EqualValues(t, 0, result.Counters.CandidatesFound)
	assert.Equal(t, []string{"no-timestamp"}, env.store.Keys())
}

func TestExclusion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{
		Mode:            gc.ModeExecute,
		RetentionDays:   7,
		ExcludePrefixes: []string{"backups/"},
	})

	env.store.PutWithTime("backups/snapshot.tar", []byte("tar"), age(30))

	for i := 0; i < 3; i++ {
		result, err := env.service.RunCycle(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 0, result.Counters.CandidatesFound)
		assert.Equal(t, []string{"backups/snapshot.tar"}, env.store.Keys())
	}
}

func TestReVerificationCatchesRegistryLag(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeExecute, RetentionDays: 7})

	// Row committed, CDC delta not yet applied: registry still says zero.
	_, err := env.sourceDB.ExecContext(ctx, `INSERT INTO users (avatar_url) VALUES ('k2')`)
	require.NoError(t, err)
	env.store.PutWithTime("k2", []byte("data"), age(30))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 1, result.Counters.CandidatesFound)
	assert.EqualValues(t, 0, result.Counters.VerifiedOrphans)
	assert.EqualValues(t, 0, result.Counters.DeletedCount)
	assert.Equal(t, []string{"k2"}, env.store.Keys())

	require.Len(t, result.Errors, 1)
	assert.Equal(t, "k2", result.Errors[0].Key)
	assert.Equal(t, "registry_stale", result.Errors[0].Kind)

	// The stale zero was corrected in place.
	count, err := env.registry.CountOf(ctx, "k2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestAuditOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeAuditOnly, RetentionDays: 7})

	env.store.PutWithTime("orphan", []byte("data"), age(30))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Counters.VerifiedOrphans)
	assert.EqualValues(t, 0, result.Counters.DeletedCount)
	assert.Equal(t, []string{"orphan"}, env.store.Keys())

	records, err := env.vault.LookupByOperation(ctx, result.OperationID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].ContentHash)
	assert.Zero(t, records[0].StoredSize)
	assert.Empty(t, records[0].BackupPath)
}

// doubleListStore wraps a store so Walk emits every entry twice, as an
// eventually consistent listing can. The rendezvous holds the first
// downloads until all expected workers have fetched, so duplicate entries
// of the same key proceed past the download stage together.
type doubleListStore struct {
	*teststore.Client
	rendezvous sync.WaitGroup
}

func (store *doubleListStore) Walk(ctx context.Context, fn func(objstore.ObjectInfo) error) error {
	return store.Client.Walk(ctx, func(info objstore.ObjectInfo) error {
		if err := fn(info); err != nil {
			return err
		}
		return fn(info)
	})
}

func (store *doubleListStore) Get(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	store.rendezvous.Done()
	store.rendezvous.Wait()
	return store.Client.Get(ctx, key)
}

func TestDuplicateListingKeepsBackup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	doubled := &doubleListStore{Client: teststore.New()}
	doubled.rendezvous.Add(2)
	env := newEnvWithStore(t, ctx,
		gc.Config{Mode: gc.ModeExecute, RetentionDays: 7, Workers: 2}, doubled)

	data := []byte("orphan bytes")
	doubled.Client.PutWithTime("orphan.bin", data, age(30))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)

	// One entry commits the audit record and deletes; the duplicate hits
	// the vault conflict and must leave the record and blob alone.
	assert.EqualValues(t, 1, result.Counters.VerifiedOrphans)
	assert.EqualValues(t, 1, result.Counters.DeletedCount)
	assert.Empty(t, result.Errors)
	assert.Empty(t, doubled.Client.Keys())

	records, err := env.vault.LookupByOperation(ctx, result.OperationID)
	require.NoError(t, err)
	require.Len(t, records, 1)

	blob, err := env.vault.OpenBlob(records[0].BackupPath)
	require.NoError(t, err)
	defer ctx.Check(blob.Close)
	var restored bytes.Buffer
	_, err = compress.Decompress(&restored, blob, compress.Codec(records[0].Codec))
	require.NoError(t, err)
	assert.Equal(t, data, restored.Bytes())
}

func TestDuplicateListingAuditOnly(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	doubled := &doubleListStore{Client: teststore.New()}
	env := newEnvWithStore(t, ctx,
		gc.Config{Mode: gc.ModeAuditOnly, RetentionDays: 7, Workers: 1}, doubled)

	doubled.Client.PutWithTime("orphan.bin", []byte("data"), age(30))

	result, err := env.service.RunCycle(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 2, result.Counters.TotalScanned)
	assert.EqualValues(t, 1, result.Counters.VerifiedOrphans)
	assert.Empty(t, result.Errors)
	assert.Equal(t, []string{"orphan.bin"}, result.OrphanKeys)

	records, err := env.vault.LookupByOperation(ctx, result.OperationID)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

// gateStore blocks Walk until released so tests can observe a cycle
// mid-flight.
type gateStore struct {
	*teststore.Client
	started chan struct{}
	release chan struct{}
}

func (store *gateStore) Walk(ctx context.Context, fn func(objstore.ObjectInfo) error) error {
	close(store.started)
	select {
	case <-store.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return store.Client.Walk(ctx, fn)
}

func TestCycleBusy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gated := &gateStore{
		Client:  teststore.New(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newEnvWithStore(t, ctx, gc.Config{Mode: gc.ModeDryRun, RetentionDays: 7}, gated)

	firstDone := make(chan error, 1)
	go func() {
		_, err := env.service.RunCycle(context.WithoutCancel(ctx))
		firstDone <- err
	}()
	<-gated.started

	_, err := env.service.RunCycle(ctx)
	require.True(t, gc.ErrCycleBusy.Has(err))

	status := env.service.Status()
	assert.True(t, status.Running)

	close(gated.release)
	require.NoError(t, <-firstDone)
	assert.False(t, env.service.Status().Running)
}

func TestCancellation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	gated := &gateStore{
		Client:  teststore.New(),
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	env := newEnvWithStore(t, ctx, gc.Config{Mode: gc.ModeDryRun, RetentionDays: 7}, gated)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	var result *gc.Result
	var runErr error
	go func() {
		defer close(done)
		result, runErr = env.service.RunCycle(runCtx)
	}()

	<-gated.started
	cancel()
	<-done

	require.True(t, gc.ErrCancelled.Has(runErr))
	require.NotNil(t, result)
	assert.Equal(t, "cancelled", result.Status)

	operation, err := env.vault.GetOperation(ctx, result.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", operation.Status)
	require.NotNil(t, operation.FinishedAt)
}

func TestRebuildFromScan(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := newEnv(t, ctx, gc.Config{Mode: gc.ModeDryRun, RetentionDays: 7})

	_, err := env.sourceDB.ExecContext(ctx,
		`INSERT INTO users (avatar_url) VALUES ('a'), ('a'), ('b'), (NULL)`)
	require.NoError(t, err)

	// Drift: the registry believes something else entirely.
	require.NoError(t, env.registry.Increment(ctx, "stale-key", registry.Delta{}))

	keys, err := env.service.RebuildFromScan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, keys)

	count, err := env.registry.CountOf(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)
	count, err = env.registry.CountOf(ctx, "b")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}
