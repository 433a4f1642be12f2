// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package admin_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"storj.io/s3gc/admin"
	"storj.io/s3gc/gc"
	"storj.io/s3gc/internal/testcontext"
	"storj.io/s3gc/objstore/teststore"
	"storj.io/s3gc/registry"
	"storj.io/s3gc/restore"
	"storj.io/s3gc/vault"
	"storj.io/s3gc/verify"
)

const testAPIKey = "test-api-key"

type testEnv struct {
	baseURL string
	store   *teststore.Client
	vault   *vault.DB
}

func startServer(t *testing.T, ctx *testcontext.Context) *testEnv {
	log := zaptest.NewLogger(t)

	store := teststore.New()

	vaultDB, err := vault.Open(log.Named("vault"), ctx.Dir("vault"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(vaultDB.Close) })

	reg, err := registry.Open(log.Named("registry"), ctx.File("registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(reg.Close) })

	sourceDB, err := sql.Open("sqlite3", ctx.File("source.db"))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Check(sourceDB.Close) })
	_, err = sourceDB.ExecContext(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY, avatar_url TEXT)`)
	require.NoError(t, err)

	verifier, err := verify.New(log.Named("verify"), sourceDB,
		[]verify.Ref{{Table: "users", Column: "avatar_url"}}, verify.Question)
	require.NoError(t, err)

	gcService := gc.NewService(log.Named("gc"),
		gc.Config{Mode: gc.ModeExecute, RetentionDays: 7}, store, reg, verifier, vaultDB)
	restoreService := restore.NewService(log.Named("restore"), vaultDB, store)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	server := admin.NewServer(log.Named("admin"), listener,
		admin.Config{APIKey: testAPIKey},
		admin.Services{
			GC:             gcService,
			Restore:        restoreService,
			Vault:          vaultDB,
			Registry:       reg,
			StoreReachable: store.BucketReachable,
			ConfigSnapshot: func() interface{} {
				return map[string]string{"bucket": "test-bucket"}
			},
		})

	runCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	ctx.Go(func() error {
		return server.Run(runCtx)
	})

	return &testEnv{
		baseURL: "http://" + listener.Addr().String() + "/admin/s3gc",
		store:   store,
		vault:   vaultDB,
	}
}

func (env *testEnv) request(t *testing.T, method, path, apiKey string) (int, map[string]interface{}) {
	t.Helper()

	req, err := http.NewRequest(method, env.baseURL+path, nil)
	require.NoError(t, err)
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]interface{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), "body: %s", raw)
	}
	return resp.StatusCode, body
}

func TestAuthorization(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := startServer(t, ctx)

	for _, key := range []string{"", "wrong-key"} {
		code, body := env.request(t, "GET", "/status", key)
		assert.Equal(t, http.StatusUnauthorized, code)
		errObj := body["error"].(map[string]interface{})
		assert.Equal(t, "unauthorized", errObj["kind"])
	}

	code, _ := env.request(t, "GET", "/status", testAPIKey)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealth(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := startServer(t, ctx)

	code, body := env.request(t, "GET", "/health", testAPIKey)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["vault_accessible"])
	assert.Equal(t, true, body["store_reachable"])
	assert.Equal(t, true, body["cdc_connected"])
}

func TestRunCycleAndOperations(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := startServer(t, ctx)

	env.store.PutWithTime("orphan.bin", []byte("data"), time.Now().Add(-30*24*time.Hour))

	code, body := env.request(t, "POST", "/run", testAPIKey)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	operationID := body["operation_id"].(string)
	require.NotEmpty(t, operationID)

	code, body = env.request(t, "GET", "/operations?limit=10", testAPIKey)
	require.Equal(t, http.StatusOK, code)
	items := body["items"].([]interface{})
	require.Len(t, items, 1)

	code, body = env.request(t, "GET", "/operations/"+operationID, testAPIKey)
	require.Equal(t, http.StatusOK, code)
	deletions := body["deletions"].([]interface{})
	require.Len(t, deletions, 1)

	code, body = env.request(t, "GET", "/operations/01DOESNOTEXIST", testAPIKey)
	assert.Equal(t, http.StatusNotFound, code)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "not_found", errObj["kind"])
}

func TestRestoreEndpoints(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := startServer(t, ctx)

	env.store.PutWithTime("orphan.bin", []byte("data"), time.Now().Add(-30*24*time.Hour))
	code, body := env.request(t, "POST", "/run", testAPIKey)
	require.Equal(t, http.StatusOK, code)
	operationID := body["operation_id"].(string)

	code, body = env.request(t, "POST", "/restore/"+operationID, testAPIKey)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["restored_count"])
	assert.Equal(t, []string{"orphan.bin"}, env.store.Keys())

	code, body = env.request(t, "POST", "/restore/01DOESNOTEXIST", testAPIKey)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = env.request(t, "POST", "/restore-key", testAPIKey)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = env.request(t, "POST", "/restore-key?s3_key=unknown.bin", testAPIKey)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestMetricsAndConfig(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := startServer(t, ctx)

	code, body := env.request(t, "GET", "/metrics", testAPIKey)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "registry")
	assert.Contains(t, body, "vault")

	code, body = env.request(t, "GET", "/config", testAPIKey)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "test-bucket", body["bucket"])

	code, _ = env.request(t, "GET", "/vault-stats", testAPIKey)
	assert.Equal(t, http.StatusOK, code)
}

func TestRegistryCleanup(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	env := startServer(t, ctx)

	code, body := env.request(t, "POST", "/registry-cleanup", testAPIKey)
	assert.Equal(t, http.StatusBadRequest, code)
	errObj := body["error"].(map[string]interface{})
	assert.Equal(t, "configuration_error", errObj["kind"])

	code, body = env.request(t, "POST", "/registry-cleanup?older_than_days=30", testAPIKey)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 0, body["removed"])
}
