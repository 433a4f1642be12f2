// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package admin implements the operator HTTP surface: health, status,
// metrics, manual cycle and restore triggers.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/s3gc/cdc"
	"storj.io/s3gc/gc"
	"storj.io/s3gc/registry"
	"storj.io/s3gc/restore"
	"storj.io/s3gc/vault"
)

// Error is the default error class for admin errors.
var Error = errs.Class("admin")

// Config defines the admin server configuration.
type Config struct {
	// Address is the host:port the server listens on.
	Address string
	// APIKey is the bearer token every request must carry.
	APIKey string
}

// Services bundles everything the handlers reach into.
type Services struct {
	GC       *gc.Service
	Restore  *restore.Service
	Vault    *vault.DB
	Registry *registry.DB
	Consumer *cdc.Consumer
	// StoreReachable checks the bucket; nil disables the check.
	StoreReachable func(context.Context) error
	// ConfigSnapshot returns the redacted running configuration.
	ConfigSnapshot func() interface{}
}

// Server serves the admin endpoints.
type Server struct {
	log      *zap.Logger
	config   Config
	listener net.Listener
	server   http.Server
	services Services
}

// NewServer creates the admin server on listener.
func NewServer(log *zap.Logger, listener net.Listener, config Config, services Services) *Server {
	server := &Server{
		log:      log,
		config:   config,
		listener: listener,
		services: services,
	}

	root := mux.NewRouter()
	api := root.PathPrefix("/admin/s3gc").Subrouter()
	api.Use(server.authorize)

	api.HandleFunc("/health", server.health).Methods("GET")
	api.HandleFunc("/status", server.status).Methods("GET")
	api.HandleFunc("/metrics", server.metrics).Methods("GET")
	api.HandleFunc("/config", server.configSnapshot).Methods("GET")
	api.HandleFunc("/run", server.runCycle).Methods("POST")
	api.HandleFunc("/rebuild", server.rebuild).Methods("POST")
	api.HandleFunc("/operations", server.listOperations).Methods("GET")
	api.HandleFunc("/operations/{id}", server.getOperation).Methods("GET")
	api.HandleFunc("/restore/{id}", server.restoreOperation).Methods("POST")
	api.HandleFunc("/restore-key", server.restoreKey).Methods("POST")
	api.HandleFunc("/vault-stats", server.vaultStats).Methods("GET")
	api.HandleFunc("/registry-cleanup", server.registryCleanup).Methods("POST")

	server.server = http.Server{
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return server
}

// Run starts the server and shuts it down when ctx is cancelled.
func (server *Server) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return server.server.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close shuts the server down immediately.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// authorize enforces the bearer token on every admin request.
func (server *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || server.config.APIKey == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(server.config.APIKey)) != 1 {
			sendError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func sendJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, status int, kind, message string) {
	sendJSON(w, status, map[string]interface{}{
		"error": map[string]string{"kind": kind, "message": message},
	})
}

// sendFailure maps internal error classes onto the wire taxonomy.
func sendFailure(w http.ResponseWriter, err error) {
	switch {
	case gc.ErrCycleBusy.Has(err):
		sendError(w, http.StatusConflict, "cycle_busy", err.Error())
	case gc.ErrCancelled.Has(err):
		sendError(w, http.StatusServiceUnavailable, "cancelled", err.Error())
	case vault.ErrNotFound.Has(err):
		sendError(w, http.StatusNotFound, "not_found", err.Error())
	case vault.ErrAlreadyRestored.Has(err):
		sendError(w, http.StatusConflict, "already_restored", err.Error())
	case vault.ErrConflict.Has(err):
		sendError(w, http.StatusConflict, "vault_conflict", err.Error())
	case registry.ErrUnderflow.Has(err):
		sendError(w, http.StatusInternalServerError, "registry_underflow", err.Error())
	case restore.Error.Has(err):
		sendError(w, http.StatusInternalServerError, "restore_error", err.Error())
	case cdc.Error.Has(err):
		sendError(w, http.StatusInternalServerError, "cdc_error", err.Error())
	default:
		sendError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (server *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	vaultAccessible := true
	if _, err := os.Stat(server.services.Vault.Root()); err != nil {
		vaultAccessible = false
	}

	storeReachable := true
	if server.services.StoreReachable != nil {
		checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		storeReachable = server.services.StoreReachable(checkCtx) == nil
		cancel()
	}

	cdcConnected := server.services.Consumer == nil || server.services.Consumer.Healthy()

	status := "ok"
	code := http.StatusOK
	if !vaultAccessible || !storeReachable || !cdcConnected {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	sendJSON(w, code, map[string]interface{}{
		"status":           status,
		"vault_accessible": vaultAccessible,
		"store_reachable":  storeReachable,
		"cdc_connected":    cdcConnected,
	})
}

func (server *Server) status(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, server.services.GC.Status())
}

func (server *Server) metrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	registryStats, err := server.services.Registry.Stats(ctx)
	if err != nil {
		sendFailure(w, err)
		return
	}
	vaultStats, err := server.services.Vault.Stats(ctx)
	if err != nil {
		sendFailure(w, err)
		return
	}

	body := map[string]interface{}{
		"registry": map[string]int64{
			"total_keys":      registryStats.TotalKeys,
			"referenced_keys": registryStats.ReferencedKeys,
			"orphaned_keys":   registryStats.OrphanedKeys,
			"total_refs":      registryStats.TotalRefs,
		},
		"vault": vaultStats,
	}
	if server.services.Consumer != nil {
		body["cdc"] = server.services.Consumer.Status()
	}
	sendJSON(w, http.StatusOK, body)
}

func (server *Server) configSnapshot(w http.ResponseWriter, r *http.Request) {
	if server.services.ConfigSnapshot == nil {
		sendJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	sendJSON(w, http.StatusOK, server.services.ConfigSnapshot())
}

func (server *Server) runCycle(w http.ResponseWriter, r *http.Request) {
	// The cycle may outlast an impatient client; it must not be torn
	// down by the request context.
	ctx := context.WithoutCancel(r.Context())

	result, err := server.services.GC.RunCycle(ctx)
	if err != nil {
		// A cancelled cycle still produced a usable partial result.
		if gc.ErrCancelled.Has(err) && result != nil {
			sendJSON(w, http.StatusOK, result)
			return
		}
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (server *Server) rebuild(w http.ResponseWriter, r *http.Request) {
	keys, err := server.services.GC.RebuildFromScan(r.Context())
	if err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]int{"keys": keys})
}

func (server *Server) listOperations(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	cursor := r.URL.Query().Get("cursor")

	items, next, err := server.services.Vault.ListOperations(r.Context(), limit, cursor)
	if err != nil {
		sendFailure(w, err)
		return
	}
	if items == nil {
		items = []vault.Operation{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"items":       items,
		"next_cursor": next,
	})
}

func (server *Server) getOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	operation, err := server.services.Vault.GetOperation(r.Context(), id)
	if err != nil {
		sendFailure(w, err)
		return
	}
	records, err := server.services.Vault.LookupByOperation(r.Context(), id)
	if err != nil {
		sendFailure(w, err)
		return
	}
	if records == nil {
		records = []vault.Record{}
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"operation": operation,
		"deletions": records,
	})
}

func (server *Server) restoreOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	query := r.URL.Query()
	dryRun, _ := strconv.ParseBool(query.Get("dry_run"))
	skipExisting, _ := strconv.ParseBool(query.Get("skip_existing"))

	result, err := server.services.Restore.RestoreOperation(r.Context(), id, dryRun, skipExisting)
	if err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (server *Server) restoreKey(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	key := query.Get("s3_key")
	if key == "" {
		sendError(w, http.StatusBadRequest, "configuration_error", "s3_key is required")
		return
	}
	dryRun, _ := strconv.ParseBool(query.Get("dry_run"))

	result, err := server.services.Restore.RestoreKey(r.Context(), key, dryRun)
	if err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (server *Server) registryCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := strconv.Atoi(r.URL.Query().Get("older_than_days"))
	if err != nil || days < 1 {
		sendError(w, http.StatusBadRequest, "configuration_error", "older_than_days must be a positive integer")
		return
	}

	removed, err := server.services.Registry.Cleanup(r.Context(), time.Now().Add(-time.Duration(days)*24*time.Hour))
	if err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, map[string]int64{"removed": removed})
}

func (server *Server) vaultStats(w http.ResponseWriter, r *http.Request) {
	stats, err := server.services.Vault.Stats(r.Context())
	if err != nil {
		sendFailure(w, err)
		return
	}
	sendJSON(w, http.StatusOK, stats)
}
