// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package gc implements the collection cycle: list the bucket, filter
// candidates through the registry, re-verify each against the live
// database, and back up then delete verified orphans.
package gc

import (
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
	"storj.io/s3gc/registry"
	"storj.io/s3gc/vault"
	"storj.io/s3gc/verify"
)

var (
	mon = monkit.Package()

	// Error is the default error class for gc errors.
	Error = errs.Class("gc")
	// ErrCycleBusy is returned when a cycle is already running.
	ErrCycleBusy = errs.Class("cycle busy")
	// ErrCancelled is returned alongside a partial result when the cycle
	// context ends before the bucket is fully processed.
	ErrCancelled = errs.Class("cycle cancelled")
)

// Mode selects how far a cycle goes with verified orphans.
type Mode string

// Collection modes.
const (
	// ModeDryRun only reports what would be deleted.
	ModeDryRun Mode = "dry_run"
	// ModeAuditOnly writes vault records but deletes nothing.
	ModeAuditOnly Mode = "audit_only"
	// ModeExecute backs up and deletes.
	ModeExecute Mode = "execute"
)

// Valid reports whether the mode is one of the known modes.
func (mode Mode) Valid() bool {
	switch mode {
	case ModeDryRun, ModeAuditOnly, ModeExecute:
		return true
	}
	return false
}

const maxRecordedErrors = 1000

// Config carries the collection policy.
type Config struct {
	Mode            Mode
	RetentionDays   int
	ExcludePrefixes []string
	Codec           compress.Codec
	Workers         int
	ConfigDigest    string
}

// CycleError is one recorded per-object failure or warning.
type CycleError struct {
	Key     string `json:"key"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Result is the outcome of one cycle.
type Result struct {
	OperationID     string         `json:"operation_id"`
	Mode            Mode           `json:"mode"`
	Status          string         `json:"status"`
	Counters        vault.Counters `json:"counters"`
	OrphanKeys      []string       `json:"orphan_keys"`
	DeletedKeys     []string       `json:"deleted_keys"`
	Errors          []CycleError   `json:"errors"`
	ErrorsTruncated bool           `json:"errors_truncated"`
	StartedAt       time.Time      `json:"started_at"`
	Duration        time.Duration  `json:"duration"`
}

// ServiceStatus summarizes the service for the admin surface.
type ServiceStatus struct {
	Mode         Mode      `json:"mode"`
	Running      bool      `json:"running"`
	LastRunAt    time.Time `json:"last_run_at"`
	LastOpID     string    `json:"last_operation_id"`
	TotalRuns    int64     `json:"total_runs"`
	TotalDeleted int64     `json:"total_deleted"`
}

// Service runs collection cycles.
type Service struct {
	log      *zap.Logger
	config   Config
	store    objstore.Client
	registry *registry.DB
	verifier *verify.Verifier
	vault    *vault.DB

	// running is held for the whole of a cycle or a rebuild; TryLock
	// failing means busy.
	running sync.Mutex

	mu           sync.Mutex
	isRunning    bool
	lastRunAt    time.Time
	lastOpID     string
	totalRuns    int64
	totalDeleted int64

	ulidMu      sync.Mutex
	ulidEntropy *ulid.MonotonicEntropy
}

// NewService creates the cycle service.
func NewService(log *zap.Logger, config Config, store objstore.Client, reg *registry.DB, verifier *verify.Verifier, vaultDB *vault.DB) *Service {
	if config.Workers <= 0 {
		config.Workers = 8
	}
	if !config.Codec.Valid() {
		config.Codec = compress.Zstd
	}
	return &Service{
		log:         log,
		config:      config,
		store:       store,
		registry:    reg,
		verifier:    verifier,
		vault:       vaultDB,
		ulidEntropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// newOperationID returns a fresh time-sortable operation id. Monotonic
// entropy keeps ids from the same millisecond in issue order.
func (service *Service) newOperationID() string {
	service.ulidMu.Lock()
	defer service.ulidMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), service.ulidEntropy).String()
}

// Status returns a snapshot for the admin surface.
func (service *Service) Status() ServiceStatus {
	service.mu.Lock()
	defer service.mu.Unlock()
	return ServiceStatus{
		Mode:         service.config.Mode,
		Running:      service.isRunning,
		LastRunAt:    service.lastRunAt,
		LastOpID:     service.lastOpID,
		TotalRuns:    service.totalRuns,
		TotalDeleted: service.totalDeleted,
	}
}

// RebuildFromScan replaces the registry counts with a full scan of every
// watched column. It takes the cycle lock: rebuilding underneath a running
// cycle would let the cycle see counts from two generations.
func (service *Service) RebuildFromScan(ctx context.Context) (keys int, err error) {
	defer mon.Task()(&ctx)(&err)

	if !service.running.TryLock() {
		return 0, ErrCycleBusy.New("rebuild refused")
	}
	defer service.running.Unlock()

	scanned, err := service.verifier.ScanCounts(ctx)
	if err != nil {
		return 0, err
	}

	counts := make([]registry.Count, 0, len(scanned))
	for key, count := range scanned {
		counts = append(counts, registry.Count{Key: key, Count: count})
	}
	sort.Slice(counts, func(i, k int) bool { return counts[i].Key < counts[k].Key })

	if err := service.registry.Rebuild(ctx, counts); err != nil {
		return 0, err
	}
	service.log.Info("registry rebuilt from scan", zap.Int("keys", len(counts)))
	return len(counts), nil
}
