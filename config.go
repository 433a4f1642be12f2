// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package s3gc wires the reference registry, the CDC ingester, the vault
// and the collection cycle into one long-lived process.
package s3gc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"

	"github.com/zeebo/errs"

	"storj.io/s3gc/cdc"
	"storj.io/s3gc/compress"
	"storj.io/s3gc/gc"
	"storj.io/s3gc/verify"
)

// ErrConfiguration is returned for invalid configuration. Fatal at startup.
var ErrConfiguration = errs.Class("configuration")

// CDC backends.
const (
	BackendPostgres = "postgres"
	BackendMySQL    = "mysql"
)

var (
	bucketRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
	scheduleRe = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
)

// Config is the frozen process configuration. It is validated once at
// startup and never mutated afterwards.
type Config struct {
	// Bucket is the S3 bucket the collector owns.
	Bucket string `json:"bucket"`
	Region string `json:"region"`
	// Endpoint overrides the S3 endpoint for compatible stores; empty
	// means AWS.
	Endpoint  string `json:"endpoint,omitempty"`
	AccessKey string `json:"-"`
	SecretKey string `json:"-"`
	// InsecureStore allows plain http endpoints, for local stores.
	InsecureStore bool `json:"insecure_store,omitempty"`

	// Tables maps watched table names to the columns holding object keys.
	Tables map[string][]string `json:"tables"`

	Mode            gc.Mode        `json:"mode"`
	RetentionDays   int            `json:"retention_days"`
	ExcludePrefixes []string       `json:"exclude_prefixes"`
	Codec           compress.Codec `json:"codec"`
	Workers         int            `json:"workers"`

	VaultPath    string `json:"vault_path"`
	RegistryPath string `json:"registry_path"`

	// CDCBackend selects the change stream; empty disables CDC so the
	// registry is maintained by rebuild scans only.
	CDCBackend  string `json:"cdc_backend,omitempty"`
	DatabaseURL string `json:"-"`
	// MySQLServerID must be unique per replica of the MySQL server.
	MySQLServerID uint32 `json:"mysql_server_id,omitempty"`

	// Schedule is the daily cycle trigger as HH:MM UTC; empty disables
	// scheduled runs.
	Schedule string `json:"schedule,omitempty"`

	AdminAddress string `json:"admin_address"`
	AdminAPIKey  string `json:"-"`
}

// Verify checks the configuration, returning ErrConfiguration on the first
// violation.
func (config Config) Verify() error {
	if config.Bucket == "" {
		return ErrConfiguration.New("bucket is required")
	}
	if !bucketRe.MatchString(config.Bucket) {
		return ErrConfiguration.New("invalid bucket name %q", config.Bucket)
	}
	if !config.Mode.Valid() {
		return ErrConfiguration.New("invalid mode %q", config.Mode)
	}
	if config.Mode == gc.ModeExecute && config.RetentionDays <= 0 {
		return ErrConfiguration.New("retention_days must be positive in execute mode")
	}
	if config.RetentionDays < 0 {
		return ErrConfiguration.New("retention_days must not be negative")
	}
	if config.VaultPath == "" {
		return ErrConfiguration.New("vault path is required")
	}

	if len(config.Tables) == 0 {
		return ErrConfiguration.New("at least one watched table is required")
	}
	for table, columns := range config.Tables {
		if len(columns) == 0 {
			return ErrConfiguration.New("table %q has no watched columns", table)
		}
		for _, column := range columns {
			if !(verify.Ref{Table: table, Column: column}).Valid() {
				return ErrConfiguration.New("invalid identifier %q.%q", table, column)
			}
		}
	}

	switch config.CDCBackend {
	case "", BackendPostgres, BackendMySQL:
	default:
		return ErrConfiguration.New("unknown CDC backend %q", config.CDCBackend)
	}
	if config.CDCBackend != "" && config.DatabaseURL == "" {
		return ErrConfiguration.New("CDC backend %q requires a database URL", config.CDCBackend)
	}
	if config.DatabaseURL == "" {
		// The verifier needs the database even without CDC.
		return ErrConfiguration.New("database URL is required")
	}

	if config.Schedule != "" && !scheduleRe.MatchString(config.Schedule) {
		return ErrConfiguration.New("schedule must be HH:MM, got %q", config.Schedule)
	}
	if config.Codec != "" && !config.Codec.Valid() {
		return ErrConfiguration.New("unknown codec %q", config.Codec)
	}
	return nil
}

// Refs returns the watched columns as verifier refs in stable order.
func (config Config) Refs() []verify.Ref {
	var refs []verify.Ref
	for table, columns := range config.Tables {
		for _, column := range columns {
			refs = append(refs, verify.Ref{Table: table, Column: column})
		}
	}
	sort.Slice(refs, func(i, k int) bool {
		if refs[i].Table != refs[k].Table {
			return refs[i].Table < refs[k].Table
		}
		return refs[i].Column < refs[k].Column
	})
	return refs
}

// Watched returns the watched columns in the shape the CDC decoder takes.
func (config Config) Watched() cdc.Watched {
	watched := make(cdc.Watched, len(config.Tables))
	for table, columns := range config.Tables {
		watched[table] = append([]string(nil), columns...)
	}
	return watched
}

// Digest returns a stable hash of the policy-relevant configuration. It is
// recorded on every operation so an audit can tell which policy produced a
// deletion. Secrets are excluded via their json tags.
func (config Config) Digest() string {
	canonical, err := json.Marshal(config)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// Snapshot returns the redacted configuration for the admin surface.
func (config Config) Snapshot() interface{} {
	type snapshot Config // shed methods, keep json tags
	return snapshot(config)
}
