// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// s3gc is the garbage collector daemon for reference-counted S3 buckets.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"storj.io/s3gc"
	"storj.io/s3gc/compress"
	"storj.io/s3gc/gc"
)

// Exit codes.
const (
	exitOK            = 0
	exitConfiguration = 1
	exitRuntime       = 2
	exitCancelled     = 3
)

func main() {
	root := &cobra.Command{
		Use:   "s3gc",
		Short: "reference-counted garbage collector for S3 buckets",
	}
	flags := root.PersistentFlags()
	flags.String("mode", "", "override the collection mode (dry_run, execute, audit_only)")
	flags.Int("workers", 0, "override the verification worker count")
	flags.String("codec", "", "override the backup compression codec")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "run the collector daemon (CDC ingest, scheduler, admin API)",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPeer(cmd, func(ctx context.Context, peer *s3gc.Peer) error {
					return peer.Run(ctx)
				})
			},
		},
		&cobra.Command{
			Use:   "cycle",
			Short: "run a single collection cycle and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPeer(cmd, func(ctx context.Context, peer *s3gc.Peer) error {
					result, err := peer.GC.RunCycle(ctx)
					if result != nil {
						fmt.Printf("operation %s: status=%s scanned=%d orphans=%d deleted=%d errors=%d\n",
							result.OperationID, result.Status,
							result.Counters.TotalScanned, result.Counters.VerifiedOrphans,
							result.Counters.DeletedCount, result.Counters.ErrorCount)
					}
					return err
				})
			},
		},
		&cobra.Command{
			Use:   "rebuild",
			Short: "rebuild the registry from a full database scan and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPeer(cmd, func(ctx context.Context, peer *s3gc.Peer) error {
					keys, err := peer.GC.RebuildFromScan(ctx)
					if err == nil {
						fmt.Printf("registry rebuilt: %d keys\n", keys)
					}
					return err
				})
			},
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		switch {
		case s3gc.ErrConfiguration.Has(err):
			os.Exit(exitConfiguration)
		case gc.ErrCancelled.Has(err):
			os.Exit(exitCancelled)
		default:
			os.Exit(exitRuntime)
		}
	}
	os.Exit(exitOK)
}

// withPeer builds the peer from the environment, runs fn, and closes
// everything on the way out.
func withPeer(cmd *cobra.Command, fn func(context.Context, *s3gc.Peer) error) error {
	config, err := loadConfig(cmd.Flags())
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	peer, err := s3gc.New(log, config)
	if err != nil {
		return err
	}
	defer func() { _ = peer.Close() }()

	return fn(cmd.Context(), peer)
}

// loadConfig reads the documented environment variables. Command line flags
// override the environment when set.
func loadConfig(flags *pflag.FlagSet) (s3gc.Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetDefault("S3GC_MODE", string(gc.ModeDryRun))
	v.SetDefault("S3GC_RETENTION_DAYS", 7)
	v.SetDefault("S3GC_WORKERS", 8)
	v.SetDefault("S3GC_CODEC", string(compress.Zstd))
	v.SetDefault("S3GC_ADMIN_ADDRESS", ":8720")
	for _, key := range []string{
		"S3_BUCKET", "AWS_REGION", "S3_ENDPOINT", "S3_INSECURE",
		"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
		"S3GC_TABLES", "S3GC_VAULT_PATH", "S3GC_REGISTRY_PATH",
		"S3GC_EXCLUDE_PREFIXES", "S3GC_SCHEDULE_CRON",
		"DATABASE_URL", "S3GC_CDC_BACKEND", "S3GC_MYSQL_SERVER_ID",
		"S3GC_ADMIN_API_KEY",
	} {
		_ = v.BindEnv(key)
	}
	for key, name := range map[string]string{
		"S3GC_MODE":    "mode",
		"S3GC_WORKERS": "workers",
		"S3GC_CODEC":   "codec",
	} {
		if flag := flags.Lookup(name); flag != nil {
			_ = v.BindPFlag(key, flag)
		}
	}

	tables, err := parseTables(v.GetString("S3GC_TABLES"))
	if err != nil {
		return s3gc.Config{}, err
	}

	config := s3gc.Config{
		Bucket:          v.GetString("S3_BUCKET"),
		Region:          v.GetString("AWS_REGION"),
		Endpoint:        v.GetString("S3_ENDPOINT"),
		AccessKey:       v.GetString("AWS_ACCESS_KEY_ID"),
		SecretKey:       v.GetString("AWS_SECRET_ACCESS_KEY"),
		InsecureStore:   v.GetBool("S3_INSECURE"),
		Tables:          tables,
		Mode:            gc.Mode(v.GetString("S3GC_MODE")),
		RetentionDays:   v.GetInt("S3GC_RETENTION_DAYS"),
		ExcludePrefixes: splitNonEmpty(v.GetString("S3GC_EXCLUDE_PREFIXES")),
		Codec:           compress.Codec(v.GetString("S3GC_CODEC")),
		Workers:         v.GetInt("S3GC_WORKERS"),
		VaultPath:       v.GetString("S3GC_VAULT_PATH"),
		RegistryPath:    v.GetString("S3GC_REGISTRY_PATH"),
		CDCBackend:      v.GetString("S3GC_CDC_BACKEND"),
		DatabaseURL:     v.GetString("DATABASE_URL"),
		MySQLServerID:   v.GetUint32("S3GC_MYSQL_SERVER_ID"),
		Schedule:        v.GetString("S3GC_SCHEDULE_CRON"),
		AdminAddress:    v.GetString("S3GC_ADMIN_ADDRESS"),
		AdminAPIKey:     v.GetString("S3GC_ADMIN_API_KEY"),
	}
	return config, nil
}

// parseTables parses "users.avatar_url,posts.image_key" into the watched
// table map.
func parseTables(spec string) (map[string][]string, error) {
	tables := map[string][]string{}
	for _, entry := range splitNonEmpty(spec) {
		table, column, ok := strings.Cut(entry, ".")
		if !ok || table == "" || column == "" {
			return nil, s3gc.ErrConfiguration.New("malformed table entry %q, want table.column", entry)
		}
		tables[table] = append(tables[table], column)
	}
	return tables, nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
