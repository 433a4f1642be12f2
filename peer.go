// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package s3gc

import (
	"context"
	"database/sql"
	"net"
	"regexp"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq" // registers the postgres driver.
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"storj.io/s3gc/admin"
	"storj.io/s3gc/cdc"
	"storj.io/s3gc/cdc/binlog"
	"storj.io/s3gc/cdc/pgrepl"
	"storj.io/s3gc/gc"
	"storj.io/s3gc/objstore"
	"storj.io/s3gc/registry"
	"storj.io/s3gc/restore"
	"storj.io/s3gc/vault"
	"storj.io/s3gc/verify"
)

var slotSanitizeRe = regexp.MustCompile(`[^a-z0-9_]`)

// Peer is the collector process: every database handle, stream and service
// wired together, with a lifecycle of New, Run, Close.
type Peer struct {
	Log    *zap.Logger
	Config Config

	// storage
	Vault    *vault.DB
	Registry *registry.DB
	Store    objstore.Client

	// authoritative database
	SourceDB *sql.DB
	Verifier *verify.Verifier

	CDC struct {
		Source   cdc.Source
		Consumer *cdc.Consumer
	}

	GC        *gc.Service
	Restore   *restore.Service
	Scheduler *Scheduler

	Admin struct {
		Listener net.Listener
		Server   *admin.Server
	}
}

// New opens every dependency and wires the services. On error the partially
// constructed peer is closed.
func New(log *zap.Logger, config Config) (peer *Peer, err error) {
	if err := config.Verify(); err != nil {
		return nil, err
	}
	if config.RegistryPath == "" {
		config.RegistryPath = config.VaultPath + "/registry.db"
	}

	peer = &Peer{Log: log, Config: config}
	defer func() {
		if err != nil {
			err = errs.Combine(err, peer.Close())
		}
	}()

	{ // setup storage
		peer.Vault, err = vault.Open(log.Named("vault"), config.VaultPath)
		if err != nil {
			return nil, err
		}
		peer.Registry, err = registry.Open(log.Named("registry"), config.RegistryPath)
		if err != nil {
			return nil, err
		}
		peer.Store, err = objstore.NewMinioClient(log.Named("objstore"), objstore.MinioConfig{
			Endpoint:  config.Endpoint,
			Region:    config.Region,
			Bucket:    config.Bucket,
			AccessKey: config.AccessKey,
			SecretKey: config.SecretKey,
			Insecure:  config.InsecureStore,
		})
		if err != nil {
			return nil, err
		}
	}

	{ // setup the authoritative database and verifier
		driver, placeholder := "postgres", verify.Dollar
		if config.CDCBackend == BackendMySQL {
			driver, placeholder = "mysql", verify.Question
		}
		peer.SourceDB, err = sql.Open(driver, config.DatabaseURL)
		if err != nil {
			return nil, ErrConfiguration.Wrap(err)
		}
		peer.Verifier, err = verify.New(log.Named("verify"), peer.SourceDB, config.Refs(), placeholder)
		if err != nil {
			return nil, err
		}
	}

	{ // setup the change stream
		switch config.CDCBackend {
		case BackendPostgres:
			peer.CDC.Source = pgrepl.New(log.Named("pgrepl"), pgrepl.Config{
				ConnString: config.DatabaseURL,
				Slot:       ReplicationSlotName(config.Bucket),
			})
		case BackendMySQL:
			dsn, err := gomysql.ParseDSN(config.DatabaseURL)
			if err != nil {
				return nil, ErrConfiguration.New("parsing mysql DSN: %v", err)
			}
			peer.CDC.Source = binlog.New(log.Named("binlog"), binlog.Config{
				Addr:     dsn.Addr,
				User:     dsn.User,
				Password: dsn.Passwd,
				Database: dsn.DBName,
				ServerID: config.MySQLServerID,
			})
		}
		if peer.CDC.Source != nil {
			peer.CDC.Consumer = cdc.NewConsumer(log.Named("cdc"),
				peer.Registry, peer.CDC.Source, config.Watched())
		}
	}

	{ // setup services
		peer.GC = gc.NewService(log.Named("gc"), gc.Config{
			Mode:            config.Mode,
			RetentionDays:   config.RetentionDays,
			ExcludePrefixes: config.ExcludePrefixes,
			Codec:           config.Codec,
			Workers:         config.Workers,
			ConfigDigest:    config.Digest(),
		}, peer.Store, peer.Registry, peer.Verifier, peer.Vault)

		peer.Restore = restore.NewService(log.Named("restore"), peer.Vault, peer.Store)

		if config.Schedule != "" {
			peer.Scheduler = NewScheduler(log.Named("schedule"), config.Schedule, func(ctx context.Context) {
				if _, err := peer.GC.RunCycle(ctx); err != nil && !gc.ErrCancelled.Has(err) {
					log.Error("scheduled cycle failed", zap.Error(err))
				}
			})
		}
	}

	{ // setup the admin server
		peer.Admin.Listener, err = net.Listen("tcp", config.AdminAddress)
		if err != nil {
			return nil, err
		}
		peer.Admin.Server = admin.NewServer(log.Named("admin"), peer.Admin.Listener,
			admin.Config{Address: config.AdminAddress, APIKey: config.AdminAPIKey},
			admin.Services{
				GC:             peer.GC,
				Restore:        peer.Restore,
				Vault:          peer.Vault,
				Registry:       peer.Registry,
				Consumer:       peer.CDC.Consumer,
				StoreReachable: peer.Store.BucketReachable,
				ConfigSnapshot: config.Snapshot,
			})
	}

	return peer, nil
}

// ReplicationSlotName derives the Postgres slot name for a bucket.
func ReplicationSlotName(bucket string) string {
	return "s3gc_" + slotSanitizeRe.ReplaceAllString(strings.ToLower(bucket), "_")
}

// Run runs the collector until it is closed or errors. A missing
// replication slot is detected here, before anything starts.
func (peer *Peer) Run(ctx context.Context) error {
	if source, ok := peer.CDC.Source.(*pgrepl.Source); ok {
		if err := source.Preflight(ctx); err != nil {
			return err
		}
	}
	if err := peer.Store.BucketReachable(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	if peer.CDC.Consumer != nil {
		group.Go(func() error {
			return peer.CDC.Consumer.Run(ctx)
		})
	}
	if peer.Scheduler != nil {
		group.Go(func() error {
			return peer.Scheduler.Run(ctx)
		})
	}
	group.Go(func() error {
		err := peer.Admin.Server.Run(ctx)
		// The admin server going down takes the process with it.
		cancel()
		return err
	})

	return group.Wait()
}

// Close releases all resources in reverse initialization order.
func (peer *Peer) Close() error {
	var errlist errs.Group

	if peer.Admin.Server != nil {
		errlist.Add(peer.Admin.Server.Close())
	} else if peer.Admin.Listener != nil {
		errlist.Add(peer.Admin.Listener.Close())
	}
	if peer.CDC.Source != nil {
		errlist.Add(peer.CDC.Source.Close())
	}
	if peer.SourceDB != nil {
		errlist.Add(peer.SourceDB.Close())
	}
	if peer.Registry != nil {
		errlist.Add(peer.Registry.Close())
	}
	if peer.Vault != nil {
		errlist.Add(peer.Vault.Close())
	}
	return errlist.Err()
}
