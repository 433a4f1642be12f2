// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package verify re-checks candidate keys against the authoritative
// database right before deletion. The registry is a cache fed by an
// asynchronous stream; this query is the linearization point that decides
// whether an object is really unreferenced.
package verify

import (
	"context"
	"database/sql"
	"regexp"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default error class for verify errors.
	Error = errs.Class("verify")

	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// Placeholder selects the parameter marker style of the target database.
type Placeholder int

// Placeholder styles.
const (
	Dollar   Placeholder = iota // Postgres: $1
	Question                    // MySQL: ?
)

// Ref names one table column that holds object keys.
type Ref struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// Valid reports whether both identifiers are plain SQL names. Table and
// column names are interpolated into queries, so anything else is refused.
func (ref Ref) Valid() bool {
	return identRe.MatchString(ref.Table) && identRe.MatchString(ref.Column)
}

// Verifier checks keys against the live reference columns.
type Verifier struct {
	log     *zap.Logger
	db      *sql.DB
	queries []string
	refs    []Ref
}

// New creates a verifier over db for the given reference columns.
func New(log *zap.Logger, db *sql.DB, refs []Ref, placeholder Placeholder) (*Verifier, error) {
	if len(refs) == 0 {
		return nil, Error.New("no reference columns configured")
	}

	marker := "$1"
	if placeholder == Question {
		marker = "?"
	}

	queries := make([]string, 0, len(refs))
	for _, ref := range refs {
		if !ref.Valid() {
			return nil, Error.New("invalid reference column %q.%q", ref.Table, ref.Column)
		}
		queries = append(queries,
			`SELECT 1 FROM `+ref.Table+` WHERE `+ref.Column+` = `+marker+` LIMIT 1`)
	}

	return &Verifier{log: log, db: db, queries: queries, refs: refs}, nil
}

// Referenced reports whether any watched column still holds key. Errors are
// returned rather than mapped to a boolean; an unreachable database must
// never read as "unreferenced".
func (verifier *Verifier) Referenced(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	for i, query := range verifier.queries {
		var one int
		err := verifier.db.QueryRowContext(ctx, query, key).Scan(&one)
		if errs.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return false, Error.New("checking %s.%s: %w",
				verifier.refs[i].Table, verifier.refs[i].Column, err)
		}
		return true, nil
	}
	return false, nil
}

// ScanCounts walks every watched column and returns the absolute reference
// count per key. Used by registry rebuild, where the scan is authoritative.
func (verifier *Verifier) ScanCounts(ctx context.Context) (_ map[string]int64, err error) {
	defer mon.Task()(&ctx)(&err)

	counts := map[string]int64{}
	for _, ref := range verifier.refs {
		err := func() (err error) {
			rows, err := verifier.db.QueryContext(ctx,
				`SELECT `+ref.Column+`, COUNT(*) FROM `+ref.Table+
					` WHERE `+ref.Column+` IS NOT NULL AND `+ref.Column+` <> '' GROUP BY `+ref.Column)
			if err != nil {
				return Error.New("scanning %s.%s: %w", ref.Table, ref.Column, err)
			}
			defer func() { err = errs.Combine(err, rows.Close()) }()

			for rows.Next() {
				var key string
				var count int64
				if err := rows.Scan(&key, &count); err != nil {
					return Error.Wrap(err)
				}
				counts[key] += count
			}
			return Error.Wrap(rows.Err())
		}()
		if err != nil {
			return nil, err
		}
	}
	return counts, nil
}

// Ping verifies database connectivity.
func (verifier *Verifier) Ping(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return Error.Wrap(verifier.db.PingContext(ctx))
}
