// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// BlobPath returns where the backup of key for an operation lives, relative
// to the vault root. The key is hashed so arbitrary bucket keys map to safe
// filenames; ext carries the compression codec.
func (db *DB) BlobPath(operationID, key, ext string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join("backups", operationID, hex.EncodeToString(sum[:])+"."+ext)
}

// CreateBlob streams body into the blob at relPath. The write goes through
// a temp file and a rename so a crash never leaves a partial blob at the
// final path.
func (db *DB) CreateBlob(relPath string, body io.Reader) (written int64, err error) {
	full := filepath.Join(db.root, relPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".partial-*")
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, os.Remove(tmp.Name()))
		}
	}()

	written, err = io.Copy(tmp, body)
	if err != nil {
		return 0, errs.Combine(Error.Wrap(err), tmp.Close())
	}
	if err := tmp.Sync(); err != nil {
		return 0, errs.Combine(Error.Wrap(err), tmp.Close())
	}
	if err := tmp.Close(); err != nil {
		return 0, Error.Wrap(err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return 0, Error.Wrap(err)
	}
	return written, nil
}

// OpenBlob opens a blob for reading by its vault-relative path.
func (db *DB) OpenBlob(relPath string) (io.ReadCloser, error) {
	file, err := os.Open(filepath.Join(db.root, relPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound.New("blob %q", relPath)
		}
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// RemoveBlob deletes a blob. Missing blobs are not an error; cleanup after
// a failed backup may race the rename.
func (db *DB) RemoveBlob(relPath string) error {
	err := os.Remove(filepath.Join(db.root, relPath))
	if err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}
