// Package core provides encrypted database support for the SQLite cache format.
//
// INVARIANTS:
// - Snapshot encrypted at rest via SQLCipher (AES-256) when a passphrase is set
// - Passphrase never written to disk
// - Fail safely if key is incorrect
package core

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "github.com/mutecomm/go-sqlcipher/v4"
)

// EncryptedDB wraps a SQLCipher-encrypted SQLite database.
type EncryptedDB struct {
	db        *sql.DB
	encrypted bool
}

// OpenEncryptedDB opens a SQLCipher-encrypted database.
// If passphrase is empty, opens without encryption.
// If the database exists and passphrase is wrong, returns an error.
//
// The rollback journal is used instead of WAL: snapshot files are renamed
// into place and must not leave -wal sidecars behind.
func OpenEncryptedDB(dbPath string, passphrase string) (*EncryptedDB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	var dsn string
	encrypted := passphrase != ""
	if encrypted {
		dsn = fmt.Sprintf("file:%s?_pragma_key=%s&_journal_mode=DELETE&_synchronous=FULL", dbPath, url.QueryEscape(passphrase))
	} else {
		dsn = fmt.Sprintf("file:%s?_journal_mode=DELETE&_synchronous=FULL", dbPath)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps the key pragma and the transaction on the same handle.
	db.SetMaxOpenConns(1)

	// Any read fails if the key is wrong or the file is not a database.
	var count int
	if err := db.QueryRow("SELECT count(*) FROM sqlite_master").Scan(&count); err != nil {
		db.Close()
		if encrypted {
			return nil, fmt.Errorf("invalid passphrase or corrupted database: %w", err)
		}
		return nil, fmt.Errorf("corrupted database: %w", err)
	}

	return &EncryptedDB{
		db:        db,
		encrypted: encrypted,
	}, nil
}

// DB returns the underlying database connection.
func (edb *EncryptedDB) DB() *sql.DB {
	return edb.db
}

// Close closes the database connection.
func (edb *EncryptedDB) Close() error {
	return edb.db.Close()
}

// EncryptionStatus describes how a snapshot database is protected.
type EncryptionStatus struct {
	IsEncrypted   bool
	CipherVersion string
}

// GetEncryptionStatus reports the key state and, for keyed databases, the
// SQLCipher version that wrote them.
func (edb *EncryptedDB) GetEncryptionStatus(ctx context.Context) (*EncryptionStatus, error) {
	status := &EncryptionStatus{
		IsEncrypted: edb.encrypted,
	}

	if edb.encrypted {
		var cipherVersion string
		if err := edb.db.QueryRowContext(ctx, "PRAGMA cipher_version").Scan(&cipherVersion); err == nil {
			status.CipherVersion = cipherVersion
		}
	}

	return status, nil
}
