package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Durable keys holding the signed-in session.
const (
	KeyCredential = "credential"
	KeyIdentity   = "identity"
)

// GetValue returns the value stored under key. ok is false when the key is absent.
func (db *DB) GetValue(ctx context.Context, key string) (value string, ok bool, err error) {
	err = db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetValue inserts or replaces the value under key.
func (db *DB) SetValue(ctx context.Context, key, value string) error {
	return setValue(ctx, db.DB, key, value)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func setValue(ctx context.Context, ex execer, key, value string) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	return err
}

// LoadSession reads the persisted credential and identity. A half-written pair
// is reported as absent.
func (db *DB) LoadSession(ctx context.Context) (credential, identity string, err error) {
	credential, okCred, err := db.GetValue(ctx, KeyCredential)
	if err != nil {
		return "", "", fmt.Errorf("load credential: %w", err)
	}
	identity, okID, err := db.GetValue(ctx, KeyIdentity)
	if err != nil {
		return "", "", fmt.Errorf("load identity: %w", err)
	}
	if !okCred || !okID || credential == "" || identity == "" {
		return "", "", nil
	}
	return credential, identity, nil
}

// SaveSession writes both session keys in one transaction.
func (db *DB) SaveSession(ctx context.Context, credential, identity string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := setValue(ctx, tx, KeyCredential, credential); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	if err := setValue(ctx, tx, KeyIdentity, identity); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// ClearSession deletes both session keys in one statement.
func (db *DB) ClearSession(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (?, ?)`, KeyCredential, KeyIdentity)
	if err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	return nil
}
