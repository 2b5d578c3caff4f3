package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entity is one cached backend object.
type Entity struct {
	Kind      string
	Key       string
	Data      json.RawMessage
	UpdatedAt time.Time
	ExpiresAt *time.Time
}

// PutEntity stores data under (kind, key). ttl 0 keeps it until deleted.
func (db *DB) PutEntity(kind, key string, data json.RawMessage, ttl time.Duration) error {
	now := time.Now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	_, err := db.Exec(
		`INSERT INTO entities (kind, key, data, updated_at, expires_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(kind, key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		kind, key, string(data), now, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", kind, key, err)
	}
	return nil
}

// GetEntity returns the live entity stored under (kind, key).
func (db *DB) GetEntity(kind, key string) (*Entity, error) {
	var (
		data      string
		updatedAt time.Time
		expiresAt sql.NullTime
	)
	err := db.QueryRow(
		"SELECT data, updated_at, expires_at FROM entities WHERE kind = ? AND key = ?",
		kind, key,
	).Scan(&data, &updatedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", kind, key, err)
	}

	if expiresAt.Valid && expiresAt.Time.Before(time.Now()) {
		return nil, ErrNotFound
	}

	e := &Entity{
		Kind:      kind,
		Key:       key,
		Data:      json.RawMessage(data),
		UpdatedAt: updatedAt,
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	return e, nil
}

// DeleteEntity removes (kind, key). Missing entities are ignored.
func (db *DB) DeleteEntity(kind, key string) error {
	if _, err := db.Exec("DELETE FROM entities WHERE kind = ? AND key = ?", kind, key); err != nil {
		return fmt.Errorf("delete %s/%s: %w", kind, key, err)
	}
	return nil
}

// ClearEntities removes every cached entity, used on logout.
func (db *DB) ClearEntities() error {
	_, err := db.Exec("DELETE FROM entities")
	return err
}

// PurgeExpired removes expired entities and keys and returns how many rows
// went away.
func (db *DB) PurgeExpired() (int64, error) {
	var total int64
	err := db.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM entities WHERE expires_at IS NOT NULL AND expires_at < ?",
			time.Now(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		total += n
		return nil
	})
	if err != nil {
		return 0, err
	}

	n, err := db.KVCleanExpired()
	if err != nil {
		return total, err
	}
	return total + n, nil
}

// CountEntities returns the number of stored entities, expired ones
// included.
func (db *DB) CountEntities() (int, error) {
	var n int
	err := db.QueryRow("SELECT COUNT(*) FROM entities").Scan(&n)
	return n, err
}
