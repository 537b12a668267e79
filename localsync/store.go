// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Collection snapshot keys. One durable snapshot per key, replaced whole on
// every mutation.
const (
	collectionGrocery = "grocery_items"
	collectionPantry  = "pantry_items"
	collectionRecipes = "saved_recipes"
	collectionPrefs   = "user_preferences"
)

// Store is the durable local persistence layer. It is the source of truth
// while offline: every mutation lands here before any network attempt.
//
// Writes are whole-collection JSON replaces. The single-writer UI model
// serializes mutations, so the store itself does no locking beyond SQLite's.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (or creates) the local database at path and prepares the
// snapshot tables.
func OpenStore(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	s, err := NewStore(db, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an existing database handle (tests use ":memory:").
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	tables := []string{
		// One whole-collection JSON snapshot per key.
		`CREATE TABLE IF NOT EXISTS snapshots (
			collection  TEXT PRIMARY KEY,
			payload     TEXT NOT NULL,
			saved_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,

		// Per-installation identity and the last-successful-sync watermark
		// (single row).
		`CREATE TABLE IF NOT EXISTS client_info (
			id             INTEGER PRIMARY KEY CHECK (id = 1),
			device_id      TEXT NOT NULL,
			last_sync_time TEXT NOT NULL DEFAULT ''
		)`,

		// High-water id counters, one row per collection. Local ids only
		// ever move forward, so a deleted record's id is never handed out
		// again and can never collide with its tombstone on the remote key.
		`CREATE TABLE IF NOT EXISTS id_counters (
			collection TEXT PRIMARY KEY,
			last_id    INTEGER NOT NULL
		)`,

		// Tombstone intents for records deleted locally while the remote
		// write may not have happened yet. Drained on the next sync pass;
		// also guards against re-adopting a remotely-live row we just
		// deleted here.
		`CREATE TABLE IF NOT EXISTS pending_deletes (
			table_name TEXT NOT NULL,
			record_key TEXT NOT NULL,
			row_json   TEXT NOT NULL,
			queued_at  TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
			PRIMARY KEY (table_name, record_key)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.Exec(ddl); err != nil {
			return fmt.Errorf("failed to create local table: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureDeviceID returns the persisted per-installation identifier,
// generating and persisting one on first call. It is never regenerated for
// the lifetime of the installation.
func (s *Store) EnsureDeviceID() (string, error) {
	var deviceID string
	err := s.db.QueryRow(`SELECT device_id FROM client_info WHERE id = 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		// Timestamp plus a UUID fragment: enough entropy to keep one
		// user's devices apart, not meant to be cryptographic.
		deviceID = fmt.Sprintf("dev-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
		if _, err := s.db.Exec(`INSERT INTO client_info (id, device_id) VALUES (1, ?)`, deviceID); err != nil {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return deviceID, nil
}

// LastSyncTime returns the watermark of the last fully successful sync pass,
// or the zero time if no pass has completed yet.
func (s *Store) LastSyncTime() (time.Time, error) {
	var raw string
	err := s.db.QueryRow(`SELECT last_sync_time FROM client_info WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && raw == "") {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		// Treat an unreadable watermark like a missing one.
		s.logger.Warn("discarding unparseable last sync time", "value", raw)
		return time.Time{}, nil
	}
	return t, nil
}

// SetLastSyncTime persists the sync watermark.
func (s *Store) SetLastSyncTime(t time.Time) error {
	res, err := s.db.Exec(`UPDATE client_info SET last_sync_time = ? WHERE id = 1`,
		t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to update last sync time: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// No device id row yet; create one so the watermark sticks.
		if _, err := s.EnsureDeviceID(); err != nil {
			return err
		}
		_, err = s.db.Exec(`UPDATE client_info SET last_sync_time = ? WHERE id = 1`,
			t.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("failed to update last sync time: %w", err)
		}
	}
	return nil
}

// load reads one collection snapshot. A missing or corrupt snapshot is an
// empty collection, never an error: the user simply starts from scratch.
func load[T any](s *Store, collection string) []T {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE collection = ?`, collection).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		s.logger.Warn("failed to read snapshot, starting empty", "collection", collection, "error", err)
		return nil
	}
	var items []T
	if err := json.Unmarshal([]byte(payload), &items); err != nil {
		s.logger.Warn("corrupt snapshot, starting empty", "collection", collection, "error", err)
		return nil
	}
	return items
}

// save replaces one collection snapshot in a single statement.
func save[T any](s *Store, collection string, items []T) error {
	if items == nil {
		items = []T{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", collection, err)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (collection, payload, saved_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(collection) DO UPDATE SET
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`, collection, string(payload))
	if err != nil {
		return fmt.Errorf("failed to write %s snapshot: %w", collection, err)
	}
	return nil
}

// LoadGrocery returns the grocery cart snapshot.
func (s *Store) LoadGrocery() []GroceryItem { return load[GroceryItem](s, collectionGrocery) }

// SaveGrocery replaces the grocery cart snapshot.
func (s *Store) SaveGrocery(items []GroceryItem) error { return save(s, collectionGrocery, items) }

// LoadPantry returns the pantry snapshot.
func (s *Store) LoadPantry() []PantryItem { return load[PantryItem](s, collectionPantry) }

// SavePantry replaces the pantry snapshot.
func (s *Store) SavePantry(items []PantryItem) error { return save(s, collectionPantry, items) }

// LoadRecipes returns the saved-recipes snapshot.
func (s *Store) LoadRecipes() []SavedRecipe { return load[SavedRecipe](s, collectionRecipes) }

// SaveRecipes replaces the saved-recipes snapshot.
func (s *Store) SaveRecipes(items []SavedRecipe) error { return save(s, collectionRecipes, items) }

// NextLocalID allocates the next local id for a collection. Ids are
// monotonic per installation: once handed out, an id is never reused, even
// after the record it named is deleted.
func (s *Store) NextLocalID(collection string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`
		INSERT INTO id_counters (collection, last_id) VALUES (?, 1)
		ON CONFLICT(collection) DO UPDATE SET last_id = last_id + 1
		RETURNING last_id
	`, collection).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate %s id: %w", collection, err)
	}
	return id, nil
}

// BumpLocalID raises the collection counter to at least id. Called when a
// row adopted from another device carries its own id, so that id is never
// handed out again here.
func (s *Store) BumpLocalID(collection string, id int64) error {
	_, err := s.db.Exec(`
		INSERT INTO id_counters (collection, last_id) VALUES (?, ?)
		ON CONFLICT(collection) DO UPDATE SET last_id = max(last_id, excluded.last_id)
	`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to bump %s id counter: %w", collection, err)
	}
	return nil
}

// LoadPreferences returns the device-local user preference map. Preferences
// are persisted like the collections but never synced. Missing or corrupt
// data is an empty map.
func (s *Store) LoadPreferences() map[string]json.RawMessage {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE collection = ?`, collectionPrefs).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]json.RawMessage{}
	}
	if err != nil {
		s.logger.Warn("failed to read preferences, starting empty", "error", err)
		return map[string]json.RawMessage{}
	}
	prefs := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(payload), &prefs); err != nil {
		s.logger.Warn("corrupt preferences, starting empty", "error", err)
		return map[string]json.RawMessage{}
	}
	return prefs
}

// SavePreferences replaces the preference map.
func (s *Store) SavePreferences(prefs map[string]json.RawMessage) error {
	if prefs == nil {
		prefs = map[string]json.RawMessage{}
	}
	payload, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (collection, payload, saved_at)
		VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		ON CONFLICT(collection) DO UPDATE SET
			payload = excluded.payload,
			saved_at = excluded.saved_at
	`, collectionPrefs, string(payload))
	if err != nil {
		return fmt.Errorf("failed to write preferences: %w", err)
	}
	return nil
}

// QueuePendingDelete records the tombstone row for a locally deleted record
// so the soft delete reaches the remote side even if it happens offline.
func (s *Store) QueuePendingDelete(table, key string, row json.RawMessage) error {
	_, err := s.db.Exec(`
		INSERT INTO pending_deletes (table_name, record_key, row_json)
		VALUES (?, ?, ?)
		ON CONFLICT(table_name, record_key) DO UPDATE SET
			row_json = excluded.row_json,
			queued_at = excluded.queued_at
	`, table, key, string(row))
	if err != nil {
		return fmt.Errorf("failed to queue pending delete %s/%s: %w", table, key, err)
	}
	return nil
}

// PendingDeletes lists queued tombstones for one table, oldest first.
func (s *Store) PendingDeletes(table string) (map[string]json.RawMessage, error) {
	rows, err := s.db.Query(`
		SELECT record_key, row_json FROM pending_deletes
		WHERE table_name = ? ORDER BY queued_at
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deletes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, rowJSON string
		if err := rows.Scan(&key, &rowJSON); err != nil {
			return nil, fmt.Errorf("failed to scan pending delete: %w", err)
		}
		out[key] = json.RawMessage(rowJSON)
	}
	return out, rows.Err()
}

// ClearPendingDelete drops one tombstone intent after the remote accepted it.
func (s *Store) ClearPendingDelete(table, key string) error {
	if _, err := s.db.Exec(`DELETE FROM pending_deletes WHERE table_name = ? AND record_key = ?`, table, key); err != nil {
		return fmt.Errorf("failed to clear pending delete %s/%s: %w", table, key, err)
	}
	return nil
}

// ClearSession wipes everything tied to the signed-in user: the collection
// and preference snapshots, queued tombstones, and the sync watermark. The
// device identity survives; it belongs to the installation, not the user.
// Id counters survive too: a later session must not mint ids that collide
// with this session's tombstones still sitting on the remote keys.
func (s *Store) ClearSession() error {
	if _, err := s.db.Exec(`DELETE FROM snapshots`); err != nil {
		return fmt.Errorf("failed to clear snapshots: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM pending_deletes`); err != nil {
		return fmt.Errorf("failed to clear pending deletes: %w", err)
	}
	if _, err := s.db.Exec(`UPDATE client_info SET last_sync_time = '' WHERE id = 1`); err != nil {
		return fmt.Errorf("failed to clear last sync time: %w", err)
	}
	return nil
}
