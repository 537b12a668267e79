// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

// Package remotestore is the hosted side of Grocery Buddy sync: a Postgres
// row-store with upsert-by-key and user-scoped select per entity table, a
// JWT-authenticated REST surface, and a websocket hub that tells a user's
// other devices that something changed.
package remotestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thehappyman7/Grocery-Buddy-sub000/localsync"
)

// nilIfZero maps the zero time to SQL NULL. Tombstone recipe rows carry no
// saved_at.
func nilIfZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

// Store persists the three entity tables. Rows are soft-deleted only:
// tombstones stay so every device converges on a delete.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore wraps an existing connection pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// InitSchema creates the entity tables and the unique constraints that back
// upsert conflict keys. Idempotent; safe to run at every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS grocery_items (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			local_id    BIGINT NOT NULL,
			name        TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			selected    BOOLEAN NOT NULL DEFAULT FALSE,
			quantity    TEXT NOT NULL DEFAULT '',
			updated_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
			CONSTRAINT grocery_items_user_local UNIQUE (user_id, local_id)
		)`,

		`CREATE TABLE IF NOT EXISTS pantry_items (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			name        TEXT NOT NULL,
			category    TEXT NOT NULL DEFAULT '',
			quantity    TEXT NOT NULL DEFAULT '',
			expiry_date TIMESTAMPTZ,
			updated_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_deleted  BOOLEAN NOT NULL DEFAULT FALSE
		)`,

		// Content identity is case-insensitive, so the constraint is an
		// expression index rather than a plain UNIQUE.
		`CREATE UNIQUE INDEX IF NOT EXISTS pantry_items_user_name_category
			ON pantry_items (user_id, lower(name), lower(category))`,

		`CREATE TABLE IF NOT EXISTS saved_recipes (
			id          BIGSERIAL PRIMARY KEY,
			user_id     TEXT NOT NULL,
			device_id   TEXT NOT NULL,
			recipe_id   TEXT NOT NULL,
			recipe_name TEXT NOT NULL DEFAULT '',
			recipe_data JSONB,
			is_custom   BOOLEAN NOT NULL DEFAULT FALSE,
			saved_at    TIMESTAMPTZ,
			updated_at  TIMESTAMPTZ NOT NULL,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			is_deleted  BOOLEAN NOT NULL DEFAULT FALSE,
			CONSTRAINT saved_recipes_user_recipe UNIQUE (user_id, recipe_id)
		)`,
	}
	for _, stmt := range ddl {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	s.logger.Info("remote store schema ready")
	return nil
}

// UpsertGrocery inserts or updates one cart row by (user_id, local_id).
// Last writer wins at the storage layer for the same key.
func (s *Store) UpsertGrocery(ctx context.Context, row localsync.GroceryRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO grocery_items (user_id, device_id, local_id, name, category, selected, quantity, updated_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, local_id) DO UPDATE SET
			device_id  = EXCLUDED.device_id,
			name       = EXCLUDED.name,
			category   = EXCLUDED.category,
			selected   = EXCLUDED.selected,
			quantity   = EXCLUDED.quantity,
			updated_at = EXCLUDED.updated_at,
			is_deleted = EXCLUDED.is_deleted
	`, row.UserID, row.DeviceID, row.LocalID, row.Name, row.Category, row.Selected, row.Quantity, row.UpdatedAt, row.IsDeleted)
	if err != nil {
		return fmt.Errorf("failed to upsert grocery row: %w", err)
	}
	return nil
}

// SelectGrocery returns the user's cart rows. UI-facing reads exclude
// tombstones; the sync engine asks for them.
func (s *Store) SelectGrocery(ctx context.Context, userID string, includeDeleted bool) ([]localsync.GroceryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, device_id, local_id, name, category, selected, quantity, updated_at, is_deleted
		FROM grocery_items
		WHERE user_id = $1 AND (is_deleted = FALSE OR $2)
		ORDER BY local_id
	`, userID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to select grocery rows: %w", err)
	}
	defer rows.Close()

	var out []localsync.GroceryRow
	for rows.Next() {
		var r localsync.GroceryRow
		if err := rows.Scan(&r.UserID, &r.DeviceID, &r.LocalID, &r.Name, &r.Category, &r.Selected, &r.Quantity, &r.UpdatedAt, &r.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan grocery row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertPantry inserts or updates one pantry row by the case-insensitive
// (user_id, name, category) content identity.
func (s *Store) UpsertPantry(ctx context.Context, row localsync.PantryRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO pantry_items (user_id, device_id, name, category, quantity, expiry_date, updated_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, lower(name), lower(category)) DO UPDATE SET
			device_id   = EXCLUDED.device_id,
			name        = EXCLUDED.name,
			category    = EXCLUDED.category,
			quantity    = EXCLUDED.quantity,
			expiry_date = EXCLUDED.expiry_date,
			updated_at  = EXCLUDED.updated_at,
			is_deleted  = EXCLUDED.is_deleted
	`, row.UserID, row.DeviceID, row.Name, row.Category, row.Quantity, row.ExpiryDate, row.UpdatedAt, row.IsDeleted)
	if err != nil {
		return fmt.Errorf("failed to upsert pantry row: %w", err)
	}
	return nil
}

// SelectPantry returns the user's pantry rows.
func (s *Store) SelectPantry(ctx context.Context, userID string, includeDeleted bool) ([]localsync.PantryRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, device_id, name, category, quantity, expiry_date, updated_at, is_deleted
		FROM pantry_items
		WHERE user_id = $1 AND (is_deleted = FALSE OR $2)
		ORDER BY lower(name), lower(category)
	`, userID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to select pantry rows: %w", err)
	}
	defer rows.Close()

	var out []localsync.PantryRow
	for rows.Next() {
		var r localsync.PantryRow
		if err := rows.Scan(&r.UserID, &r.DeviceID, &r.Name, &r.Category, &r.Quantity, &r.ExpiryDate, &r.UpdatedAt, &r.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan pantry row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertRecipe inserts or updates one saved-recipe row by
// (user_id, recipe_id).
func (s *Store) UpsertRecipe(ctx context.Context, row localsync.RecipeRow) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO saved_recipes (user_id, device_id, recipe_id, recipe_name, recipe_data, is_custom, saved_at, updated_at, is_deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, recipe_id) DO UPDATE SET
			device_id   = EXCLUDED.device_id,
			recipe_name = EXCLUDED.recipe_name,
			recipe_data = EXCLUDED.recipe_data,
			is_custom   = EXCLUDED.is_custom,
			saved_at    = EXCLUDED.saved_at,
			updated_at  = EXCLUDED.updated_at,
			is_deleted  = EXCLUDED.is_deleted
	`, row.UserID, row.DeviceID, row.RecipeID, row.RecipeName, row.RecipeData, row.IsCustom, nilIfZero(row.SavedAt), row.UpdatedAt, row.IsDeleted)
	if err != nil {
		return fmt.Errorf("failed to upsert recipe row: %w", err)
	}
	return nil
}

// SelectRecipes returns the user's saved-recipe rows.
func (s *Store) SelectRecipes(ctx context.Context, userID string, includeDeleted bool) ([]localsync.RecipeRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id, device_id, recipe_id, recipe_name, recipe_data, is_custom, COALESCE(saved_at, updated_at), updated_at, is_deleted
		FROM saved_recipes
		WHERE user_id = $1 AND (is_deleted = FALSE OR $2)
		ORDER BY recipe_id
	`, userID, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to select recipe rows: %w", err)
	}
	defer rows.Close()

	var out []localsync.RecipeRow
	for rows.Next() {
		var r localsync.RecipeRow
		if err := rows.Scan(&r.UserID, &r.DeviceID, &r.RecipeID, &r.RecipeName, &r.RecipeData, &r.IsCustom, &r.SavedAt, &r.UpdatedAt, &r.IsDeleted); err != nil {
			return nil, fmt.Errorf("failed to scan recipe row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
