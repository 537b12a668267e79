// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Remote table names. These match the Postgres tables served by the
// remotestore package and are also used as websocket change topics.
const (
	TableGrocery = "grocery_items"
	TablePantry  = "pantry_items"
	TableRecipes = "saved_recipes"
)

// Upsert conflict keys, enforced as unique constraints on the remote side.
const (
	ConflictKeyGrocery = "user_id,local_id"
	ConflictKeyPantry  = "user_id,name,category"
	ConflictKeyRecipes = "user_id,recipe_id"
)

// GroceryItem is one entry of the local grocery cart. IDs are assigned
// per device (max+1) and are not stable across a full reload from remote.
type GroceryItem struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Selected  bool      `json:"selected"`
	Quantity  string    `json:"quantity"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Price derives the display price from the item name. It is never stored;
// both devices recompute the same value from the same name.
func (g GroceryItem) Price() float64 {
	return PriceFor(g.Name)
}

// PantryItem is one entry of the local pantry. Its logical identity on the
// remote side is (name, category), so renaming creates a new logical entity.
type PantryItem struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Quantity   string     `json:"quantity"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// SavedRecipe is a bookmarked recipe. RecipeID is the stable business key
// (catalog id or generated id for custom recipes).
type SavedRecipe struct {
	ID         int64           `json:"id"`
	RecipeID   string          `json:"recipeId"`
	RecipeName string          `json:"recipeName"`
	RecipeData json.RawMessage `json:"recipeData"`
	IsCustom   bool            `json:"isCustom"`
	SavedAt    time.Time       `json:"savedAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// GroceryRow is the remote row shape for grocery items. LocalID echoes the
// device-local integer id and forms the reconciliation key together with
// UserID.
type GroceryRow struct {
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	LocalID   int64     `json:"local_id"`
	Name      string    `json:"name"`
	Category  string    `json:"category"`
	Selected  bool      `json:"selected"`
	Quantity  string    `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
	IsDeleted bool      `json:"is_deleted"`
}

// PantryRow is the remote row shape for pantry items, keyed by content
// identity (user_id, name, category).
type PantryRow struct {
	UserID     string     `json:"user_id"`
	DeviceID   string     `json:"device_id"`
	Name       string     `json:"name"`
	Category   string     `json:"category"`
	Quantity   string     `json:"quantity"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	IsDeleted  bool       `json:"is_deleted"`
}

// RecipeRow is the remote row shape for saved recipes, keyed by
// (user_id, recipe_id).
type RecipeRow struct {
	UserID     string          `json:"user_id"`
	DeviceID   string          `json:"device_id"`
	RecipeID   string          `json:"recipe_id"`
	RecipeName string          `json:"recipe_name"`
	RecipeData json.RawMessage `json:"recipe_data"`
	IsCustom   bool            `json:"is_custom"`
	SavedAt    time.Time       `json:"saved_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	IsDeleted  bool            `json:"is_deleted"`
}

// ConflictType distinguishes a diverging update from a delete that raced
// with a local edit.
type ConflictType string

const (
	ConflictUpdate ConflictType = "update"
	ConflictDelete ConflictType = "delete"
)

// Conflict is a record pair that diverged on two devices and needs a user
// decision. It holds full row snapshots of both sides and lives only in the
// orchestrator's in-memory queue; it is never persisted.
type Conflict struct {
	Table  string
	Key    string
	Type   ConflictType
	Local  json.RawMessage
	Remote json.RawMessage
}

// groceryKey renders the grocery reconciliation key for a conflict entry.
func groceryKey(localID int64) string {
	return strconv.FormatInt(localID, 10)
}

// pantryKey renders the case-folded content identity of a pantry item.
// Case-insensitive so "Rice"/"rice" on two devices stay one logical entity.
func pantryKey(name, category string) string {
	return strings.ToLower(name) + "|" + strings.ToLower(category)
}
